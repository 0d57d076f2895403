package throttle

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/campaign-dispatcher/internal/domain"
)

// Counters provides atomic send-rate accounting in Redis using a Lua
// script. The GET → check → INCR pattern races under concurrent account
// dispatch; the script checks the minute, hour and day windows and
// increments all three only when every window has room.
type Counters struct {
	redis *redis.Client

	multiWindowScript *redis.Script
}

const multiWindowLuaScript = `
local minuteKey = KEYS[1]
local hourKey = KEYS[2]
local dayKey = KEYS[3]
local increment = tonumber(ARGV[1])
local minuteLimit = tonumber(ARGV[2])
local hourLimit = tonumber(ARGV[3])
local dayLimit = tonumber(ARGV[4])
local minuteTTL = tonumber(ARGV[5])
local hourTTL = tonumber(ARGV[6])
local dayTTL = tonumber(ARGV[7])

local minCurrent = tonumber(redis.call("GET", minuteKey) or "0")
local hourCurrent = tonumber(redis.call("GET", hourKey) or "0")
local dayCurrent = tonumber(redis.call("GET", dayKey) or "0")

-- Check every window BEFORE incrementing
if minCurrent + increment > minuteLimit then
    return {0, 1, minCurrent}
end
if hourCurrent + increment > hourLimit then
    return {0, 2, hourCurrent}
end
if dayCurrent + increment > dayLimit then
    return {0, 3, dayCurrent}
end

local newMin = redis.call("INCRBY", minuteKey, increment)
if newMin == increment then
    redis.call("EXPIRE", minuteKey, minuteTTL)
end

local newHour = redis.call("INCRBY", hourKey, increment)
if newHour == increment then
    redis.call("EXPIRE", hourKey, hourTTL)
end

local newDay = redis.call("INCRBY", dayKey, increment)
if newDay == increment then
    redis.call("EXPIRE", dayKey, dayTTL)
end

return {1, 0, newDay}
`

// NewCounters creates the counter store with a pre-compiled Lua script.
func NewCounters(redisClient *redis.Client) *Counters {
	return &Counters{
		redis:             redisClient,
		multiWindowScript: redis.NewScript(multiWindowLuaScript),
	}
}

// NewCountersFromURL connects to Redis and verifies the connection.
func NewCountersFromURL(redisURL string) (*Counters, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	log.Printf("[Throttle] Connected to Redis at %s", redisURL)

	return NewCounters(client), nil
}

// CheckAndIncrement atomically reserves one send against the campaign's
// minute/hour/day windows. When denied, waitTime says how long until the
// binding window rolls over.
func (c *Counters) CheckAndIncrement(ctx context.Context, campaignID string, limits domain.RateLimitSettings) (allowed bool, waitTime time.Duration, err error) {
	now := time.Now()

	minuteKey := fmt.Sprintf("dispatch:rl:%s:min:%d", campaignID, now.Unix()/60)
	hourKey := fmt.Sprintf("dispatch:rl:%s:hour:%d", campaignID, now.Unix()/3600)
	dayKey := fmt.Sprintf("dispatch:rl:%s:day:%s", campaignID, now.UTC().Format("2006-01-02"))

	result, err := c.multiWindowScript.Run(ctx, c.redis,
		[]string{minuteKey, hourKey, dayKey},
		1,
		limits.MessagesPerMinute,
		limits.MessagesPerHour,
		limits.MessagesPerDay,
		120,   // minute TTL
		7200,  // hour TTL
		90000, // daily TTL (25 hours)
	).Slice()

	if err != nil {
		return false, 0, fmt.Errorf("rate counter check failed: %w", err)
	}

	allowedInt := result[0].(int64)
	denialReason := result[1].(int64)

	if allowedInt == 1 {
		return true, 0, nil
	}

	switch denialReason {
	case 1: // minute window
		waitTime = time.Duration(60-now.Second()) * time.Second
	case 2: // hour window
		waitTime = time.Duration(3600-(now.Unix()%3600)) * time.Second
	case 3: // day window
		midnight := now.UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)
		waitTime = midnight.Sub(now)
	}

	return false, waitTime, nil
}

// Usage returns the current counter values for a campaign.
func (c *Counters) Usage(ctx context.Context, campaignID string) (map[string]int64, error) {
	now := time.Now()

	minuteKey := fmt.Sprintf("dispatch:rl:%s:min:%d", campaignID, now.Unix()/60)
	hourKey := fmt.Sprintf("dispatch:rl:%s:hour:%d", campaignID, now.Unix()/3600)
	dayKey := fmt.Sprintf("dispatch:rl:%s:day:%s", campaignID, now.UTC().Format("2006-01-02"))

	pipe := c.redis.Pipeline()
	minCmd := pipe.Get(ctx, minuteKey)
	hourCmd := pipe.Get(ctx, hourKey)
	dayCmd := pipe.Get(ctx, dayKey)
	pipe.Exec(ctx)

	minute, _ := minCmd.Int64()
	hour, _ := hourCmd.Int64()
	day, _ := dayCmd.Int64()

	return map[string]int64{
		"minute_current": minute,
		"hour_current":   hour,
		"daily_current":  day,
	}, nil
}

// Close closes the Redis connection.
func (c *Counters) Close() error {
	return c.redis.Close()
}
