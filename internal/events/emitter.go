// Package events publishes campaign lifecycle notifications to Redis
// pub/sub. Emission is fire-and-forget: the dispatch loop never blocks on
// subscriber availability, and a full buffer drops the oldest-style way
// (newest event discarded) rather than stalling sends.
package events

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Event types consumed by monitoring and UI layers.
const (
	TypeMessageSent       = "message_sent"
	TypeMessageFailed     = "message_failed"
	TypeCampaignStarted   = "campaign_started"
	TypeCampaignPaused    = "campaign_paused"
	TypeCampaignResumed   = "campaign_resumed"
	TypeCampaignSuspended = "campaign_suspended"
	TypeCampaignCompleted = "campaign_completed"
	TypeCampaignCancelled = "campaign_cancelled"
	TypeCampaignFailed    = "campaign_failed"
)

// channelPrefix keys per-campaign pub/sub channels; the bare prefix is the
// firehose channel carrying every event.
const channelPrefix = "dispatch:events"

// Event is the published payload.
type Event struct {
	CampaignID string                 `json:"campaign_id"`
	Type       string                 `json:"type"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	EmittedAt  time.Time              `json:"emitted_at"`
}

// Emitter publishes events asynchronously through a bounded buffer. A
// token-bucket limiter smooths per-message bursts so a hot dispatch loop
// cannot flood Redis; lifecycle events share the same pipe and are rare
// enough not to care.
type Emitter struct {
	redis   *redis.Client
	buf     chan Event
	limiter *rate.Limiter

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started bool
	mu      sync.Mutex

	published int64
	dropped   int64
}

// NewEmitter creates an emitter. bufferSize <= 0 selects a default of 1024;
// perSecond <= 0 disables smoothing.
func NewEmitter(redisClient *redis.Client, bufferSize int, perSecond float64) *Emitter {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	var limiter *rate.Limiter
	if perSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(perSecond), int(perSecond)+1)
	}
	return &Emitter{
		redis:   redisClient,
		buf:     make(chan Event, bufferSize),
		limiter: limiter,
	}
}

// Start launches the background publisher.
func (e *Emitter) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true

	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.run(ctx)

	log.Printf("[Events] Emitter started (buffer=%d)", cap(e.buf))
}

// Stop drains nothing; queued events not yet published are dropped, which
// is acceptable for at-least-once consumers fed by state reads elsewhere.
func (e *Emitter) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}
	e.started = false
	e.cancel()
	e.wg.Wait()
	log.Printf("[Events] Emitter stopped (published=%d dropped=%d)",
		atomic.LoadInt64(&e.published), atomic.LoadInt64(&e.dropped))
}

// Emit enqueues an event. It never blocks: when the buffer is full the
// event is counted as dropped and the loop moves on.
func (e *Emitter) Emit(campaignID, eventType string, payload map[string]interface{}) {
	ev := Event{
		CampaignID: campaignID,
		Type:       eventType,
		Payload:    payload,
		EmittedAt:  time.Now().UTC(),
	}
	select {
	case e.buf <- ev:
	default:
		atomic.AddInt64(&e.dropped, 1)
	}
}

func (e *Emitter) run(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.buf:
			if e.limiter != nil {
				if err := e.limiter.Wait(ctx); err != nil {
					return
				}
			}
			e.publish(ctx, ev)
		}
	}
}

func (e *Emitter) publish(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("[Events] Marshal error: %v", err)
		return
	}

	pipe := e.redis.Pipeline()
	pipe.Publish(ctx, channelPrefix, data)
	pipe.Publish(ctx, channelPrefix+":"+ev.CampaignID, data)
	if _, err := pipe.Exec(ctx); err != nil {
		// Subscriber-side trouble never propagates to the dispatch loop.
		log.Printf("[Events] Publish error for campaign %s: %v", ev.CampaignID, err)
		return
	}
	atomic.AddInt64(&e.published, 1)
}

// Stats returns publish counters for monitoring.
func (e *Emitter) Stats() map[string]int64 {
	return map[string]int64{
		"published": atomic.LoadInt64(&e.published),
		"dropped":   atomic.LoadInt64(&e.dropped),
		"queued":    int64(len(e.buf)),
	}
}
