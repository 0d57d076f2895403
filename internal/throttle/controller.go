package throttle

import (
	"container/heap"
	"context"
	"errors"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/campaign-dispatcher/internal/domain"
)

// Suspension reason codes. Every suspended decision carries one of these
// plus a concrete retry instant so monitoring can always say why a
// campaign is not sending.
const (
	ReasonOutsideBusinessHours = "outside_business_hours"
	ReasonWeekend              = "weekend"
	ReasonCoolingDown          = "all_accounts_cooling_down"
	ReasonRateLimited          = "rate_limited"
)

const (
	businessHoursStart = 9  // 09:00 local, inclusive
	businessHoursEnd   = 18 // 18:00 local, exclusive

	// unofficialDelayFloor is the legal minimum gap on unofficial channels;
	// humanization randomization never goes below it.
	unofficialDelayFloor = time.Second
)

// DefaultDisconnectThreshold is how many back-to-back send failures flip
// an account to disconnected.
const DefaultDisconnectThreshold = 5

// ErrNoAvailableAccounts means every account is disconnected. Unlike a
// cooldown this cannot recover on its own and is fatal to the campaign.
var ErrNoAvailableAccounts = errors.New("no available accounts: all disconnected")

// Decision is the controller's answer for one pending recipient: either an
// account plus how long to wait before handing off the send, or a
// suspension with a reason and retry instant.
type Decision struct {
	Allowed    bool               `json:"allowed"`
	Account    domain.AccountRef  `json:"account,omitempty"`
	Wait       time.Duration      `json:"wait"`
	Reason     string             `json:"reason,omitempty"`
	RetryAfter time.Time          `json:"retry_after,omitempty"`
}

// Controller makes per-send pacing decisions for one campaign. It owns the
// account rotation queue; decisions mutate the campaign's account refs
// (LastSendAt, ConsecutiveSendCount, resting state) under the controller's
// lock so concurrent per-account dispatchers cannot race.
type Controller struct {
	mu    sync.Mutex
	queue rotationQueue

	// queueBase/queueSig detect account snapshot replacement so the heap
	// never keeps pointers into a stale backing array.
	queueBase *domain.AccountRef
	queueSig  int

	// counters is optional; nil skips the shared Redis windows (pure
	// in-process pacing, used in tests and single-node setups).
	counters *Counters

	now     func() time.Time
	randInt func(n int) int

	decisions   int64
	suspensions int64
}

// NewController creates a controller. counters may be nil.
func NewController(counters *Counters) *Controller {
	return &Controller{
		counters: counters,
		now:      time.Now,
		randInt:  rand.Intn,
	}
}

// NextSend evaluates the pacing rules fresh for one pending recipient.
// The error return is reserved for the fatal no-accounts condition; every
// recoverable hold comes back as a suspended Decision.
func (c *Controller) NextSend(ctx context.Context, campaign *domain.Campaign) (Decision, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	atomic.AddInt64(&c.decisions, 1)

	now := c.now()
	loc := campaignLocation(campaign.Timezone)
	local := now.In(loc)
	ab := campaign.AntiBan

	if ab.Enabled && ab.BusinessHoursOnly && !withinBusinessHours(local) {
		return c.suspend(ReasonOutsideBusinessHours, nextBusinessWindow(local, ab.RespectWeekends)), nil
	}

	if ab.Enabled && ab.RespectWeekends && isWeekend(local.Weekday()) {
		return c.suspend(ReasonWeekend, nextWeekdayMorning(local)), nil
	}

	c.syncQueue(campaign)
	c.queue.wake(now)

	acct, susp, err := c.selectAccount(campaign, now)
	if err != nil {
		return Decision{}, err
	}
	if susp != nil {
		return *susp, nil
	}

	if c.counters != nil {
		allowed, wait, err := c.counters.CheckAndIncrement(ctx, campaign.ID, campaign.RateLimit)
		if err != nil {
			// Counter outage must not stall the campaign; local pacing
			// still applies.
			log.Printf("[Throttle] Counter check error for campaign %s: %v", campaign.ID, err)
		} else if !allowed {
			return c.suspend(ReasonRateLimited, now.Add(wait)), nil
		}
	}

	wait := c.computeWait(campaign)

	acct.ConsecutiveSendCount++
	acct.LastSendAt = now
	if ab.Enabled && ab.AccountRotation && ab.CooldownPeriodMinutes > 0 &&
		acct.ConsecutiveSendCount >= ab.EffectiveRotationThreshold() {
		rest := now.Add(time.Duration(ab.CooldownPeriodMinutes) * time.Minute)
		acct.Status = domain.AccountResting
		acct.RestingUntil = &rest
	}
	c.queue.fix()

	return Decision{Allowed: true, Account: *acct, Wait: wait}, nil
}

// RecordSendResult settles account health after one send. Success clears
// the failure streak; a failure extends it, and a streak reaching
// DefaultDisconnectThreshold pulls the account out of dispatch entirely.
func (c *Controller) RecordSendResult(campaign *domain.Campaign, accountID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range campaign.Accounts {
		a := &campaign.Accounts[i]
		if a.ID != accountID {
			continue
		}
		if ok {
			a.ConsecutiveFailures = 0
			return
		}
		a.ConsecutiveFailures++
		if a.ConsecutiveFailures >= DefaultDisconnectThreshold && a.Status != domain.AccountDisconnected {
			a.Status = domain.AccountDisconnected
			a.RestingUntil = nil
			heap.Init(&c.queue)
			log.Printf("[Throttle] Account %s disconnected after %d consecutive send failures",
				a.ID, a.ConsecutiveFailures)
		}
		return
	}
}

// ReplaceAccounts swaps the campaign's account snapshot and rebuilds the
// rotation queue over the new backing array. Runs under the controller's
// lock so in-flight send settlements never touch the old array mid-swap.
func (c *Controller) ReplaceAccounts(campaign *domain.Campaign, accounts []domain.AccountRef) {
	c.mu.Lock()
	defer c.mu.Unlock()

	campaign.Accounts = accounts
	c.queue.rebuild(accounts)
	if len(accounts) > 0 {
		c.queueBase = &accounts[0]
	} else {
		c.queueBase = nil
	}
	c.queueSig = len(accounts)
}

// CopyAccounts returns a copy of the account refs taken under the
// controller's lock, so readers never observe a half-applied pacing
// update.
func (c *Controller) CopyAccounts(accounts []domain.AccountRef) []domain.AccountRef {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.AccountRef, len(accounts))
	copy(out, accounts)
	return out
}

// selectAccount picks the send account per the rotation rules. Exactly one
// of the three returns is non-zero.
func (c *Controller) selectAccount(campaign *domain.Campaign, now time.Time) (*domain.AccountRef, *Decision, error) {
	if campaign.AntiBan.Enabled && campaign.AntiBan.AccountRotation {
		top := c.queue.peek()
		if top == nil {
			return nil, nil, ErrNoAvailableAccounts
		}
		if top.Status != domain.AccountActive {
			// Active accounts sort first, so a non-active head means the
			// whole pool is cooling down.
			expiry, ok := c.queue.earliestRest()
			if !ok {
				return nil, nil, ErrNoAvailableAccounts
			}
			d := c.suspend(ReasonCoolingDown, expiry)
			return nil, &d, nil
		}
		return top, nil, nil
	}

	// Rotation disabled: always the first configured account.
	if len(campaign.Accounts) == 0 {
		return nil, nil, ErrNoAvailableAccounts
	}
	first := &campaign.Accounts[0]
	switch first.Status {
	case domain.AccountActive:
		return first, nil, nil
	case domain.AccountResting:
		if first.RestingUntil == nil {
			return nil, nil, ErrNoAvailableAccounts
		}
		d := c.suspend(ReasonCoolingDown, *first.RestingUntil)
		return nil, &d, nil
	default:
		return nil, nil, ErrNoAvailableAccounts
	}
}

// computeWait returns the delay before the send is handed off. Humanized
// delays override the strict rate figure but respect the unofficial floor.
func (c *Controller) computeWait(campaign *domain.Campaign) time.Duration {
	rl := campaign.RateLimit
	ab := campaign.AntiBan

	var wait time.Duration
	if ab.Enabled && ab.RandomizeDelay && ab.MinDelaySeconds > 0 && ab.MaxDelaySeconds >= ab.MinDelaySeconds {
		span := ab.MaxDelaySeconds - ab.MinDelaySeconds
		sec := ab.MinDelaySeconds
		if span > 0 {
			sec += c.randInt(span + 1)
		}
		wait = time.Duration(sec) * time.Second
	} else {
		wait = time.Duration(rl.DelayBetweenMessagesSeconds) * time.Second
		if rl.MessagesPerMinute > 0 {
			paced := time.Duration(float64(time.Minute) / float64(rl.MessagesPerMinute))
			if paced > wait {
				wait = paced
			}
		}
	}

	if campaign.Channel == domain.ChannelUnofficial && wait < unofficialDelayFloor {
		wait = unofficialDelayFloor
	}
	return wait
}

// syncQueue rebuilds the rotation heap when the campaign's account snapshot
// was replaced (the dispatcher re-polls accounts once per batch).
func (c *Controller) syncQueue(campaign *domain.Campaign) {
	var base *domain.AccountRef
	if len(campaign.Accounts) > 0 {
		base = &campaign.Accounts[0]
	}
	if base == c.queueBase && len(campaign.Accounts) == c.queueSig {
		return
	}
	c.queue.rebuild(campaign.Accounts)
	c.queueBase = base
	c.queueSig = len(campaign.Accounts)
}

func (c *Controller) suspend(reason string, retryAfter time.Time) Decision {
	atomic.AddInt64(&c.suspensions, 1)
	return Decision{Reason: reason, RetryAfter: retryAfter}
}

// Stats returns decision counters for monitoring.
func (c *Controller) Stats() map[string]int64 {
	return map[string]int64{
		"decisions":   atomic.LoadInt64(&c.decisions),
		"suspensions": atomic.LoadInt64(&c.suspensions),
	}
}

func campaignLocation(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

func withinBusinessHours(local time.Time) bool {
	h := local.Hour()
	return h >= businessHoursStart && h < businessHoursEnd
}

func isWeekend(d time.Weekday) bool {
	return d == time.Saturday || d == time.Sunday
}

// nextBusinessWindow returns the next 09:00 local, skipping weekends when
// the campaign respects them.
func nextBusinessWindow(local time.Time, respectWeekends bool) time.Time {
	y, m, d := local.Date()
	candidate := time.Date(y, m, d, businessHoursStart, 0, 0, 0, local.Location())
	if !candidate.After(local) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	if respectWeekends {
		for isWeekend(candidate.Weekday()) {
			candidate = candidate.AddDate(0, 0, 1)
		}
	}
	return candidate
}

// nextWeekdayMorning returns 09:00 local on the next Monday-to-Friday day.
func nextWeekdayMorning(local time.Time) time.Time {
	y, m, d := local.Date()
	candidate := time.Date(y, m, d, businessHoursStart, 0, 0, 0, local.Location())
	for isWeekend(candidate.Weekday()) || !candidate.After(local) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}
