package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ignite/campaign-dispatcher/internal/domain"
	"github.com/ignite/campaign-dispatcher/internal/events"
	"github.com/ignite/campaign-dispatcher/internal/pkg/logger"
	"github.com/ignite/campaign-dispatcher/internal/ratelimit"
	"github.com/ignite/campaign-dispatcher/internal/schedule"
	"github.com/ignite/campaign-dispatcher/internal/throttle"
)

// =============================================================================
// CAMPAIGN DISPATCH STATE MACHINE
// =============================================================================
// One Dispatcher owns one campaign. Lifecycle:
//
//   draft → {scheduled, running} → {paused ⇄ running} → {completed, cancelled, failed}
//
// Recurring campaigns cycle running ↔ idle_waiting between send windows.
// Pause is cooperative (checked before each pacing decision, in-flight
// sends finish); cancel also aborts in-flight waits.

const (
	// DefaultSendTimeout bounds one SendMessage call; a timeout counts as
	// a transient failure, not a permanent one.
	DefaultSendTimeout = 30 * time.Second

	// MaxSendAttempts bounds transient retries per recipient.
	MaxSendAttempts = 3

	// retryBackoffBase grows linearly with the attempt number.
	retryBackoffBase = 2 * time.Second

	pausePollInterval = 200 * time.Millisecond

	persistTimeout = 10 * time.Second
)

// Deps are the dispatcher's collaborators. All fields are required except
// Renderer, which defaults to a fresh Liquid renderer.
type Deps struct {
	Throttle *throttle.Controller
	Planner  *schedule.Planner
	Segments SegmentResolver
	Accounts AccountRegistry
	Sender   MessageSender
	Store    StateStore
	Events   EventEmitter
	Renderer *Renderer
}

// Dispatcher drives one campaign through its lifecycle.
type Dispatcher struct {
	deps     Deps
	campaign *domain.Campaign

	// mu guards campaign status/settings; progressMu guards only the
	// progress counters so concurrent send completions never contend
	// with lifecycle commands.
	mu         sync.Mutex
	progressMu sync.Mutex

	running bool
	paused  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sendTimeout time.Duration

	// Injected for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher wires a dispatcher around a campaign aggregate.
func NewDispatcher(campaign *domain.Campaign, deps Deps) *Dispatcher {
	if deps.Renderer == nil {
		deps.Renderer = NewRenderer()
	}
	return &Dispatcher{
		deps:        deps,
		campaign:    campaign,
		sendTimeout: DefaultSendTimeout,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

// Campaign returns a snapshot of the aggregate with consistent progress
// counters. The throttle controller mutates account refs in place during
// pacing, so the account slice is copied under its lock rather than
// aliased.
func (d *Dispatcher) Campaign() domain.Campaign {
	d.mu.Lock()
	snapshot := *d.campaign
	d.mu.Unlock()
	snapshot.Accounts = d.deps.Throttle.CopyAccounts(snapshot.Accounts)
	snapshot.Progress = d.Progress()
	return snapshot
}

// Progress returns a consistent copy of the counters.
func (d *Dispatcher) Progress() domain.Progress {
	d.progressMu.Lock()
	defer d.progressMu.Unlock()
	return d.campaign.Progress
}

// Wait blocks until the dispatch loop has fully stopped.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// =============================================================================
// LIFECYCLE COMMANDS
// =============================================================================

// Start validates the campaign, takes live snapshots of its segment and
// accounts, seeds pacing, and launches the dispatch loop. Fresh campaigns
// start from draft or scheduled. A campaign persisted mid-flight
// (running, paused, idle_waiting) re-attaches here and picks up from its
// stored status; wall-clock waits are recomputed from persisted settings,
// never restored from in-memory timers.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return ErrAlreadyRunning
	}
	c := d.campaign
	var resuming bool
	switch c.Status {
	case domain.CampaignDraft, domain.CampaignScheduled:
	case domain.CampaignRunning, domain.CampaignPaused, domain.CampaignIdleWaiting:
		resuming = true
	default:
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidTransition, c.Status)
	}
	if err := c.Validate(); err != nil {
		return err
	}

	accounts, err := d.deps.Accounts.ListActiveAccounts(ctx, c.Channel)
	if err != nil {
		return fmt.Errorf("account snapshot failed: %w", err)
	}
	now := d.now()
	if countAvailable(accounts, now) == 0 {
		return ErrNoActiveAccounts
	}
	d.deps.Throttle.ReplaceAccounts(c, accounts)

	count, it, err := d.deps.Segments.ResolveSegment(ctx, c.SegmentID)
	if err != nil {
		return fmt.Errorf("segment resolution failed: %w", err)
	}
	it.Close()
	if count == 0 {
		return ErrNoRecipients
	}

	// The calculator's output is a suggestion: it seeds the settings only
	// while the user has not set their own.
	if !c.RateLimitCustom {
		calc := ratelimit.Calculate(c.Channel, int(count), len(accounts), d.priority())
		c.RateLimit = ratelimit.SettingsFrom(calc)
		for _, w := range calc.Warnings {
			log.Printf("[Dispatcher] Campaign %s: %s", c.ID, w)
		}
	}

	if resuming {
		if c.Status == domain.CampaignRunning && c.StartedAt == nil {
			c.StartedAt = &now
		}
	} else {
		d.progressMu.Lock()
		c.Progress = domain.Progress{}
		d.progressMu.Unlock()

		if c.Mode == domain.ModeOneShot && c.ScheduledAt != nil && c.ScheduledAt.After(now) {
			c.Status = domain.CampaignScheduled
		} else {
			c.Status = domain.CampaignRunning
			c.StartedAt = &now
		}
	}
	c.UpdatedAt = now

	d.persist()
	d.deps.Events.Emit(c.ID, events.TypeCampaignStarted, map[string]interface{}{
		"status":           string(c.Status),
		"total_recipients": count,
	})

	d.running = true
	d.paused = c.Status == domain.CampaignPaused
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.wg.Add(1)
	go d.run()

	log.Printf("[Dispatcher] Campaign %s started (%s, %d recipients)", c.ID, c.Status, count)
	return nil
}

// Pause stops issuing new pacing decisions. In-flight sends finish;
// progress keeps its values. Only legal while running.
func (d *Dispatcher) Pause() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	c := d.campaign
	if c.Status != domain.CampaignRunning {
		return fmt.Errorf("%w: cannot pause from %s", ErrInvalidTransition, c.Status)
	}
	d.paused = true
	c.Status = domain.CampaignPaused
	c.UpdatedAt = d.now()

	d.persist()
	d.deps.Events.Emit(c.ID, events.TypeCampaignPaused, nil)
	log.Printf("[Dispatcher] Campaign %s paused", c.ID)
	return nil
}

// Resume continues a paused campaign from its current progress. The
// account snapshot is refreshed; when the account count changed and the
// user has not pinned rate limits, the calculator reseeds them.
func (d *Dispatcher) Resume(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	c := d.campaign
	if c.Status != domain.CampaignPaused {
		return fmt.Errorf("%w: cannot resume from %s", ErrInvalidTransition, c.Status)
	}

	accounts, err := d.deps.Accounts.ListActiveAccounts(ctx, c.Channel)
	if err == nil && len(accounts) > 0 {
		if len(accounts) != len(c.Accounts) && !c.RateLimitCustom {
			p := d.Progress()
			remaining := p.TotalRecipients - p.ProcessedRecipients
			calc := ratelimit.Calculate(c.Channel, int(remaining), len(accounts), d.priority())
			c.RateLimit = ratelimit.SettingsFrom(calc)
		}
		d.deps.Throttle.ReplaceAccounts(c, accounts)
	}

	c.Status = domain.CampaignRunning
	c.UpdatedAt = d.now()
	d.paused = false

	d.persist()
	d.deps.Events.Emit(c.ID, events.TypeCampaignResumed, nil)
	p := d.Progress()
	log.Printf("[Dispatcher] Campaign %s resumed at %d/%d",
		c.ID, p.ProcessedRecipients, p.TotalRecipients)
	return nil
}

// Cancel aborts the campaign from any non-terminal state. In-flight waits
// return early; progress values are retained for audit.
func (d *Dispatcher) Cancel() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	c := d.campaign
	if c.Status.IsTerminal() {
		return fmt.Errorf("%w: campaign already %s", ErrInvalidTransition, c.Status)
	}

	now := d.now()
	c.Status = domain.CampaignCancelled
	c.CompletedAt = &now
	c.UpdatedAt = now
	if d.cancel != nil {
		d.cancel()
	}
	d.running = false

	d.persist()
	p := d.Progress()
	d.deps.Events.Emit(c.ID, events.TypeCampaignCancelled, map[string]interface{}{
		"processed": p.ProcessedRecipients,
	})
	log.Printf("[Dispatcher] Campaign %s cancelled at %d/%d",
		c.ID, p.ProcessedRecipients, p.TotalRecipients)
	return nil
}

// Park stops the dispatch loop without a terminal transition. The
// campaign keeps its persisted in-flight status (running, paused,
// idle_waiting) so a later Start can re-attach it; graceful shutdown
// parks instead of cancelling.
func (d *Dispatcher) Park() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
	}
	d.running = false

	c := d.campaign
	if c.Status.IsTerminal() {
		return
	}
	c.UpdatedAt = d.now()
	d.persist()
	log.Printf("[Dispatcher] Campaign %s parked (%s)", c.ID, c.Status)
}

// =============================================================================
// DISPATCH LOOP
// =============================================================================

func (d *Dispatcher) run() {
	defer d.wg.Done()
	ctx := d.ctx
	c := d.campaign

	// One-shot future-dated campaigns hold in scheduled until their
	// instant arrives.
	d.mu.Lock()
	scheduledAt := c.ScheduledAt
	waiting := c.Status == domain.CampaignScheduled
	d.mu.Unlock()
	if waiting && scheduledAt != nil {
		if err := d.sleepUntil(ctx, *scheduledAt); err != nil {
			return
		}
		d.mu.Lock()
		now := d.now()
		c.Status = domain.CampaignRunning
		c.StartedAt = &now
		c.UpdatedAt = now
		d.persist()
		d.mu.Unlock()
	}

	// A re-attached idle-waiting campaign recomputes its window from
	// persisted settings before dispatching again; the pre-restart
	// instant is stale by definition.
	d.mu.Lock()
	idleResume := c.Status == domain.CampaignIdleWaiting &&
		c.Mode == domain.ModeRecurringDaily && c.Recurring != nil
	d.mu.Unlock()
	if idleResume && !d.awaitNextWindow(ctx) {
		return
	}

	for {
		if err := d.runBatch(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			d.fail(err)
			return
		}
		if ctx.Err() != nil {
			return
		}

		// Recurring campaigns idle-wait until the planner's next window;
		// everything else completes after one batch.
		d.mu.Lock()
		recurring := c.Mode == domain.ModeRecurringDaily && c.Recurring != nil
		d.mu.Unlock()
		if recurring {
			if !d.awaitNextWindow(ctx) {
				return
			}
			continue
		}

		d.complete()
		return
	}
}

// awaitNextWindow parks a recurring campaign in idle_waiting until the
// planner's next occurrence, then flips it back to running. Returns false
// when dispatch should stop instead: no further occurrence (the campaign
// completes), or the wait was interrupted by cancellation or a status
// change.
func (d *Dispatcher) awaitNextWindow(ctx context.Context) bool {
	c := d.campaign
	next, ok := d.deps.Planner.NextOccurrence(*c.Recurring, d.now())
	if !ok {
		d.complete()
		return false
	}
	d.idleUntil(next)
	if err := d.sleepUntil(ctx, next); err != nil {
		return false
	}
	d.mu.Lock()
	if c.Status == domain.CampaignIdleWaiting {
		c.Status = domain.CampaignRunning
		c.NextOccurrenceAt = nil
		c.UpdatedAt = d.now()
		d.persist()
	}
	stillRunning := c.Status == domain.CampaignRunning
	d.mu.Unlock()
	return stillRunning
}

// runBatch resolves the segment and dispatches every contact in it. The
// returned error is structural (segment failure, account pool dead) and
// fails the campaign; per-recipient errors never surface here.
func (d *Dispatcher) runBatch(ctx context.Context) error {
	c := d.campaign

	count, it, err := d.deps.Segments.ResolveSegment(ctx, c.SegmentID)
	if err != nil {
		return fmt.Errorf("segment resolution failed: %w", err)
	}
	defer it.Close()

	// Refresh the account snapshot once per batch; connection state can
	// change mid-campaign.
	d.refreshAccounts(ctx)

	d.progressMu.Lock()
	c.Progress = domain.Progress{TotalRecipients: count}
	d.progressMu.Unlock()

	// Intra-campaign parallelism is bounded by the active account count
	// when rotation is on; otherwise sends are strictly sequential.
	maxParallel := 1
	d.mu.Lock()
	if c.AntiBan.Enabled && c.AntiBan.AccountRotation {
		if n := countAvailable(c.Accounts, d.now()); n > 1 {
			maxParallel = n
		}
	}
	d.mu.Unlock()
	slots := make(chan struct{}, maxParallel)
	var batchWG sync.WaitGroup

	for {
		if ctx.Err() != nil {
			break
		}
		if err := d.waitWhilePaused(ctx); err != nil {
			break
		}

		contact, ok, err := it.Next(ctx)
		if err != nil {
			batchWG.Wait()
			return fmt.Errorf("segment iteration failed: %w", err)
		}
		if !ok {
			break
		}

		decision, err := d.decide(ctx, contact)
		if err != nil {
			batchWG.Wait()
			return err
		}
		if ctx.Err() != nil {
			break
		}

		slots <- struct{}{}
		batchWG.Add(1)
		go func(dec throttle.Decision, contact Contact) {
			defer batchWG.Done()
			defer func() { <-slots }()
			d.dispatchOne(ctx, dec, contact)
		}(decision, contact)
	}

	batchWG.Wait()
	return nil
}

// decide loops until the throttle controller yields an account. Every
// suspension is surfaced with its reason and retry instant, then slept
// through; a dead account pool is refreshed once before going fatal.
func (d *Dispatcher) decide(ctx context.Context, contact Contact) (throttle.Decision, error) {
	c := d.campaign
	refreshed := false
	for {
		if err := d.waitWhilePaused(ctx); err != nil {
			return throttle.Decision{}, nil
		}

		decision, err := d.deps.Throttle.NextSend(ctx, c)
		if errors.Is(err, throttle.ErrNoAvailableAccounts) {
			if !refreshed {
				refreshed = true
				if d.refreshAccounts(ctx) {
					continue
				}
			}
			return throttle.Decision{}, throttle.ErrNoAvailableAccounts
		}
		if err != nil {
			return throttle.Decision{}, err
		}

		if decision.Allowed {
			return decision, nil
		}

		d.deps.Events.Emit(c.ID, events.TypeCampaignSuspended, map[string]interface{}{
			"reason":      decision.Reason,
			"retry_after": decision.RetryAfter,
		})
		log.Printf("[Dispatcher] Campaign %s suspended (%s) until %s",
			c.ID, decision.Reason, decision.RetryAfter.Format(time.RFC3339))
		if err := d.sleepUntil(ctx, decision.RetryAfter); err != nil {
			return throttle.Decision{}, nil
		}
	}
}

// dispatchOne waits out the pacing delay, renders and sends one message,
// and settles the progress counters. Runs on its own goroutine bounded by
// the batch slot pool.
func (d *Dispatcher) dispatchOne(ctx context.Context, decision throttle.Decision, contact Contact) {
	c := d.campaign

	// Cancel aborts the pacing wait; the recipient stays unprocessed.
	if err := d.sleep(ctx, decision.Wait); err != nil {
		return
	}

	content, err := d.deps.Renderer.Render(c.MessageTemplate, contact)
	if err != nil {
		log.Printf("[Dispatcher] Campaign %s: render fallback for %s: %v", c.ID, contact.ID, err)
	}

	result := d.sendWithRetry(ctx, decision.Account, contact, content)
	if ctx.Err() != nil && !result.OK {
		// Cancelled mid-send; don't count an aborted attempt.
		return
	}

	d.progressMu.Lock()
	c.Progress.ProcessedRecipients++
	if result.OK {
		c.Progress.SuccessfulSends++
	} else {
		c.Progress.FailedSends++
	}
	d.progressMu.Unlock()

	d.deps.Throttle.RecordSendResult(c, decision.Account.ID, result.OK)

	if result.OK {
		d.deps.Events.Emit(c.ID, events.TypeMessageSent, map[string]interface{}{
			"recipient_id": contact.ID,
			"account_id":   decision.Account.ID,
		})
	} else {
		log.Printf("[Dispatcher] Campaign %s: send to %s failed: %v",
			c.ID, logger.RedactRecipient(contact.Address), result.Err)
		payload := map[string]interface{}{
			"recipient_id": contact.ID,
			"account_id":   decision.Account.ID,
		}
		if result.Err != nil {
			payload["error"] = result.Err.Error()
		}
		d.deps.Events.Emit(c.ID, events.TypeMessageFailed, payload)
	}
}

// sendWithRetry hands one message to the sender, retrying transient
// failures with incremental backoff. A still-failing transient result
// after the final attempt counts as a permanent failure.
func (d *Dispatcher) sendWithRetry(ctx context.Context, account domain.AccountRef, contact Contact, content string) SendResult {
	var result SendResult
	for attempt := 1; attempt <= MaxSendAttempts; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, d.sendTimeout)
		result = d.deps.Sender.SendMessage(sendCtx, account, contact, content)
		cancel()

		if result.OK || !result.Retriable {
			return result
		}
		if attempt < MaxSendAttempts {
			if err := d.sleep(ctx, time.Duration(attempt)*retryBackoffBase); err != nil {
				return result
			}
		}
	}
	return result
}

// =============================================================================
// TERMINAL AND IDLE TRANSITIONS
// =============================================================================

func (d *Dispatcher) complete() {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.campaign
	if c.Status.IsTerminal() {
		return
	}

	now := d.now()
	c.Status = domain.CampaignCompleted
	c.CompletedAt = &now
	c.UpdatedAt = now
	d.running = false
	d.persist()

	p := d.Progress()
	d.deps.Events.Emit(c.ID, events.TypeCampaignCompleted, map[string]interface{}{
		"successful_sends": p.SuccessfulSends,
		"failed_sends":     p.FailedSends,
	})
	logger.Info("campaign completed",
		"campaign_id", c.ID,
		"successful_sends", p.SuccessfulSends,
		"failed_sends", p.FailedSends)
}

func (d *Dispatcher) fail(cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.campaign
	if c.Status.IsTerminal() {
		return
	}

	now := d.now()
	c.Status = domain.CampaignFailed
	c.CompletedAt = &now
	c.UpdatedAt = now
	d.running = false
	d.persist()

	d.deps.Events.Emit(c.ID, events.TypeCampaignFailed, map[string]interface{}{
		"error": cause.Error(),
	})
	logger.Error("campaign failed", "campaign_id", c.ID, "cause", cause)
}

func (d *Dispatcher) idleUntil(next time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.campaign
	if c.Status != domain.CampaignRunning && c.Status != domain.CampaignIdleWaiting {
		return
	}
	c.Status = domain.CampaignIdleWaiting
	c.NextOccurrenceAt = &next
	c.UpdatedAt = d.now()
	d.persist()
	d.deps.Events.Emit(c.ID, events.TypeCampaignSuspended, map[string]interface{}{
		"reason":      "idle_waiting",
		"retry_after": next,
	})
	log.Printf("[Dispatcher] Campaign %s idle until %s", c.ID, next.Format(time.RFC3339))
}

// =============================================================================
// HELPERS
// =============================================================================

// refreshAccounts replaces the campaign's account snapshot. Returns true
// when the fresh snapshot contains at least one non-disconnected account.
func (d *Dispatcher) refreshAccounts(ctx context.Context) bool {
	c := d.campaign
	accounts, err := d.deps.Accounts.ListActiveAccounts(ctx, c.Channel)
	if err != nil {
		log.Printf("[Dispatcher] Campaign %s: account refresh failed: %v", c.ID, err)
		return false
	}
	d.mu.Lock()
	d.deps.Throttle.ReplaceAccounts(c, accounts)
	d.mu.Unlock()
	for _, a := range accounts {
		if a.Status != domain.AccountDisconnected {
			return true
		}
	}
	return false
}

func (d *Dispatcher) waitWhilePaused(ctx context.Context) error {
	for {
		d.mu.Lock()
		paused := d.paused
		d.mu.Unlock()
		if !paused {
			return ctx.Err()
		}
		if err := d.sleep(ctx, pausePollInterval); err != nil {
			return err
		}
	}
}

func (d *Dispatcher) sleepUntil(ctx context.Context, t time.Time) error {
	return d.sleep(ctx, t.Sub(d.now()))
}

// persist writes state at a lifecycle boundary. Caller holds d.mu. Uses a
// detached context so a cancelled dispatch context cannot lose the final
// state write. Accounts are snapshotted under the throttle lock because
// in-flight send settlements mutate them.
func (d *Dispatcher) persist() {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	snapshot := *d.campaign
	snapshot.Accounts = d.deps.Throttle.CopyAccounts(snapshot.Accounts)
	if err := d.deps.Store.PersistCampaignState(ctx, &snapshot); err != nil {
		log.Printf("[Dispatcher] Campaign %s: persist failed: %v", d.campaign.ID, err)
	}
}

// priority maps the anti-ban posture onto the calculator's priority knob.
func (d *Dispatcher) priority() ratelimit.Priority {
	if !d.campaign.AntiBan.Enabled {
		return ratelimit.PriorityMedium
	}
	switch d.campaign.AntiBan.Mode {
	case domain.ModeConservative:
		return ratelimit.PriorityLow
	case domain.ModeAggressive:
		return ratelimit.PriorityHigh
	default:
		return ratelimit.PriorityMedium
	}
}

func countAvailable(accounts []domain.AccountRef, now time.Time) int {
	n := 0
	for _, a := range accounts {
		if a.Available(now) {
			n++
		}
	}
	return n
}

func sleepCtx(ctx context.Context, dur time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if dur <= 0 {
		return nil
	}
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
