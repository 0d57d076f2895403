package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-dispatcher/internal/domain"
	"github.com/ignite/campaign-dispatcher/internal/schedule"
	"github.com/ignite/campaign-dispatcher/internal/throttle"
)

// DefaultOwnershipTTL bounds how long a crashed process can hold a
// campaign before another scheduler may claim it.
const DefaultOwnershipTTL = 5 * time.Minute

var (
	// ErrCampaignActive is returned for commands that require the
	// campaign to be at rest while a dispatcher currently owns it.
	ErrCampaignActive = errors.New("campaign has an active dispatcher")

	// ErrNotActive is returned for lifecycle commands that need a live
	// dispatcher (pause, resume, cancel) when none is running here.
	ErrNotActive = errors.New("campaign has no active dispatcher")

	// ErrOwnedElsewhere means another scheduler process holds the
	// campaign's ownership lock.
	ErrOwnedElsewhere = errors.New("campaign is owned by another scheduler")
)

// Locker is the campaign ownership lock. A nil LockFactory disables
// cross-process ownership (single-node deployments).
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// LockFactory builds an ownership lock for one campaign.
type LockFactory func(campaignID string) Locker

// ResumableLister enumerates campaigns persisted in a re-attachable
// status (running, paused, idle_waiting). *postgres.CampaignStore
// satisfies it.
type ResumableLister interface {
	ListResumable(ctx context.Context) ([]string, error)
}

// ManagerDeps are the shared collaborators every dispatcher gets. The
// manager builds a dedicated throttle controller per campaign so the
// rotation queues never interleave; the redis counters are shared.
type ManagerDeps struct {
	Counters *throttle.Counters
	Planner  *schedule.Planner
	Segments SegmentResolver
	Accounts AccountRegistry
	Sender   MessageSender
	Store    StateStore
	Events   EventEmitter
	Locks    LockFactory

	// SendTimeout overrides the per-send collaborator timeout. Zero
	// keeps the default.
	SendTimeout time.Duration
}

// Manager owns the set of live dispatchers in this process and is the
// entry point for every campaign command the control API exposes.
type Manager struct {
	deps ManagerDeps

	mu     sync.Mutex
	active map[string]*managedCampaign
}

type managedCampaign struct {
	dispatcher *Dispatcher
	lock       Locker
}

// NewManager creates a campaign manager.
func NewManager(deps ManagerDeps) *Manager {
	return &Manager{
		deps:   deps,
		active: make(map[string]*managedCampaign),
	}
}

// CreateCampaign validates and persists a new draft campaign.
func (m *Manager) CreateCampaign(ctx context.Context, c domain.Campaign) (domain.Campaign, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Status = domain.CampaignDraft
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	c.Progress = domain.Progress{}

	if err := c.Validate(); err != nil {
		return domain.Campaign{}, err
	}
	if err := m.deps.Store.PersistCampaignState(ctx, &c); err != nil {
		return domain.Campaign{}, fmt.Errorf("persist campaign: %w", err)
	}
	log.Printf("[Manager] Created campaign %s (%s, %s)", c.ID, c.Channel, c.Mode)
	return c, nil
}

// Get returns the campaign aggregate, live when a dispatcher owns it,
// otherwise from the store.
func (m *Manager) Get(ctx context.Context, id string) (domain.Campaign, error) {
	m.mu.Lock()
	mc := m.active[id]
	m.mu.Unlock()
	if mc != nil {
		return mc.dispatcher.Campaign(), nil
	}
	c, err := m.deps.Store.LoadCampaignState(ctx, id)
	if err != nil {
		return domain.Campaign{}, err
	}
	return *c, nil
}

// Progress returns the live counters for an active campaign, or the
// persisted ones otherwise.
func (m *Manager) Progress(ctx context.Context, id string) (domain.Progress, error) {
	m.mu.Lock()
	mc := m.active[id]
	m.mu.Unlock()
	if mc != nil {
		return mc.dispatcher.Progress(), nil
	}
	c, err := m.deps.Store.LoadCampaignState(ctx, id)
	if err != nil {
		return domain.Progress{}, err
	}
	return c.Progress, nil
}

// =============================================================================
// SETTINGS COMMANDS
// =============================================================================
// Commands load the stored aggregate, apply the domain command, and
// persist the result. While a dispatcher owns the campaign the stored
// copy is stale, so edits are rejected until it stops; otherwise a
// running batch could act on settings it never re-read.

func (m *Manager) ApplyRateLimitSettings(ctx context.Context, id string, s domain.RateLimitSettings) (domain.Campaign, error) {
	return m.edit(ctx, id, func(c domain.Campaign) (domain.Campaign, error) {
		return c.ApplyRateLimitSettings(s)
	})
}

func (m *Manager) ApplyAntiBanSettings(ctx context.Context, id string, s domain.AntiBanSettings) (domain.Campaign, error) {
	return m.edit(ctx, id, func(c domain.Campaign) (domain.Campaign, error) {
		return c.ApplyAntiBanSettings(s)
	})
}

func (m *Manager) ApplyRecurringSettings(ctx context.Context, id string, s schedule.Settings) (domain.Campaign, error) {
	return m.edit(ctx, id, func(c domain.Campaign) (domain.Campaign, error) {
		return c.ApplyRecurringSettings(m.deps.Planner, s)
	})
}

func (m *Manager) AddSendTime(ctx context.Context, id, t string) (domain.Campaign, error) {
	return m.edit(ctx, id, func(c domain.Campaign) (domain.Campaign, error) {
		return c.AddSendTime(m.deps.Planner, t)
	})
}

func (m *Manager) UpdateSendTime(ctx context.Context, id, oldTime, newTime string) (domain.Campaign, error) {
	return m.edit(ctx, id, func(c domain.Campaign) (domain.Campaign, error) {
		return c.UpdateSendTime(m.deps.Planner, oldTime, newTime)
	})
}

func (m *Manager) RemoveSendTime(ctx context.Context, id, t string) (domain.Campaign, error) {
	return m.edit(ctx, id, func(c domain.Campaign) (domain.Campaign, error) {
		return c.RemoveSendTime(m.deps.Planner, t)
	})
}

func (m *Manager) edit(ctx context.Context, id string, apply func(domain.Campaign) (domain.Campaign, error)) (domain.Campaign, error) {
	m.mu.Lock()
	_, isActive := m.active[id]
	m.mu.Unlock()
	if isActive {
		return domain.Campaign{}, ErrCampaignActive
	}

	stored, err := m.deps.Store.LoadCampaignState(ctx, id)
	if err != nil {
		return domain.Campaign{}, err
	}
	updated, err := apply(*stored)
	if err != nil {
		return domain.Campaign{}, err
	}
	updated.UpdatedAt = time.Now().UTC()
	if err := m.deps.Store.PersistCampaignState(ctx, &updated); err != nil {
		return domain.Campaign{}, fmt.Errorf("persist campaign: %w", err)
	}
	return updated, nil
}

// =============================================================================
// LIFECYCLE COMMANDS
// =============================================================================

// Start loads the campaign, claims its ownership lock, and launches a
// dispatcher. The dispatcher is tracked until its run loop exits, at
// which point the lock is released. Campaigns persisted mid-flight by a
// previous process (running, paused, idle_waiting) re-attach through the
// same path and resume from their stored status.
func (m *Manager) Start(ctx context.Context, id string) (domain.Campaign, error) {
	m.mu.Lock()
	if _, isActive := m.active[id]; isActive {
		m.mu.Unlock()
		return domain.Campaign{}, ErrAlreadyRunning
	}
	m.mu.Unlock()

	stored, err := m.deps.Store.LoadCampaignState(ctx, id)
	if err != nil {
		return domain.Campaign{}, err
	}

	var lock Locker
	if m.deps.Locks != nil {
		lock = m.deps.Locks(id)
		ok, err := lock.Acquire(ctx)
		if err != nil {
			return domain.Campaign{}, fmt.Errorf("acquire campaign lock: %w", err)
		}
		if !ok {
			return domain.Campaign{}, ErrOwnedElsewhere
		}
	}

	d := NewDispatcher(stored, Deps{
		Throttle: throttle.NewController(m.deps.Counters),
		Planner:  m.deps.Planner,
		Segments: m.deps.Segments,
		Accounts: m.deps.Accounts,
		Sender:   m.deps.Sender,
		Store:    m.deps.Store,
		Events:   m.deps.Events,
	})
	if m.deps.SendTimeout > 0 {
		d.sendTimeout = m.deps.SendTimeout
	}
	if err := d.Start(ctx); err != nil {
		if lock != nil {
			_ = lock.Release(context.Background())
		}
		return domain.Campaign{}, err
	}

	m.mu.Lock()
	m.active[id] = &managedCampaign{dispatcher: d, lock: lock}
	m.mu.Unlock()

	go m.reap(id, d, lock)
	return d.Campaign(), nil
}

// Recover re-attaches campaigns a previous process left in flight:
// everything the lister reports is fed back through Start, which resumes
// from the stored status and recomputes any wall-clock wait. Campaigns
// owned by another scheduler are skipped. Returns how many re-attached.
func (m *Manager) Recover(ctx context.Context, lister ResumableLister) (int, error) {
	ids, err := lister.ListResumable(ctx)
	if err != nil {
		return 0, fmt.Errorf("list resumable campaigns: %w", err)
	}

	recovered := 0
	for _, id := range ids {
		if _, err := m.Start(ctx, id); err != nil {
			if !errors.Is(err, ErrAlreadyRunning) && !errors.Is(err, ErrOwnedElsewhere) {
				log.Printf("[Manager] Recovery of campaign %s failed: %v", id, err)
			}
			continue
		}
		log.Printf("[Manager] Re-attached campaign %s", id)
		recovered++
	}
	return recovered, nil
}

// reap waits for the dispatcher to finish and releases ownership.
func (m *Manager) reap(id string, d *Dispatcher, lock Locker) {
	d.Wait()

	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()

	if lock != nil {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			log.Printf("[Manager] Failed to release lock for campaign %s: %v", id, err)
		}
	}
	log.Printf("[Manager] Campaign %s dispatcher finished (%s)", id, d.Campaign().Status)
}

// Pause suspends the active dispatcher for a campaign.
func (m *Manager) Pause(id string) error {
	mc := m.lookup(id)
	if mc == nil {
		return ErrNotActive
	}
	return mc.dispatcher.Pause()
}

// Resume continues a paused campaign.
func (m *Manager) Resume(ctx context.Context, id string) error {
	mc := m.lookup(id)
	if mc == nil {
		return ErrNotActive
	}
	return mc.dispatcher.Resume(ctx)
}

// Cancel terminates a campaign. Active dispatchers are cancelled
// directly; campaigns at rest are terminalized in the store.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	if mc := m.lookup(id); mc != nil {
		return mc.dispatcher.Cancel()
	}

	stored, err := m.deps.Store.LoadCampaignState(ctx, id)
	if err != nil {
		return err
	}
	if stored.Status.IsTerminal() {
		return ErrInvalidTransition
	}
	now := time.Now().UTC()
	stored.Status = domain.CampaignCancelled
	stored.CompletedAt = &now
	stored.UpdatedAt = now
	return m.deps.Store.PersistCampaignState(ctx, stored)
}

// ActiveCount reports how many dispatchers this process is running.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Shutdown parks every active dispatcher and waits for them to stop.
// Campaigns keep their in-flight status in the store so the next process
// can recover them; nothing is terminalized.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	dispatchers := make([]*Dispatcher, 0, len(m.active))
	for _, mc := range m.active {
		dispatchers = append(dispatchers, mc.dispatcher)
	}
	m.mu.Unlock()

	for _, d := range dispatchers {
		d.Park()
	}

	done := make(chan struct{})
	go func() {
		for _, d := range dispatchers {
			d.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) lookup(id string) *managedCampaign {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[id]
}
