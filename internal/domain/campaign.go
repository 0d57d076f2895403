package domain

import (
	"time"

	"github.com/ignite/campaign-dispatcher/internal/schedule"
)

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft       CampaignStatus = "draft"
	CampaignScheduled   CampaignStatus = "scheduled"
	CampaignRunning     CampaignStatus = "running"
	CampaignIdleWaiting CampaignStatus = "idle_waiting"
	CampaignPaused      CampaignStatus = "paused"
	CampaignCompleted   CampaignStatus = "completed"
	CampaignCancelled   CampaignStatus = "cancelled"
	CampaignFailed      CampaignStatus = "failed"
)

// IsTerminal returns true for final states.
func (s CampaignStatus) IsTerminal() bool {
	return s == CampaignCompleted || s == CampaignCancelled || s == CampaignFailed
}

// ScheduleMode says when a campaign dispatches: right away, once at an
// absolute future instant, or repeatedly per its recurring settings.
type ScheduleMode string

const (
	ModeImmediate      ScheduleMode = "immediate"
	ModeOneShot        ScheduleMode = "one_shot"
	ModeRecurringDaily ScheduleMode = "recurring_daily"
)

// Valid reports whether the schedule mode is known.
func (m ScheduleMode) Valid() bool {
	return m == ModeImmediate || m == ModeOneShot || m == ModeRecurringDaily
}

// Campaign is the dispatch aggregate. While a campaign is running it is
// owned exclusively by its dispatcher; the persisted form is the source of
// truth otherwise.
type Campaign struct {
	ID      string         `json:"id" db:"id"`
	Name    string         `json:"name" db:"name"`
	Channel ChannelType    `json:"channel_type" db:"channel_type"`
	Status  CampaignStatus `json:"status" db:"status"`
	Mode    ScheduleMode   `json:"schedule_mode" db:"schedule_mode"`

	// SegmentID identifies the recipient segment resolved by the external
	// segment collaborator at start time.
	SegmentID string `json:"segment_id" db:"segment_id"`

	// MessageTemplate is the outbound content, optionally with Liquid
	// placeholders substituted per recipient at hand-off time.
	MessageTemplate string `json:"message_template" db:"message_template"`

	// Timezone is the campaign-local zone used for business-hours and
	// weekend checks. Empty means UTC.
	Timezone string `json:"timezone" db:"timezone"`

	Accounts  []AccountRef      `json:"accounts" db:"-"`
	RateLimit RateLimitSettings `json:"rate_limit_settings" db:"-"`
	AntiBan   AntiBanSettings   `json:"anti_ban_settings" db:"-"`
	Recurring *schedule.Settings `json:"recurring_daily_settings,omitempty" db:"-"`

	// RateLimitCustom is set once a user applies explicit rate-limit
	// settings. While false the dispatcher seeds RateLimit from the
	// calculator's recommendation at start ("suggest, don't force").
	RateLimitCustom bool `json:"rate_limit_custom" db:"rate_limit_custom"`

	// ScheduledAt is the absolute dispatch instant for one-shot campaigns.
	ScheduledAt *time.Time `json:"scheduled_at,omitempty" db:"scheduled_at"`

	// NextOccurrenceAt mirrors the planner's last answer while a recurring
	// campaign idle-waits, so restarts and monitoring can see it.
	NextOccurrenceAt *time.Time `json:"next_occurrence_at,omitempty" db:"next_occurrence_at"`

	Progress Progress `json:"progress" db:"-"`

	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool { return c.Status.IsTerminal() }

// Editable reports whether settings commands may be applied in the current
// state. Running campaigns must pause before reconfiguration.
func (c *Campaign) Editable() bool {
	switch c.Status {
	case CampaignDraft, CampaignScheduled, CampaignPaused, CampaignIdleWaiting:
		return true
	default:
		return false
	}
}

// ActiveAccounts returns the accounts currently able to send at now.
func (c *Campaign) ActiveAccounts(now time.Time) []AccountRef {
	var out []AccountRef
	for _, a := range c.Accounts {
		if a.Available(now) {
			out = append(out, a)
		}
	}
	return out
}

// ConnectedAccounts returns accounts that are not disconnected; resting
// accounts count since they recover on their own.
func (c *Campaign) ConnectedAccounts() []AccountRef {
	var out []AccountRef
	for _, a := range c.Accounts {
		if a.Status != AccountDisconnected {
			out = append(out, a)
		}
	}
	return out
}

// Validate checks the aggregate for start readiness independent of
// collaborator state (account liveness and segment size are checked by the
// dispatcher against live snapshots).
func (c *Campaign) Validate() error {
	if !c.Channel.Valid() {
		return ErrInvalidChannelType
	}
	if !c.Mode.Valid() {
		return ErrInvalidScheduleMode
	}
	if c.SegmentID == "" {
		return ErrMissingSegment
	}
	if len(c.Accounts) == 0 {
		return ErrNoAccounts
	}
	if c.Mode == ModeOneShot && c.ScheduledAt == nil {
		return ErrMissingScheduleTime
	}
	if c.Mode == ModeRecurringDaily && c.Recurring == nil {
		return ErrMissingRecurring
	}
	if err := c.RateLimit.Validate(); err != nil {
		return err
	}
	if c.AntiBan.Enabled {
		if err := c.AntiBan.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// COMMAND HANDLERS — validate, then replace
// =============================================================================
// Each command takes a value receiver and returns the updated aggregate.
// On error the receiver is returned unchanged; callers persist whichever
// value comes back.

// ApplyRateLimitSettings replaces the pacing targets and marks them
// user-set, so the calculator's suggestion no longer overwrites them.
func (c Campaign) ApplyRateLimitSettings(s RateLimitSettings) (Campaign, error) {
	if !c.Editable() {
		return c, ErrCampaignNotEditable
	}
	if err := s.Validate(); err != nil {
		return c, err
	}
	c.RateLimit = s
	c.RateLimitCustom = true
	c.UpdatedAt = time.Now().UTC()
	return c, nil
}

// ApplyAntiBanSettings replaces the anti-ban configuration.
func (c Campaign) ApplyAntiBanSettings(s AntiBanSettings) (Campaign, error) {
	if !c.Editable() {
		return c, ErrCampaignNotEditable
	}
	if s.Enabled {
		if err := s.Validate(); err != nil {
			return c, err
		}
	}
	c.AntiBan = s
	c.UpdatedAt = time.Now().UTC()
	return c, nil
}

// ApplyRecurringSettings replaces the recurring send-window configuration,
// validated through the given planner. Passing a validated-in-full value is
// what keeps scenario edits ("one invalid time rejects the whole set")
// atomic at the aggregate level.
func (c Campaign) ApplyRecurringSettings(p *schedule.Planner, s schedule.Settings) (Campaign, error) {
	if !c.Editable() {
		return c, ErrCampaignNotEditable
	}
	if err := p.Validate(s); err != nil {
		return c, err
	}
	clone := s.Clone()
	c.Recurring = &clone
	c.Mode = ModeRecurringDaily
	c.UpdatedAt = time.Now().UTC()
	return c, nil
}

// AddSendTime appends a send time to the recurring settings through the
// planner's atomic edit.
func (c Campaign) AddSendTime(p *schedule.Planner, t string) (Campaign, error) {
	if !c.Editable() {
		return c, ErrCampaignNotEditable
	}
	if c.Recurring == nil {
		return c, ErrMissingRecurring
	}
	next, err := p.AddSendTime(*c.Recurring, t)
	if err != nil {
		return c, err
	}
	c.Recurring = &next
	c.UpdatedAt = time.Now().UTC()
	return c, nil
}

// UpdateSendTime replaces one send time.
func (c Campaign) UpdateSendTime(p *schedule.Planner, oldTime, newTime string) (Campaign, error) {
	if !c.Editable() {
		return c, ErrCampaignNotEditable
	}
	if c.Recurring == nil {
		return c, ErrMissingRecurring
	}
	next, err := p.UpdateSendTime(*c.Recurring, oldTime, newTime)
	if err != nil {
		return c, err
	}
	c.Recurring = &next
	c.UpdatedAt = time.Now().UTC()
	return c, nil
}

// RemoveSendTime removes one send time.
func (c Campaign) RemoveSendTime(p *schedule.Planner, t string) (Campaign, error) {
	if !c.Editable() {
		return c, ErrCampaignNotEditable
	}
	if c.Recurring == nil {
		return c, ErrMissingRecurring
	}
	next, err := p.RemoveSendTime(*c.Recurring, t)
	if err != nil {
		return c, err
	}
	c.Recurring = &next
	c.UpdatedAt = time.Now().UTC()
	return c, nil
}
