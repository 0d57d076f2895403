package domain

import "errors"

// Sentinel errors for aggregate validation. These are configuration-time
// errors: a campaign carrying any of these never starts.
var (
	ErrInvalidChannelType   = errors.New("channel type must be official or unofficial")
	ErrInvalidRateLimit     = errors.New("rate limit values must be positive")
	ErrInvalidAntiBanMode   = errors.New("anti-ban mode must be conservative, moderate or aggressive")
	ErrInvalidDelayRange    = errors.New("min delay must be positive and not exceed max delay")
	ErrInvalidCooldown      = errors.New("cooldown period cannot be negative")
	ErrNoAccounts           = errors.New("campaign has no accounts configured")
	ErrMissingSegment       = errors.New("campaign has no segment configured")
	ErrMissingScheduleTime  = errors.New("one-shot campaign requires a scheduled time")
	ErrMissingRecurring     = errors.New("recurring campaign requires recurring settings")
	ErrInvalidScheduleMode  = errors.New("schedule mode must be immediate, one_shot or recurring_daily")
	ErrCampaignNotEditable  = errors.New("campaign settings can only change while draft, scheduled or paused")
)
