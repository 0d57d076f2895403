package domain

import "fmt"

// ChannelType distinguishes provider-approved business API channels from
// web-automation style clients. Unofficial channels carry hard caps and a
// high ban risk; pacing math treats them very differently.
type ChannelType string

const (
	ChannelOfficial   ChannelType = "official"
	ChannelUnofficial ChannelType = "unofficial"
)

// Valid reports whether the channel type is known.
func (c ChannelType) Valid() bool {
	return c == ChannelOfficial || c == ChannelUnofficial
}

// RateLimitSettings are the user-editable pacing targets. They are
// recommendations, not hard contracts: the calculator suggests values and
// channel caps clamp them, but a user-set value is otherwise authoritative.
type RateLimitSettings struct {
	MessagesPerMinute           int  `json:"messages_per_minute" yaml:"messages_per_minute"`
	MessagesPerHour             int  `json:"messages_per_hour" yaml:"messages_per_hour"`
	MessagesPerDay              int  `json:"messages_per_day" yaml:"messages_per_day"`
	DelayBetweenMessagesSeconds int  `json:"delay_between_messages_seconds" yaml:"delay_between_messages_seconds"`
	HumanizationEnabled         bool `json:"humanization_enabled" yaml:"humanization_enabled"`
}

// Validate checks that all numeric targets are positive.
func (s RateLimitSettings) Validate() error {
	if s.MessagesPerMinute <= 0 || s.MessagesPerHour <= 0 || s.MessagesPerDay <= 0 || s.DelayBetweenMessagesSeconds <= 0 {
		return ErrInvalidRateLimit
	}
	return nil
}

// AntiBanMode is a qualitative pacing preset feeding delay and
// business-hours defaults.
type AntiBanMode string

const (
	ModeConservative AntiBanMode = "conservative"
	ModeModerate     AntiBanMode = "moderate"
	ModeAggressive   AntiBanMode = "aggressive"
)

// Valid reports whether the mode is known.
func (m AntiBanMode) Valid() bool {
	return m == ModeConservative || m == ModeModerate || m == ModeAggressive
}

// DefaultRotationThreshold is the consecutive-send count after which an
// account is rested when a cooldown period is configured.
const DefaultRotationThreshold = 50

// AntiBanSettings control the humanization layer: when sends may happen,
// how delays are randomized, and how accounts rotate in and out of rest.
type AntiBanSettings struct {
	Enabled               bool        `json:"enabled" yaml:"enabled"`
	Mode                  AntiBanMode `json:"mode" yaml:"mode"`
	BusinessHoursOnly     bool        `json:"business_hours_only" yaml:"business_hours_only"`
	RespectWeekends       bool        `json:"respect_weekends" yaml:"respect_weekends"`
	RandomizeDelay        bool        `json:"randomize_delay" yaml:"randomize_delay"`
	MinDelaySeconds       int         `json:"min_delay_seconds" yaml:"min_delay_seconds"`
	MaxDelaySeconds       int         `json:"max_delay_seconds" yaml:"max_delay_seconds"`
	AccountRotation       bool        `json:"account_rotation" yaml:"account_rotation"`
	CooldownPeriodMinutes int         `json:"cooldown_period_minutes" yaml:"cooldown_period_minutes"`

	// RotationThreshold overrides DefaultRotationThreshold when > 0.
	RotationThreshold int `json:"rotation_threshold,omitempty" yaml:"rotation_threshold,omitempty"`
}

// Validate checks delay ranges and the cooldown period.
func (s AntiBanSettings) Validate() error {
	if !s.Mode.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidAntiBanMode, s.Mode)
	}
	if s.MinDelaySeconds <= 0 || s.MaxDelaySeconds <= 0 || s.MinDelaySeconds > s.MaxDelaySeconds {
		return ErrInvalidDelayRange
	}
	if s.CooldownPeriodMinutes < 0 {
		return ErrInvalidCooldown
	}
	return nil
}

// EffectiveRotationThreshold returns the configured threshold or the default.
func (s AntiBanSettings) EffectiveRotationThreshold() int {
	if s.RotationThreshold > 0 {
		return s.RotationThreshold
	}
	return DefaultRotationThreshold
}

// AntiBanPreset returns the default settings bundle for a mode. Presets are
// starting points; users edit individual fields afterwards.
func AntiBanPreset(mode AntiBanMode) AntiBanSettings {
	switch mode {
	case ModeConservative:
		return AntiBanSettings{
			Enabled:               true,
			Mode:                  ModeConservative,
			BusinessHoursOnly:     true,
			RespectWeekends:       true,
			RandomizeDelay:        true,
			MinDelaySeconds:       45,
			MaxDelaySeconds:       120,
			AccountRotation:       true,
			CooldownPeriodMinutes: 60,
		}
	case ModeAggressive:
		return AntiBanSettings{
			Enabled:               true,
			Mode:                  ModeAggressive,
			BusinessHoursOnly:     false,
			RespectWeekends:       false,
			RandomizeDelay:        true,
			MinDelaySeconds:       3,
			MaxDelaySeconds:       10,
			AccountRotation:       true,
			CooldownPeriodMinutes: 10,
		}
	default:
		return AntiBanSettings{
			Enabled:               true,
			Mode:                  ModeModerate,
			BusinessHoursOnly:     false,
			RespectWeekends:       true,
			RandomizeDelay:        true,
			MinDelaySeconds:       15,
			MaxDelaySeconds:       45,
			AccountRotation:       true,
			CooldownPeriodMinutes: 30,
		}
	}
}
