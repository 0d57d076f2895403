package ratelimit

import (
	"fmt"
	"math"

	"github.com/ignite/campaign-dispatcher/internal/domain"
)

// Priority weights how close to the channel ceiling a campaign may run.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ChannelLimits are the hard caps a channel type imposes regardless of how
// many accounts a campaign brings.
type ChannelLimits struct {
	MaxPerMinute int `json:"max_per_minute"`
	MaxPerDay    int `json:"max_per_day"`
}

// Hard caps per channel. Official business APIs tolerate high sustained
// throughput; unofficial web-automation clients get banned well before it.
var channelCaps = map[domain.ChannelType]ChannelLimits{
	domain.ChannelOfficial:   {MaxPerMinute: 1000, MaxPerDay: 100000},
	domain.ChannelUnofficial: {MaxPerMinute: 20, MaxPerDay: 1000},
}

// priorityFactor scales the per-account base rate under the channel cap.
var priorityFactor = map[Priority]float64{
	PriorityLow:    0.5,
	PriorityMedium: 0.75,
	PriorityHigh:   1.0,
}

// Calculation is the calculator's recommendation. Values are suggestions
// seeded into a campaign's rate-limit settings unless the user has set
// their own; the channel caps are the only hard part.
type Calculation struct {
	RecommendedMessagesPerMinute int           `json:"recommended_messages_per_minute"`
	RecommendedDelayMs           int           `json:"recommended_delay_ms"`
	EstimatedCompletionMinutes   int           `json:"estimated_completion_minutes"`
	SafetyFactor                 float64       `json:"safety_factor"`
	ChannelLimits                ChannelLimits `json:"channel_limits"`
	Warnings                     []string      `json:"warnings"`
}

// Limits returns the hard caps for a channel type.
func Limits(channel domain.ChannelType) ChannelLimits {
	if caps, ok := channelCaps[channel]; ok {
		return caps
	}
	return channelCaps[domain.ChannelUnofficial]
}

// Calculate computes a pacing recommendation. Unknown channel types fall
// back to the unofficial caps (the safe direction); accountCount below 1
// is treated as 1.
func Calculate(channel domain.ChannelType, recipientCount, accountCount int, priority Priority) Calculation {
	if accountCount < 1 {
		accountCount = 1
	}
	if recipientCount < 0 {
		recipientCount = 0
	}
	caps := Limits(channel)

	factor, ok := priorityFactor[priority]
	if !ok {
		factor = priorityFactor[PriorityMedium]
	}

	// Per-account base rate, scaled across accounts but never past the
	// channel-wide ceiling. Unofficial caps are per channel, not per
	// account; extra accounts spread risk, they do not multiply volume.
	perAccount := float64(caps.MaxPerMinute) * factor
	effective := perAccount * float64(accountCount)
	if effective > float64(caps.MaxPerMinute) {
		effective = float64(caps.MaxPerMinute)
	}

	safety := safetyFactor(channel, recipientCount, accountCount)

	recommended := int(math.Floor(effective * safety))
	if recommended < 1 {
		recommended = 1
	}

	delayMs := int(math.Round(60000 / float64(recommended)))

	completion := 0
	if recipientCount > 0 {
		completion = int(math.Ceil(float64(recipientCount) / float64(recommended)))
	}

	return Calculation{
		RecommendedMessagesPerMinute: recommended,
		RecommendedDelayMs:           delayMs,
		EstimatedCompletionMinutes:   completion,
		SafetyFactor:                 safety,
		ChannelLimits:                caps,
		Warnings:                     warnings(channel, caps, recipientCount, accountCount),
	}
}

// safetyFactor discounts the theoretical rate. Heavier load per account
// means a deeper discount; unofficial channels discount harder across the
// board.
func safetyFactor(channel domain.ChannelType, recipientCount, accountCount int) float64 {
	ratio := float64(recipientCount) / float64(accountCount)
	if channel == domain.ChannelOfficial {
		switch {
		case ratio <= 1000:
			return 0.95
		case ratio <= 10000:
			return 0.90
		default:
			return 0.85
		}
	}
	switch {
	case ratio <= 100:
		return 0.80
	case ratio <= 500:
		return 0.70
	default:
		return 0.60
	}
}

func warnings(channel domain.ChannelType, caps ChannelLimits, recipientCount, accountCount int) []string {
	var out []string
	if recipientCount > caps.MaxPerDay {
		out = append(out, fmt.Sprintf("recipient count %d exceeds the channel daily cap of %d; completion will take more than one day", recipientCount, caps.MaxPerDay))
	}
	if channel == domain.ChannelUnofficial && recipientCount > 500 {
		out = append(out, fmt.Sprintf("high-volume risk: %d recipients on an unofficial channel carries a significant ban risk", recipientCount))
	}
	if accountCount == 1 && recipientCount > 1000 {
		out = append(out, "single account for a large campaign; account rotation is strongly recommended")
	}
	return out
}

// SettingsFrom converts a recommendation into rate-limit settings, used to
// seed campaigns whose user never set explicit values.
func SettingsFrom(calc Calculation) domain.RateLimitSettings {
	delaySec := calc.RecommendedDelayMs / 1000
	if delaySec < 1 {
		delaySec = 1
	}
	perHour := calc.RecommendedMessagesPerMinute * 60
	perDay := perHour * 24
	if perDay > calc.ChannelLimits.MaxPerDay {
		perDay = calc.ChannelLimits.MaxPerDay
	}
	return domain.RateLimitSettings{
		MessagesPerMinute:           calc.RecommendedMessagesPerMinute,
		MessagesPerHour:             perHour,
		MessagesPerDay:              perDay,
		DelayBetweenMessagesSeconds: delaySec,
	}
}
