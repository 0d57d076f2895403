package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-dispatcher/internal/domain"
)

func TestCalculateOfficialHighPriority(t *testing.T) {
	// Two accounts on an official channel at high priority: effective rate
	// clamps at the channel-wide cap before the safety discount.
	calc := Calculate(domain.ChannelOfficial, 5000, 2, PriorityHigh)

	assert.LessOrEqual(t, calc.RecommendedMessagesPerMinute, calc.ChannelLimits.MaxPerMinute)
	assert.Equal(t, 900, calc.RecommendedMessagesPerMinute)
	assert.Empty(t, calc.Warnings)
	assert.Equal(t, 1000, calc.ChannelLimits.MaxPerMinute)
	assert.Equal(t, 6, calc.EstimatedCompletionMinutes)
}

func TestCalculateUnofficialSingleAccount(t *testing.T) {
	calc := Calculate(domain.ChannelUnofficial, 2000, 1, PriorityMedium)

	// base 20*0.75=15, ratio 2000 so safety 0.60 => floor(9.0)
	assert.Equal(t, 9, calc.RecommendedMessagesPerMinute)
	assert.InDelta(t, 0.60, calc.SafetyFactor, 1e-9)

	require.NotEmpty(t, calc.Warnings)
	joined := ""
	for _, w := range calc.Warnings {
		joined += w + "\n"
	}
	assert.Contains(t, joined, "ban risk")
	assert.Contains(t, joined, "daily cap")
	assert.Contains(t, joined, "rotation")
}

func TestCalculateBounds(t *testing.T) {
	tests := []struct {
		name       string
		channel    domain.ChannelType
		recipients int
		accounts   int
		priority   Priority
	}{
		{"official low", domain.ChannelOfficial, 100, 1, PriorityLow},
		{"official medium many accounts", domain.ChannelOfficial, 50000, 10, PriorityMedium},
		{"unofficial high", domain.ChannelUnofficial, 400, 3, PriorityHigh},
		{"unofficial tiny", domain.ChannelUnofficial, 1, 1, PriorityLow},
		{"zero recipients", domain.ChannelOfficial, 0, 2, PriorityHigh},
		{"unknown priority defaults", domain.ChannelOfficial, 100, 1, Priority("urgent")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calc := Calculate(tt.channel, tt.recipients, tt.accounts, tt.priority)
			caps := Limits(tt.channel)

			assert.GreaterOrEqual(t, calc.RecommendedMessagesPerMinute, 1)
			assert.LessOrEqual(t, calc.RecommendedMessagesPerMinute, caps.MaxPerMinute)
			assert.Greater(t, calc.SafetyFactor, 0.0)
			assert.LessOrEqual(t, calc.SafetyFactor, 1.0)
			assert.Greater(t, calc.RecommendedDelayMs, 0)
			if tt.recipients == 0 {
				assert.Zero(t, calc.EstimatedCompletionMinutes)
			} else {
				assert.Greater(t, calc.EstimatedCompletionMinutes, 0)
			}
		})
	}
}

func TestCalculateDeterministic(t *testing.T) {
	a := Calculate(domain.ChannelUnofficial, 750, 2, PriorityMedium)
	b := Calculate(domain.ChannelUnofficial, 750, 2, PriorityMedium)
	assert.Equal(t, a, b)
}

func TestCalculateUnofficialAccountsDoNotMultiply(t *testing.T) {
	one := Calculate(domain.ChannelUnofficial, 100, 1, PriorityHigh)
	five := Calculate(domain.ChannelUnofficial, 500, 5, PriorityHigh)
	// Same per-account ratio, same safety factor; extra accounts cannot
	// push the rate past the channel-wide cap.
	assert.Equal(t, one.RecommendedMessagesPerMinute, five.RecommendedMessagesPerMinute)
}

func TestCalculateZeroAccountsTreatedAsOne(t *testing.T) {
	calc := Calculate(domain.ChannelOfficial, 100, 0, PriorityHigh)
	assert.GreaterOrEqual(t, calc.RecommendedMessagesPerMinute, 1)
}

func TestSettingsFrom(t *testing.T) {
	calc := Calculate(domain.ChannelUnofficial, 2000, 1, PriorityMedium)
	s := SettingsFrom(calc)

	require.NoError(t, s.Validate())
	assert.Equal(t, calc.RecommendedMessagesPerMinute, s.MessagesPerMinute)
	assert.Equal(t, calc.RecommendedMessagesPerMinute*60, s.MessagesPerHour)
	assert.LessOrEqual(t, s.MessagesPerDay, calc.ChannelLimits.MaxPerDay)
	assert.GreaterOrEqual(t, s.DelayBetweenMessagesSeconds, 1)
}

func TestLimitsUnknownChannelFallsBack(t *testing.T) {
	assert.Equal(t, Limits(domain.ChannelUnofficial), Limits(domain.ChannelType("smoke_signal")))
}
