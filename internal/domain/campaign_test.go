package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-dispatcher/internal/schedule"
)

func draftCampaign() Campaign {
	return Campaign{
		ID:        "cmp-1",
		Name:      "spring promo",
		Channel:   ChannelOfficial,
		Status:    CampaignDraft,
		Mode:      ModeImmediate,
		SegmentID: "seg-1",
		Accounts:  []AccountRef{{ID: "acc-1", Status: AccountActive}},
		RateLimit: RateLimitSettings{
			MessagesPerMinute:           10,
			MessagesPerHour:             600,
			MessagesPerDay:              5000,
			DelayBetweenMessagesSeconds: 6,
		},
	}
}

func TestCampaignValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Campaign)
		wantErr error
	}{
		{"valid immediate", func(c *Campaign) {}, nil},
		{"bad channel", func(c *Campaign) { c.Channel = "carrier_pigeon" }, ErrInvalidChannelType},
		{"bad mode", func(c *Campaign) { c.Mode = "hourly" }, ErrInvalidScheduleMode},
		{"no segment", func(c *Campaign) { c.SegmentID = "" }, ErrMissingSegment},
		{"no accounts", func(c *Campaign) { c.Accounts = nil }, ErrNoAccounts},
		{"one-shot without time", func(c *Campaign) { c.Mode = ModeOneShot }, ErrMissingScheduleTime},
		{"recurring without settings", func(c *Campaign) { c.Mode = ModeRecurringDaily }, ErrMissingRecurring},
		{"zero rate limit", func(c *Campaign) { c.RateLimit.MessagesPerMinute = 0 }, ErrInvalidRateLimit},
		{"bad anti-ban when enabled", func(c *Campaign) {
			c.AntiBan = AntiBanSettings{Enabled: true, Mode: ModeModerate, MinDelaySeconds: 30, MaxDelaySeconds: 10}
		}, ErrInvalidDelayRange},
		{"anti-ban ignored when disabled", func(c *Campaign) {
			c.AntiBan = AntiBanSettings{Enabled: false, MinDelaySeconds: 30, MaxDelaySeconds: 10}
		}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := draftCampaign()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestCampaignEditable(t *testing.T) {
	editable := map[CampaignStatus]bool{
		CampaignDraft:       true,
		CampaignScheduled:   true,
		CampaignPaused:      true,
		CampaignIdleWaiting: true,
		CampaignRunning:     false,
		CampaignCompleted:   false,
		CampaignCancelled:   false,
		CampaignFailed:      false,
	}
	for status, want := range editable {
		c := draftCampaign()
		c.Status = status
		assert.Equal(t, want, c.Editable(), "status %s", status)
	}
}

func TestApplyRateLimitSettingsMarksCustom(t *testing.T) {
	c := draftCampaign()
	require.False(t, c.RateLimitCustom)

	updated, err := c.ApplyRateLimitSettings(RateLimitSettings{
		MessagesPerMinute:           5,
		MessagesPerHour:             300,
		MessagesPerDay:              2000,
		DelayBetweenMessagesSeconds: 12,
	})
	require.NoError(t, err)
	assert.True(t, updated.RateLimitCustom)
	assert.Equal(t, 5, updated.RateLimit.MessagesPerMinute)

	// Original value untouched.
	assert.False(t, c.RateLimitCustom)
	assert.Equal(t, 10, c.RateLimit.MessagesPerMinute)
}

func TestApplyRateLimitSettingsRejectsInvalid(t *testing.T) {
	c := draftCampaign()
	updated, err := c.ApplyRateLimitSettings(RateLimitSettings{MessagesPerMinute: -1})
	assert.ErrorIs(t, err, ErrInvalidRateLimit)
	assert.Equal(t, c, updated)
}

func TestApplyRateLimitSettingsWhileRunning(t *testing.T) {
	c := draftCampaign()
	c.Status = CampaignRunning
	_, err := c.ApplyRateLimitSettings(c.RateLimit)
	assert.ErrorIs(t, err, ErrCampaignNotEditable)
}

func TestApplyAntiBanSettings(t *testing.T) {
	c := draftCampaign()

	updated, err := c.ApplyAntiBanSettings(AntiBanPreset(ModeConservative))
	require.NoError(t, err)
	assert.True(t, updated.AntiBan.BusinessHoursOnly)
	assert.Equal(t, 60, updated.AntiBan.CooldownPeriodMinutes)

	_, err = updated.ApplyAntiBanSettings(AntiBanSettings{Enabled: true, Mode: "reckless", MinDelaySeconds: 1, MaxDelaySeconds: 2})
	assert.ErrorIs(t, err, ErrInvalidAntiBanMode)
}

func TestApplyRecurringSettings(t *testing.T) {
	p := schedule.NewPlanner(0)
	c := draftCampaign()

	updated, err := c.ApplyRecurringSettings(p, schedule.Settings{
		SendTimes: []string{"09:00", "14:00"},
		Timezone:  "America/New_York",
	})
	require.NoError(t, err)
	assert.Equal(t, ModeRecurringDaily, updated.Mode)
	require.NotNil(t, updated.Recurring)
	assert.Equal(t, []string{"09:00", "14:00"}, updated.Recurring.SendTimes)
	assert.Nil(t, c.Recurring)

	_, err = c.ApplyRecurringSettings(p, schedule.Settings{Timezone: "UTC"})
	assert.ErrorIs(t, err, schedule.ErrNoSendTimes)
}

func TestSendTimeEditsRoundTrip(t *testing.T) {
	p := schedule.NewPlanner(0)
	c := draftCampaign()
	c, err := c.ApplyRecurringSettings(p, schedule.Settings{
		SendTimes: []string{"09:00"},
		Timezone:  "UTC",
	})
	require.NoError(t, err)

	c, err = c.AddSendTime(p, "14:00")
	require.NoError(t, err)
	assert.Equal(t, []string{"09:00", "14:00"}, c.Recurring.SendTimes)

	c, err = c.UpdateSendTime(p, "14:00", "15:30")
	require.NoError(t, err)
	assert.Equal(t, []string{"09:00", "15:30"}, c.Recurring.SendTimes)

	// A too-close add rejects without touching the committed set.
	before := append([]string(nil), c.Recurring.SendTimes...)
	_, err = c.AddSendTime(p, "09:10")
	assert.ErrorIs(t, err, schedule.ErrSendTimesTooClose)
	assert.Equal(t, before, c.Recurring.SendTimes)

	c, err = c.RemoveSendTime(p, "09:00")
	require.NoError(t, err)
	assert.Equal(t, []string{"15:30"}, c.Recurring.SendTimes)

	_, err = c.RemoveSendTime(p, "15:30")
	assert.ErrorIs(t, err, schedule.ErrNoSendTimes)
}

func TestSendTimeEditsRequireRecurring(t *testing.T) {
	p := schedule.NewPlanner(0)
	c := draftCampaign()
	_, err := c.AddSendTime(p, "09:00")
	assert.ErrorIs(t, err, ErrMissingRecurring)
}

func TestAccountAvailability(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	tests := []struct {
		name string
		acc  AccountRef
		want bool
	}{
		{"active", AccountRef{Status: AccountActive}, true},
		{"disconnected", AccountRef{Status: AccountDisconnected}, false},
		{"resting until future", AccountRef{Status: AccountResting, RestingUntil: &future}, false},
		{"resting expired", AccountRef{Status: AccountResting, RestingUntil: &past}, true},
		{"resting without deadline", AccountRef{Status: AccountResting}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.acc.Available(now))
		})
	}
}

func TestActiveAccountsFiltering(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(time.Hour)
	c := draftCampaign()
	c.Accounts = []AccountRef{
		{ID: "a", Status: AccountActive},
		{ID: "b", Status: AccountResting, RestingUntil: &future},
		{ID: "c", Status: AccountDisconnected},
	}

	active := c.ActiveAccounts(now)
	require.Len(t, active, 1)
	assert.Equal(t, "a", active[0].ID)

	connected := c.ConnectedAccounts()
	assert.Len(t, connected, 2)
}

func TestProgressConsistency(t *testing.T) {
	p := Progress{TotalRecipients: 100, ProcessedRecipients: 40, SuccessfulSends: 35, FailedSends: 5}
	assert.True(t, p.Consistent())
	assert.False(t, p.Done())

	p.ProcessedRecipients = 100
	p.SuccessfulSends = 90
	p.FailedSends = 10
	assert.True(t, p.Consistent())
	assert.True(t, p.Done())

	p.FailedSends = 11
	assert.False(t, p.Consistent())
}

func TestAntiBanPresets(t *testing.T) {
	cons := AntiBanPreset(ModeConservative)
	mod := AntiBanPreset(ModeModerate)
	agg := AntiBanPreset(ModeAggressive)

	assert.True(t, cons.BusinessHoursOnly)
	assert.False(t, mod.BusinessHoursOnly)
	assert.False(t, agg.RespectWeekends)
	assert.Greater(t, cons.MinDelaySeconds, mod.MinDelaySeconds)
	assert.Greater(t, mod.MinDelaySeconds, agg.MinDelaySeconds)
	for _, s := range []AntiBanSettings{cons, mod, agg} {
		assert.NoError(t, s.Validate())
		assert.Equal(t, DefaultRotationThreshold, s.EffectiveRotationThreshold())
	}

	custom := cons
	custom.RotationThreshold = 25
	assert.Equal(t, 25, custom.EffectiveRotationThreshold())
}
