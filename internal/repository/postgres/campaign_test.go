package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-dispatcher/internal/domain"
	"github.com/ignite/campaign-dispatcher/internal/schedule"
)

func TestPersistCampaignState(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewCampaignStore(db)
	c := &domain.Campaign{
		ID:              "cmp-1",
		Name:            "spring promo",
		Channel:         domain.ChannelOfficial,
		Status:          domain.CampaignRunning,
		Mode:            domain.ModeImmediate,
		SegmentID:       "seg-1",
		MessageTemplate: "hello {{ first_name }}",
		Accounts:        []domain.AccountRef{{ID: "acc-1", Status: domain.AccountActive}},
		RateLimit: domain.RateLimitSettings{
			MessagesPerMinute: 10, MessagesPerHour: 600, MessagesPerDay: 5000, DelayBetweenMessagesSeconds: 6,
		},
		Progress: domain.Progress{TotalRecipients: 100, ProcessedRecipients: 40, SuccessfulSends: 38, FailedSends: 2},
	}

	mock.ExpectExec("INSERT INTO dispatch_campaigns").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.PersistCampaignState(context.Background(), c))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPersistCampaignStateAssignsID(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewCampaignStore(db)
	c := &domain.Campaign{
		Name:    "draft",
		Channel: domain.ChannelUnofficial,
		Status:  domain.CampaignDraft,
		Mode:    domain.ModeImmediate,
	}

	mock.ExpectExec("INSERT INTO dispatch_campaigns").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.PersistCampaignState(context.Background(), c))
	assert.NotEmpty(t, c.ID)
}

func TestLoadCampaignState(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewCampaignStore(db)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "name", "channel_type", "status", "schedule_mode", "segment_id",
		"message_template", "timezone", "rate_limit_custom",
		"accounts", "rate_limit_settings", "anti_ban_settings", "recurring_settings",
		"scheduled_at", "next_occurrence_at",
		"total_recipients", "processed_recipients", "successful_sends", "failed_sends",
		"started_at", "completed_at", "created_at", "updated_at",
	}).AddRow(
		"cmp-1", "spring promo", "official", "idle_waiting", "recurring_daily", "seg-1",
		"hello", "America/New_York", true,
		[]byte(`[{"id":"acc-1","status":"active","last_send_at":"0001-01-01T00:00:00Z","consecutive_send_count":7}]`),
		[]byte(`{"messages_per_minute":10,"messages_per_hour":600,"messages_per_day":5000,"delay_between_messages_seconds":6,"humanization_enabled":false}`),
		[]byte(`{"enabled":true,"mode":"moderate","business_hours_only":false,"respect_weekends":true,"randomize_delay":true,"min_delay_seconds":15,"max_delay_seconds":45,"account_rotation":true,"cooldown_period_minutes":30}`),
		`{"send_times":["09:00","14:00"],"off_days":[0],"timezone":"America/New_York"}`,
		nil, now,
		int64(100), int64(40), int64(38), int64(2),
		now, nil, now, now,
	)

	mock.ExpectQuery("SELECT (.+) FROM dispatch_campaigns").
		WithArgs("cmp-1").
		WillReturnRows(rows)

	c, err := store.LoadCampaignState(context.Background(), "cmp-1")
	require.NoError(t, err)

	assert.Equal(t, domain.CampaignIdleWaiting, c.Status)
	assert.Equal(t, domain.ModeRecurringDaily, c.Mode)
	assert.True(t, c.RateLimitCustom)
	require.Len(t, c.Accounts, 1)
	assert.Equal(t, 7, c.Accounts[0].ConsecutiveSendCount)
	assert.Equal(t, 10, c.RateLimit.MessagesPerMinute)
	assert.Equal(t, domain.ModeModerate, c.AntiBan.Mode)
	require.NotNil(t, c.Recurring)
	assert.Equal(t, []string{"09:00", "14:00"}, c.Recurring.SendTimes)
	assert.Equal(t, []int{0}, c.Recurring.OffDays)
	require.NotNil(t, c.NextOccurrenceAt)

	// The loaded recurring settings must still validate.
	assert.NoError(t, schedule.NewPlanner(0).Validate(*c.Recurring))
}

func TestLoadCampaignStateNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewCampaignStore(db)
	mock.ExpectQuery("SELECT (.+) FROM dispatch_campaigns").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = store.LoadCampaignState(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCampaignList(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewCampaignStore(db)
	now := time.Now()

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM dispatch_campaigns WHERE status").
		WithArgs(domain.CampaignRunning).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	mock.ExpectQuery("SELECT (.+) FROM dispatch_campaigns WHERE status").
		WithArgs(domain.CampaignRunning, 50, 0).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "name", "channel_type", "status", "schedule_mode", "segment_id",
			"total_recipients", "processed_recipients", "successful_sends", "failed_sends",
			"created_at", "updated_at",
		}).AddRow("cmp-1", "promo", "official", "running", "immediate", "seg-1",
			int64(10), int64(4), int64(4), int64(0), now, now))

	list, total, err := store.List(context.Background(), ListFilter{Status: domain.CampaignRunning})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, list, 1)
	assert.Equal(t, "cmp-1", list[0].ID)
	assert.Equal(t, int64(4), list[0].Progress.ProcessedRecipients)
}

func TestCampaignListRowError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewCampaignStore(db)
	now := time.Now()

	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM dispatch_campaigns").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	// A failure mid-iteration must surface instead of silently truncating
	// the result set.
	rows := sqlmock.NewRows([]string{
		"id", "name", "channel_type", "status", "schedule_mode", "segment_id",
		"total_recipients", "processed_recipients", "successful_sends", "failed_sends",
		"created_at", "updated_at",
	}).AddRow("cmp-1", "promo", "official", "running", "immediate", "seg-1",
		int64(10), int64(4), int64(4), int64(0), now, now).
		AddRow("cmp-2", "promo-2", "official", "running", "immediate", "seg-2",
			int64(5), int64(1), int64(1), int64(0), now, now).
		RowError(1, errors.New("connection reset"))
	mock.ExpectQuery("SELECT (.+) FROM dispatch_campaigns").WillReturnRows(rows)

	_, _, err = store.List(context.Background(), ListFilter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestListResumable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewCampaignStore(db)
	mock.ExpectQuery("SELECT id FROM dispatch_campaigns").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("cmp-1").AddRow("cmp-2"))

	ids, err := store.ListResumable(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"cmp-1", "cmp-2"}, ids)
}

func TestCampaignDeleteNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewCampaignStore(db)
	mock.ExpectExec("DELETE FROM dispatch_campaigns").
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	assert.ErrorIs(t, store.Delete(context.Background(), "missing"), ErrNotFound)
}
