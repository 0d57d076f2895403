package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/campaign-dispatcher/internal/domain"
	"github.com/ignite/campaign-dispatcher/internal/schedule"
)

// ErrNotFound is returned when a campaign id does not exist.
var ErrNotFound = errors.New("campaign not found")

// CampaignStore persists campaign aggregates. Settings and the account
// snapshot live in JSONB columns; counters and lifecycle fields are
// first-class columns so dashboards can query them directly.
type CampaignStore struct{ db *sql.DB }

// NewCampaignStore creates a Postgres-backed campaign store.
func NewCampaignStore(db *sql.DB) *CampaignStore { return &CampaignStore{db: db} }

// PersistCampaignState upserts the full aggregate. Called at lifecycle
// boundaries only, never per message.
func (s *CampaignStore) PersistCampaignState(ctx context.Context, c *domain.Campaign) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}

	accounts, err := json.Marshal(c.Accounts)
	if err != nil {
		return fmt.Errorf("marshal accounts: %w", err)
	}
	rateLimit, err := json.Marshal(c.RateLimit)
	if err != nil {
		return fmt.Errorf("marshal rate limit settings: %w", err)
	}
	antiBan, err := json.Marshal(c.AntiBan)
	if err != nil {
		return fmt.Errorf("marshal anti-ban settings: %w", err)
	}
	var recurring []byte
	if c.Recurring != nil {
		recurring, err = json.Marshal(c.Recurring)
		if err != nil {
			return fmt.Errorf("marshal recurring settings: %w", err)
		}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dispatch_campaigns
			(id, name, channel_type, status, schedule_mode, segment_id,
			 message_template, timezone, rate_limit_custom,
			 accounts, rate_limit_settings, anti_ban_settings, recurring_settings,
			 scheduled_at, next_occurrence_at,
			 total_recipients, processed_recipients, successful_sends, failed_sends,
			 started_at, completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
		        $14, $15, $16, $17, $18, $19, $20, $21, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			schedule_mode = EXCLUDED.schedule_mode,
			segment_id = EXCLUDED.segment_id,
			message_template = EXCLUDED.message_template,
			timezone = EXCLUDED.timezone,
			rate_limit_custom = EXCLUDED.rate_limit_custom,
			accounts = EXCLUDED.accounts,
			rate_limit_settings = EXCLUDED.rate_limit_settings,
			anti_ban_settings = EXCLUDED.anti_ban_settings,
			recurring_settings = EXCLUDED.recurring_settings,
			scheduled_at = EXCLUDED.scheduled_at,
			next_occurrence_at = EXCLUDED.next_occurrence_at,
			total_recipients = EXCLUDED.total_recipients,
			processed_recipients = EXCLUDED.processed_recipients,
			successful_sends = EXCLUDED.successful_sends,
			failed_sends = EXCLUDED.failed_sends,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			updated_at = NOW()
	`, c.ID, c.Name, c.Channel, c.Status, c.Mode, c.SegmentID,
		c.MessageTemplate, c.Timezone, c.RateLimitCustom,
		accounts, rateLimit, antiBan, nullableJSON(recurring),
		c.ScheduledAt, c.NextOccurrenceAt,
		c.Progress.TotalRecipients, c.Progress.ProcessedRecipients,
		c.Progress.SuccessfulSends, c.Progress.FailedSends,
		c.StartedAt, c.CompletedAt)
	if err != nil {
		return fmt.Errorf("persist campaign: %w", err)
	}
	return nil
}

// LoadCampaignState reads the full aggregate by id.
func (s *CampaignStore) LoadCampaignState(ctx context.Context, id string) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	var accounts, rateLimit, antiBan []byte
	var recurring sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, channel_type, status, schedule_mode, segment_id,
		       message_template, COALESCE(timezone, ''), rate_limit_custom,
		       accounts, rate_limit_settings, anti_ban_settings, recurring_settings::text,
		       scheduled_at, next_occurrence_at,
		       total_recipients, processed_recipients, successful_sends, failed_sends,
		       started_at, completed_at, created_at, updated_at
		FROM dispatch_campaigns
		WHERE id = $1
	`, id).Scan(
		&c.ID, &c.Name, &c.Channel, &c.Status, &c.Mode, &c.SegmentID,
		&c.MessageTemplate, &c.Timezone, &c.RateLimitCustom,
		&accounts, &rateLimit, &antiBan, &recurring,
		&c.ScheduledAt, &c.NextOccurrenceAt,
		&c.Progress.TotalRecipients, &c.Progress.ProcessedRecipients,
		&c.Progress.SuccessfulSends, &c.Progress.FailedSends,
		&c.StartedAt, &c.CompletedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load campaign: %w", err)
	}

	if len(accounts) > 0 {
		if err := json.Unmarshal(accounts, &c.Accounts); err != nil {
			return nil, fmt.Errorf("unmarshal accounts: %w", err)
		}
	}
	if len(rateLimit) > 0 {
		if err := json.Unmarshal(rateLimit, &c.RateLimit); err != nil {
			return nil, fmt.Errorf("unmarshal rate limit settings: %w", err)
		}
	}
	if len(antiBan) > 0 {
		if err := json.Unmarshal(antiBan, &c.AntiBan); err != nil {
			return nil, fmt.Errorf("unmarshal anti-ban settings: %w", err)
		}
	}
	if recurring.Valid && recurring.String != "" && recurring.String != "null" {
		var rs schedule.Settings
		if err := json.Unmarshal([]byte(recurring.String), &rs); err != nil {
			return nil, fmt.Errorf("unmarshal recurring settings: %w", err)
		}
		c.Recurring = &rs
	}
	return c, nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Status domain.CampaignStatus
	Limit  int
	Offset int
}

// List returns campaign summaries plus a total count for paging.
func (s *CampaignStore) List(ctx context.Context, f ListFilter) ([]domain.Campaign, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	countQ := `SELECT COUNT(*) FROM dispatch_campaigns`
	args := []interface{}{}
	if f.Status != "" {
		countQ += ` WHERE status = $1`
		args = append(args, f.Status)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count campaigns: %w", err)
	}

	q := `
		SELECT id, name, channel_type, status, schedule_mode, segment_id,
		       total_recipients, processed_recipients, successful_sends, failed_sends,
		       created_at, updated_at
		FROM dispatch_campaigns`
	qArgs := []interface{}{}
	idx := 1
	if f.Status != "" {
		q += fmt.Sprintf(" WHERE status = $%d", idx)
		qArgs = append(qArgs, f.Status)
		idx++
	}
	q += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	qArgs = append(qArgs, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, q, qArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		var c domain.Campaign
		if err := rows.Scan(
			&c.ID, &c.Name, &c.Channel, &c.Status, &c.Mode, &c.SegmentID,
			&c.Progress.TotalRecipients, &c.Progress.ProcessedRecipients,
			&c.Progress.SuccessfulSends, &c.Progress.FailedSends,
			&c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate campaigns: %w", err)
	}
	return out, total, nil
}

// ListResumable returns ids of campaigns whose persisted status indicates
// an interrupted dispatch, oldest first. A startup recovery sweep feeds
// these back through the manager's start path.
func (s *CampaignStore) ListResumable(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM dispatch_campaigns
		WHERE status IN ('running', 'paused', 'idle_waiting')
		ORDER BY updated_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list resumable campaigns: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan campaign id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate campaign ids: %w", err)
	}
	return ids, nil
}

// Delete removes a campaign. Running campaigns must be cancelled first;
// the guard lives in the service layer, not here.
func (s *CampaignStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM dispatch_campaigns WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// nullableJSON maps empty JSON to SQL NULL so optional JSONB columns stay
// NULL instead of holding "null".
func nullableJSON(b []byte) interface{} {
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	return b
}
