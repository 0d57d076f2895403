package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ignite/campaign-dispatcher/internal/domain"
)

// AccountStore reads the outbound account registry. Connection status is
// maintained externally (channel connectors write it); the dispatcher only
// snapshots it once per batch.
type AccountStore struct{ db *sql.DB }

// NewAccountStore creates a Postgres-backed account registry.
func NewAccountStore(db *sql.DB) *AccountStore { return &AccountStore{db: db} }

// ListActiveAccounts snapshots every non-removed account for a channel,
// including resting and disconnected ones: the scheduler needs to see
// disconnections to decide whether the pool can still recover.
func (s *AccountStore) ListActiveAccounts(ctx context.Context, channel domain.ChannelType) ([]domain.AccountRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, status, COALESCE(last_send_at, to_timestamp(0)),
		       consecutive_send_count, resting_until, consecutive_failures
		FROM dispatch_accounts
		WHERE channel_type = $1 AND removed_at IS NULL
		ORDER BY created_at
	`, channel)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []domain.AccountRef
	for rows.Next() {
		var a domain.AccountRef
		var resting sql.NullTime
		if err := rows.Scan(&a.ID, &a.Status, &a.LastSendAt,
			&a.ConsecutiveSendCount, &resting, &a.ConsecutiveFailures); err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		if resting.Valid {
			t := resting.Time
			a.RestingUntil = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateStatus flips an account's connection status, clearing rotation
// state on disconnect.
func (s *AccountStore) UpdateStatus(ctx context.Context, id string, status domain.AccountStatus) error {
	var restingUntil *time.Time
	result, err := s.db.ExecContext(ctx, `
		UPDATE dispatch_accounts
		SET status = $2, resting_until = $3, updated_at = NOW()
		WHERE id = $1 AND removed_at IS NULL
	`, id, status, restingUntil)
	if err != nil {
		return fmt.Errorf("update account status: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
