package domain

import "time"

// AccountStatus enumerates the dispatch availability of an outbound account.
type AccountStatus string

const (
	AccountActive       AccountStatus = "active"
	AccountResting      AccountStatus = "resting"
	AccountDisconnected AccountStatus = "disconnected"
)

// AccountRef is the scheduler's view of an outbound account. Rotation state
// (LastSendAt, ConsecutiveSendCount, RestingUntil) is mutated only by the
// throttle controller while a campaign is dispatching.
type AccountRef struct {
	ID                   string        `json:"id" db:"id"`
	Status               AccountStatus `json:"status" db:"status"`
	LastSendAt           time.Time     `json:"last_send_at" db:"last_send_at"`
	ConsecutiveSendCount int           `json:"consecutive_send_count" db:"consecutive_send_count"`
	RestingUntil         *time.Time    `json:"resting_until,omitempty" db:"resting_until"`

	// ConsecutiveFailures counts back-to-back send failures; crossing the
	// disconnect threshold flips the account to disconnected.
	ConsecutiveFailures int `json:"consecutive_failures" db:"consecutive_failures"`
}

// Available reports whether the account may be selected for a send at now.
// A resting account whose cooldown has expired counts as available; the
// caller is expected to flip it back to active.
func (a AccountRef) Available(now time.Time) bool {
	switch a.Status {
	case AccountActive:
		return true
	case AccountResting:
		return a.RestingUntil != nil && !now.Before(*a.RestingUntil)
	default:
		return false
	}
}
