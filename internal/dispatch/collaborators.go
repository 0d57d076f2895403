package dispatch

import (
	"context"

	"github.com/ignite/campaign-dispatcher/internal/domain"
)

// Contact is one resolved recipient. Attributes feed template
// personalization and are otherwise opaque to the dispatcher.
type Contact struct {
	ID         string                 `json:"id"`
	Address    string                 `json:"address"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// ContactIterator walks a resolved segment lazily. The sequence is finite
// and not restartable across process restarts; a restarted dispatcher
// re-resolves the segment.
type ContactIterator interface {
	// Next returns the next contact. ok is false once the sequence is
	// exhausted; err reports an iteration failure, after which the
	// iterator is dead.
	Next(ctx context.Context) (contact Contact, ok bool, err error)
	Close() error
}

// SegmentResolver resolves a segment to a recipient count and a lazy
// contact sequence.
type SegmentResolver interface {
	ResolveSegment(ctx context.Context, segmentID string) (count int64, contacts ContactIterator, err error)
}

// AccountRegistry returns the current account snapshot for a channel.
// Connection status changes mid-campaign, so the dispatcher re-polls once
// per batch rather than trusting the start-time snapshot.
type AccountRegistry interface {
	ListActiveAccounts(ctx context.Context, channel domain.ChannelType) ([]domain.AccountRef, error)
}

// SendResult is the sender collaborator's verdict for one recipient.
// Retriable distinguishes transient trouble (timeout, provider throttle)
// from permanent rejection (bad recipient).
type SendResult struct {
	OK        bool
	Retriable bool
	Err       error
}

// MessageSender delivers one message. This is the only mutating external
// call per recipient; the passed context carries the per-send timeout.
type MessageSender interface {
	SendMessage(ctx context.Context, account domain.AccountRef, recipient Contact, content string) SendResult
}

// StateStore persists campaign state at lifecycle boundaries (start,
// pause, resume, idle-wait, terminal states) — never per message, to
// bound I/O.
type StateStore interface {
	PersistCampaignState(ctx context.Context, campaign *domain.Campaign) error
	LoadCampaignState(ctx context.Context, id string) (*domain.Campaign, error)
}

// EventEmitter is a fire-and-forget notification sink. Implementations
// must never block the dispatch loop.
type EventEmitter interface {
	Emit(campaignID, eventType string, payload map[string]interface{})
}
