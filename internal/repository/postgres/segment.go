package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/ignite/campaign-dispatcher/internal/dispatch"
)

// DefaultContactPageSize is how many contacts one iterator page loads.
const DefaultContactPageSize = 1000

// SegmentStore resolves segments to recipient counts and lazy contact
// sequences. Iteration uses keyset pagination on the contact id so a
// multi-million row segment never materializes in memory.
type SegmentStore struct {
	db       *sql.DB
	pageSize int
}

// NewSegmentStore creates a Postgres-backed segment resolver. pageSize <= 0
// selects the default.
func NewSegmentStore(db *sql.DB, pageSize int) *SegmentStore {
	if pageSize <= 0 {
		pageSize = DefaultContactPageSize
	}
	return &SegmentStore{db: db, pageSize: pageSize}
}

// ResolveSegment returns the active-contact count and a lazy iterator over
// the segment. The sequence reflects commit state at page-fetch time and
// is not restartable; a restarted dispatcher resolves again.
func (s *SegmentStore) ResolveSegment(ctx context.Context, segmentID string) (int64, dispatch.ContactIterator, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM dispatch_contacts
		WHERE segment_id = $1 AND status = 'active'
	`, segmentID).Scan(&count)
	if err != nil {
		return 0, nil, fmt.Errorf("count segment contacts: %w", err)
	}

	return count, &contactIterator{
		db:        s.db,
		segmentID: segmentID,
		pageSize:  s.pageSize,
	}, nil
}

// contactIterator pages through a segment ordered by contact id.
type contactIterator struct {
	db        *sql.DB
	segmentID string
	pageSize  int

	buffer []dispatch.Contact
	pos    int
	lastID string
	done   bool
	closed bool
}

func (it *contactIterator) Next(ctx context.Context) (dispatch.Contact, bool, error) {
	if it.closed {
		return dispatch.Contact{}, false, nil
	}
	if it.pos >= len(it.buffer) {
		if it.done {
			return dispatch.Contact{}, false, nil
		}
		if err := it.fetchPage(ctx); err != nil {
			return dispatch.Contact{}, false, err
		}
		if len(it.buffer) == 0 {
			return dispatch.Contact{}, false, nil
		}
	}
	c := it.buffer[it.pos]
	it.pos++
	return c, true, nil
}

func (it *contactIterator) fetchPage(ctx context.Context) error {
	rows, err := it.db.QueryContext(ctx, `
		SELECT id, address, COALESCE(attributes::text, '{}')
		FROM dispatch_contacts
		WHERE segment_id = $1 AND status = 'active' AND id > $2
		ORDER BY id
		LIMIT $3
	`, it.segmentID, it.lastID, it.pageSize)
	if err != nil {
		return fmt.Errorf("fetch contact page: %w", err)
	}
	defer rows.Close()

	it.buffer = it.buffer[:0]
	it.pos = 0
	for rows.Next() {
		var c dispatch.Contact
		var attrs string
		if err := rows.Scan(&c.ID, &c.Address, &attrs); err != nil {
			return fmt.Errorf("scan contact: %w", err)
		}
		if attrs != "" && attrs != "{}" {
			if err := json.Unmarshal([]byte(attrs), &c.Attributes); err != nil {
				return fmt.Errorf("unmarshal contact attributes: %w", err)
			}
		}
		it.buffer = append(it.buffer, c)
		it.lastID = c.ID
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate contacts: %w", err)
	}
	if len(it.buffer) < it.pageSize {
		it.done = true
	}
	return nil
}

func (it *contactIterator) Close() error {
	it.closed = true
	it.buffer = nil
	return nil
}
