package throttle

import (
	"container/heap"
	"time"

	"github.com/ignite/campaign-dispatcher/internal/domain"
)

// rotationQueue is a priority queue over a campaign's accounts. Active
// accounts sort before resting ones; within a tier, least-recently-used
// first (oldest LastSendAt for active, earliest RestingUntil for resting).
// Disconnected accounts are excluded at rebuild. Keeping a heap instead of
// rescanning the account list makes selection O(log n) per send and keeps
// the ordering stable under concurrent decision calls.
type rotationQueue struct {
	refs []*domain.AccountRef
}

func (q *rotationQueue) Len() int { return len(q.refs) }

func (q *rotationQueue) Less(i, j int) bool {
	a, b := q.refs[i], q.refs[j]
	ra, rb := tierOf(a), tierOf(b)
	if ra != rb {
		return ra < rb
	}
	return tierKey(a).Before(tierKey(b))
}

func (q *rotationQueue) Swap(i, j int) { q.refs[i], q.refs[j] = q.refs[j], q.refs[i] }

func (q *rotationQueue) Push(x any) { q.refs = append(q.refs, x.(*domain.AccountRef)) }

func (q *rotationQueue) Pop() any {
	old := q.refs
	n := len(old)
	item := old[n-1]
	q.refs = old[:n-1]
	return item
}

func tierOf(a *domain.AccountRef) int {
	if a.Status == domain.AccountActive {
		return 0
	}
	return 1
}

func tierKey(a *domain.AccountRef) time.Time {
	if a.Status == domain.AccountResting && a.RestingUntil != nil {
		return *a.RestingUntil
	}
	return a.LastSendAt
}

// rebuild resets the queue over the given backing slice. The pointers alias
// the slice elements so pacing updates land in the campaign aggregate.
func (q *rotationQueue) rebuild(accounts []domain.AccountRef) {
	q.refs = q.refs[:0]
	for i := range accounts {
		if accounts[i].Status == domain.AccountDisconnected {
			continue
		}
		q.refs = append(q.refs, &accounts[i])
	}
	heap.Init(q)
}

// wake flips resting accounts whose cooldown has expired back to active and
// re-establishes heap order. Returns how many accounts woke up.
func (q *rotationQueue) wake(now time.Time) int {
	woke := 0
	for _, a := range q.refs {
		if a.Status == domain.AccountResting && a.RestingUntil != nil && !now.Before(*a.RestingUntil) {
			a.Status = domain.AccountActive
			a.RestingUntil = nil
			a.ConsecutiveSendCount = 0
			woke++
		}
	}
	if woke > 0 {
		heap.Init(q)
	}
	return woke
}

// peek returns the best candidate without removing it. Callers mutate the
// returned ref and then call fix.
func (q *rotationQueue) peek() *domain.AccountRef {
	if len(q.refs) == 0 {
		return nil
	}
	return q.refs[0]
}

// fix restores heap order after the head was mutated.
func (q *rotationQueue) fix() {
	if len(q.refs) > 0 {
		heap.Fix(q, 0)
	}
}

// earliestRest returns the soonest cooldown expiry among resting accounts.
func (q *rotationQueue) earliestRest() (time.Time, bool) {
	var best time.Time
	found := false
	for _, a := range q.refs {
		if a.Status != domain.AccountResting || a.RestingUntil == nil {
			continue
		}
		if !found || a.RestingUntil.Before(best) {
			best = *a.RestingUntil
			found = true
		}
	}
	return best, found
}
