// Package quorum aggregates per-backup acknowledgments for a single write and
// decides whether the write concern was met before a deadline.
package quorum

import (
	"context"
	"sync"
	"time"
)

// AckSet is the set of backups that confirmed delivery of one entry.
// Add is safe for concurrent use and wakes every waiter.
type AckSet struct {
	mu       sync.Mutex
	members  map[string]struct{}
	capacity int
	changed  chan struct{}
}

// NewAckSet returns an empty set for a write fanned out to capacity backups.
func NewAckSet(capacity int) *AckSet {
	return &AckSet{
		members:  make(map[string]struct{}),
		capacity: capacity,
		changed:  make(chan struct{}),
	}
}

// Add records an acknowledgment from backupID. Repeated acknowledgments from
// the same backup count once.
func (a *AckSet) Add(backupID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.members[backupID]; ok {
		return
	}
	a.members[backupID] = struct{}{}

	close(a.changed)
	a.changed = make(chan struct{})
}

func (a *AckSet) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.members)
}

func (a *AckSet) Capacity() int {
	return a.capacity
}

// Members returns the acknowledging backup IDs in no particular order.
func (a *AckSet) Members() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]string, 0, len(a.members))
	for id := range a.members {
		ids = append(ids, id)
	}
	return ids
}

// snapshot returns the current size and a channel closed on the next Add.
func (a *AckSet) snapshot() (int, <-chan struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.members), a.changed
}

// ClampRequired bounds a write concern to [1, backupCount].
func ClampRequired(required, backupCount int) int {
	if required > backupCount {
		required = backupCount
	}
	if required < 1 {
		required = 1
	}
	return required
}

// Await blocks until acks holds at least required members, the timeout
// elapses, or ctx is done. required is clamped to [1, acks.Capacity()].
// It reports true only when the quorum was met before the deadline and never
// affects the deliveries feeding acks.
func Await(ctx context.Context, acks *AckSet, required int, timeout time.Duration) bool {
	if acks.Capacity() == 0 {
		return false
	}
	required = ClampRequired(required, acks.Capacity())

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		n, changed := acks.snapshot()
		if n >= required {
			return true
		}

		select {
		case <-changed:
		case <-timer.C:
			return false
		case <-ctx.Done():
			return false
		}
	}
}
