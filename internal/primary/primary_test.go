package primary

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/echolog/echolog/internal/backup"
	"github.com/echolog/echolog/internal/hash"
	"github.com/echolog/echolog/internal/replication"
	"github.com/echolog/echolog/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gateTransport delivers straight into in-process apply gates.
type gateTransport struct {
	mu        sync.Mutex
	gates     map[string]*backup.Gate
	down      map[string]bool
	delivered map[string][]uint64
	block     chan struct{}
}

func newGateTransport(ids ...string) *gateTransport {
	t := &gateTransport{
		gates:     make(map[string]*backup.Gate),
		down:      make(map[string]bool),
		delivered: make(map[string][]uint64),
	}
	for _, id := range ids {
		t.gates[id] = backup.NewGate(nil)
	}
	return t
}

func (t *gateTransport) Replicate(ctx context.Context, b replication.Backup, entry storage.Entry) error {
	if t.block != nil {
		select {
		case <-t.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	t.mu.Lock()
	down := t.down[b.ID]
	t.delivered[b.ID] = append(t.delivered[b.ID], entry.Sequence)
	t.mu.Unlock()

	if down {
		return errors.New("connection refused")
	}
	_, err := t.gates[b.ID].Apply(entry.Sequence, entry.Payload)
	return err
}

func (t *gateTransport) sequences(id string) []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]uint64(nil), t.delivered[id]...)
}

func newTestDispatcher(transport replication.Transport, ids ...string) *replication.Dispatcher {
	return newDispatcherWithBackoff(transport, time.Microsecond, ids...)
}

func newDispatcherWithBackoff(transport replication.Transport, unit time.Duration, ids ...string) *replication.Dispatcher {
	backups := make([]replication.Backup, 0, len(ids))
	for _, id := range ids {
		backups = append(backups, replication.Backup{ID: id, URL: "http://" + id + ":5001"})
	}
	cfg := replication.Config{
		MaxAttempts:    9,
		BackoffFactor:  2,
		BackoffUnit:    unit,
		AttemptTimeout: time.Second,
	}
	return replication.NewDispatcher(cfg, transport, backups, nil)
}

func TestHistory_Append(t *testing.T) {
	h := NewHistory(nil)
	assert.Equal(t, int64(-1), h.LastSequence())

	for i := 0; i < 3; i++ {
		e := h.Append(fmt.Sprintf("m%d", i))
		assert.Equal(t, uint64(i), e.Sequence)
	}

	assert.Equal(t, 3, h.Len())
	assert.Equal(t, int64(2), h.LastSequence())
	assert.Equal(t, hash.Digest(h.Entries()), h.Digest())
}

func TestHistory_ConcurrentAppendKeepsOrder(t *testing.T) {
	const writers = 32
	const perWriter = 50

	h := NewHistory(nil)

	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				h.Append("x")
			}
		}()
	}
	wg.Wait()

	entries := h.Entries()
	require.Len(t, entries, writers*perWriter)
	for i, e := range entries {
		assert.Equal(t, uint64(i), e.Sequence)
	}
}

func TestHistory_Since(t *testing.T) {
	h := NewHistory(nil)
	for i := 0; i < 10; i++ {
		h.Append(fmt.Sprintf("m%d", i))
	}

	tests := []struct {
		name      string
		lastKnown int64
		wantFirst uint64
		wantLen   int
	}{
		{"middle", 3, 4, 6},
		{"first", 0, 1, 9},
		{"empty checkpoint", -1, 0, 10},
		{"unknown checkpoint", 42, 0, 10},
		{"negative checkpoint", -7, 0, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries := h.Since(tt.lastKnown)
			require.Len(t, entries, tt.wantLen)
			assert.Equal(t, tt.wantFirst, entries[0].Sequence)
			assert.Equal(t, uint64(9), entries[len(entries)-1].Sequence)
		})
	}

	assert.Empty(t, h.Since(9))
}

func TestHistory_DigestAt(t *testing.T) {
	h := NewHistory(nil)
	for i := 0; i < 4; i++ {
		h.Append(fmt.Sprintf("m%d", i))
	}
	entries := h.Entries()

	d, ok := h.DigestAt(-1)
	assert.True(t, ok)
	assert.Equal(t, hash.Genesis, d)

	d, ok = h.DigestAt(1)
	assert.True(t, ok)
	assert.Equal(t, hash.Digest(entries[:2]), d)

	d, ok = h.DigestAt(3)
	assert.True(t, ok)
	assert.Equal(t, h.Digest(), d)

	_, ok = h.DigestAt(4)
	assert.False(t, ok)
}

func TestHistory_Journal(t *testing.T) {
	journal, err := storage.Open(t.TempDir() + "/primary.db")
	require.NoError(t, err)
	defer journal.Close()

	h := NewHistory(nil)
	h.SetJournal(journal)
	h.Append("a")
	h.Append("b")

	latest, err := journal.Latest()
	require.NoError(t, err)
	assert.Equal(t, storage.Entry{Sequence: 1, Payload: "b"}, *latest)
}

func TestCoordinator_InvalidWrite(t *testing.T) {
	transport := newGateTransport("b1")
	d := newTestDispatcher(transport, "b1")
	h := NewHistory(nil)
	c := NewCoordinator(h, d, time.Second, nil)

	tests := []struct {
		name    string
		payload string
		w       int
	}{
		{"empty message", "", 1},
		{"zero write concern", "hello", 0},
		{"negative write concern", "hello", -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := c.Write(context.Background(), tt.payload, tt.w)
			assert.Nil(t, result)
			assert.True(t, errors.Is(err, ErrInvalidWrite))
		})
	}

	assert.Equal(t, 0, h.Len())
}

func TestCoordinator_QuorumMet(t *testing.T) {
	transport := newGateTransport("b1", "b2")
	d := newTestDispatcher(transport, "b1", "b2")
	h := NewHistory(nil)
	c := NewCoordinator(h, d, time.Second, nil)

	result, err := c.Write(context.Background(), "hello", 2)
	require.NoError(t, err)

	assert.True(t, result.QuorumMet)
	assert.Equal(t, 2, result.Required)
	assert.ElementsMatch(t, []string{"b1", "b2"}, result.Acks)
	assert.Equal(t, []string{"hello"}, transport.gates["b1"].Messages())
	assert.Equal(t, []string{"hello"}, transport.gates["b2"].Messages())
}

func TestCoordinator_QuorumNotMet(t *testing.T) {
	transport := newGateTransport("b1", "b2")
	transport.down["b2"] = true

	d := newTestDispatcher(transport, "b1", "b2")
	h := NewHistory(nil)
	c := NewCoordinator(h, d, 100*time.Millisecond, nil)

	start := time.Now()
	result, err := c.Write(context.Background(), "hello", 2)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrQuorumNotMet))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	require.NotNil(t, result)
	assert.False(t, result.QuorumMet)
	assert.Equal(t, []string{"b1"}, result.Acks)

	assert.Equal(t, []storage.Entry{{Sequence: 0, Payload: "hello"}}, h.Entries())

	d.Wait()
	assert.Len(t, transport.sequences("b2"), 9)
}

func TestCoordinator_WriteConcernClamped(t *testing.T) {
	transport := newGateTransport("b1")
	d := newTestDispatcher(transport, "b1")
	c := NewCoordinator(NewHistory(nil), d, time.Second, nil)

	result, err := c.Write(context.Background(), "hello", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Required)
}

func TestCoordinator_NoBackups(t *testing.T) {
	d := newTestDispatcher(newGateTransport())
	h := NewHistory(nil)
	c := NewCoordinator(h, d, time.Second, nil)

	_, err := c.Write(context.Background(), "hello", 1)
	assert.True(t, errors.Is(err, ErrQuorumNotMet))
	assert.Equal(t, 1, h.Len())
}

func TestCoordinator_SequentialWritesReachEveryBackup(t *testing.T) {
	transport := newGateTransport("b1", "b2")
	d := newTestDispatcher(transport, "b1", "b2")
	h := NewHistory(nil)
	c := NewCoordinator(h, d, time.Second, nil)

	for i := 0; i < 5; i++ {
		_, err := c.Write(context.Background(), fmt.Sprintf("m%d", i), 2)
		require.NoError(t, err)
	}

	for _, id := range []string{"b1", "b2"} {
		assert.Equal(t, h.Entries(), transport.gates[id].Entries())
		assert.Equal(t, h.Digest(), transport.gates[id].Digest())
	}
}

func TestCoordinator_ConcurrentWritesConverge(t *testing.T) {
	transport := newGateTransport("b1", "b2")
	d := newDispatcherWithBackoff(transport, time.Millisecond, "b1", "b2")
	h := NewHistory(nil)
	s := NewSynchronizer(h, d, nil)
	d.SetCatchUp(s)
	c := NewCoordinator(h, d, 5*time.Second, nil)

	const writers = 50
	errs := make(chan error, writers)
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Write(context.Background(), fmt.Sprintf("m%d", i), 2)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}

	d.Wait()
	s.Wait()
	require.Equal(t, writers, h.Len())
	for _, id := range []string{"b1", "b2"} {
		assert.Equal(t, h.Entries(), transport.gates[id].Entries(), id)
		assert.Equal(t, h.Digest(), transport.gates[id].Digest(), id)
	}
}

func TestCoordinator_MissedEntryIsRepaired(t *testing.T) {
	transport := newGateTransport("b1")
	d := newDispatcherWithBackoff(transport, time.Millisecond, "b1")
	h := NewHistory(nil)
	s := NewSynchronizer(h, d, nil)
	d.SetCatchUp(s)
	c := NewCoordinator(h, d, 2*time.Second, nil)

	// b1 never receives sequence 0, as after a delivery that gave up.
	h.Append("lost")

	for i := 1; i <= 3; i++ {
		result, err := c.Write(context.Background(), fmt.Sprintf("m%d", i), 1)
		require.NoError(t, err)
		assert.Equal(t, uint64(i), result.Entry.Sequence)
	}

	d.Wait()
	s.Wait()
	assert.Equal(t, h.Entries(), transport.gates["b1"].Entries())
	assert.Equal(t, h.Digest(), transport.gates["b1"].Digest())
}

func TestCoordinator_MissedEntryWithoutCatchUpStalls(t *testing.T) {
	transport := newGateTransport("b1")
	d := newTestDispatcher(transport, "b1")
	h := NewHistory(nil)
	c := NewCoordinator(h, d, time.Second, nil)

	h.Append("lost")

	_, err := c.Write(context.Background(), "m1", 1)
	assert.True(t, errors.Is(err, ErrQuorumNotMet))

	d.Wait()
	assert.Equal(t, int64(-1), transport.gates["b1"].LastApplied())
}

func seededHistory(n int) *History {
	h := NewHistory(nil)
	for i := 0; i < n; i++ {
		h.Append(fmt.Sprintf("m%d", i))
	}
	return h
}

func TestSynchronizer_ReplaysSuffix(t *testing.T) {
	h := seededHistory(10)
	transport := newGateTransport("b1")
	gate := transport.gates["b1"]
	for _, e := range h.Entries()[:4] {
		_, err := gate.Apply(e.Sequence, e.Payload)
		require.NoError(t, err)
	}

	s := NewSynchronizer(h, newTestDispatcher(transport, "b1"), nil)
	n, err := s.Sync(context.Background(), "b1", 3)

	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, []uint64{4, 5, 6, 7, 8, 9}, transport.sequences("b1"))
	assert.Equal(t, int64(9), gate.LastApplied())
	assert.Equal(t, h.Entries(), gate.Entries())
}

func TestSynchronizer_UnknownCheckpointReplaysAll(t *testing.T) {
	h := seededHistory(5)
	transport := newGateTransport("b1")
	s := NewSynchronizer(h, newTestDispatcher(transport, "b1"), nil)

	n, err := s.Sync(context.Background(), "http://b1:5001", 99)

	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, int64(4), transport.gates["b1"].LastApplied())
}

func TestSynchronizer_RedeliveryIsHarmless(t *testing.T) {
	h := seededHistory(5)
	transport := newGateTransport("b1")
	s := NewSynchronizer(h, newTestDispatcher(transport, "b1"), nil)

	_, err := s.Sync(context.Background(), "b1", -1)
	require.NoError(t, err)
	n, err := s.Sync(context.Background(), "b1", 1)
	require.NoError(t, err)

	assert.Equal(t, 3, n)
	assert.Equal(t, h.Entries(), transport.gates["b1"].Entries())
}

func TestSynchronizer_Errors(t *testing.T) {
	h := seededHistory(3)
	transport := newGateTransport("b1")
	transport.down["b1"] = true
	s := NewSynchronizer(h, newTestDispatcher(transport, "b1"), nil)

	_, err := s.Sync(context.Background(), "b9", 0)
	assert.True(t, errors.Is(err, ErrUnknownBackup))

	n, err := s.Sync(context.Background(), "b1", -1)
	assert.True(t, errors.Is(err, ErrCatchUpIncomplete))
	assert.Equal(t, 0, n)
	assert.Len(t, transport.sequences("b1"), 9)
}

func TestSynchronizer_SyncAsync(t *testing.T) {
	h := seededHistory(10)
	transport := newGateTransport("b1")
	transport.block = make(chan struct{})
	s := NewSynchronizer(h, newTestDispatcher(transport, "b1"), nil)

	n, err := s.SyncAsync(context.Background(), "b1", -1)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.True(t, s.InProgress("b1"))

	_, err = s.SyncAsync(context.Background(), "b1", 3)
	assert.True(t, errors.Is(err, ErrSyncInProgress))

	_, err = s.SyncAsync(context.Background(), "b2", 3)
	assert.True(t, errors.Is(err, ErrUnknownBackup))

	close(transport.block)
	s.Wait()

	assert.False(t, s.InProgress("b1"))
	assert.Equal(t, []uint64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, transport.sequences("b1"))
	assert.Equal(t, int64(9), transport.gates["b1"].LastApplied())
}
