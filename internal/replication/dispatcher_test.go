package replication

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/echolog/echolog/internal/backup"
	"github.com/echolog/echolog/internal/quorum"
	"github.com/echolog/echolog/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport fails the first failures[id] attempts for each backup, or
// every attempt when down[id] is set. The first outOfOrder[id] attempts are
// rejected as if the backup were still waiting for sequence expected.
type fakeTransport struct {
	mu         sync.Mutex
	failures   map[string]int
	outOfOrder map[string]int
	expected   uint64
	down       map[string]bool
	invalid    bool
	calls      map[string]int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		failures:   make(map[string]int),
		outOfOrder: make(map[string]int),
		down:       make(map[string]bool),
		calls:      make(map[string]int),
	}
}

func (f *fakeTransport) Replicate(ctx context.Context, b Backup, entry storage.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[b.ID]++
	if f.invalid {
		return fmt.Errorf("bad entry: %w", backup.ErrInvalidEntry)
	}
	if f.down[b.ID] {
		return errors.New("connection refused")
	}
	if f.calls[b.ID] <= f.outOfOrder[b.ID] {
		return backup.NewOrderingError(f.expected, entry.Sequence)
	}
	if f.calls[b.ID] <= f.failures[b.ID] {
		return errors.New("temporary failure")
	}
	return nil
}

func (f *fakeTransport) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type fakeAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (a *fakeAlerter) SendDeliveryFailedAlert(backupID string, sequence uint64, attempts int, lastErr string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, fmt.Sprintf("%s/%d/%d", backupID, sequence, attempts))
	return nil
}

type catchUpRequest struct {
	backup    string
	lastKnown int64
}

type fakeCatchUp struct {
	mu       sync.Mutex
	requests []catchUpRequest
	err      error
}

func (c *fakeCatchUp) SyncAsync(ctx context.Context, backupID string, lastKnown int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, catchUpRequest{backupID, lastKnown})
	return 0, c.err
}

func (c *fakeCatchUp) calls() []catchUpRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]catchUpRequest(nil), c.requests...)
}

type staticStatus map[string]bool

func (s staticStatus) IsUnreachable(id string) bool { return s[id] }

func testConfig() Config {
	return Config{
		MaxAttempts:    9,
		BackoffFactor:  2,
		BackoffUnit:    time.Microsecond,
		AttemptTimeout: time.Second,
	}
}

var testBackups = []Backup{
	{ID: "b1", URL: "http://b1:5001"},
	{ID: "b2", URL: "http://b2:5002"},
}

func TestConfig_Backoff(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 2*time.Second, cfg.Backoff(1))
	assert.Equal(t, 4*time.Second, cfg.Backoff(2))
	assert.Equal(t, 256*time.Second, cfg.Backoff(8))
}

func TestConfig_BackoffIsCapped(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, maxBackoff, cfg.Backoff(10))
	assert.Equal(t, maxBackoff, cfg.Backoff(70))
	assert.Equal(t, maxBackoff, cfg.Backoff(5000))

	cfg.BackoffUnit = time.Hour
	assert.Equal(t, maxBackoff, cfg.Backoff(1))

	cfg.BackoffUnit = 0
	assert.Equal(t, time.Duration(0), cfg.Backoff(5000))
}

func TestDeliver_RetriesOutOfOrder(t *testing.T) {
	transport := newFakeTransport()
	transport.outOfOrder["b1"] = 2
	transport.expected = 2
	d := NewDispatcher(testConfig(), transport, testBackups, nil)

	ok := d.Deliver(context.Background(), "b1", storage.Entry{Sequence: 3, Payload: "a"})

	assert.True(t, ok)
	assert.Equal(t, 3, transport.callCount("b1"))
}

func TestDeliver_PersistentGapRequestsCatchUp(t *testing.T) {
	transport := newFakeTransport()
	transport.outOfOrder["b1"] = 3
	transport.expected = 2
	catchUp := &fakeCatchUp{}

	d := NewDispatcher(testConfig(), transport, testBackups, nil)
	d.SetCatchUp(catchUp)

	ok := d.Deliver(context.Background(), "b1", storage.Entry{Sequence: 5, Payload: "a"})

	assert.True(t, ok)
	assert.Equal(t, 4, transport.callCount("b1"))
	assert.Equal(t, []catchUpRequest{{"b1", 1}, {"b1", 1}}, catchUp.calls())
}

func TestDeliver_SingleRejectionDoesNotRequestCatchUp(t *testing.T) {
	transport := newFakeTransport()
	transport.outOfOrder["b1"] = 1
	catchUp := &fakeCatchUp{}

	d := NewDispatcher(testConfig(), transport, testBackups, nil)
	d.SetCatchUp(catchUp)

	assert.True(t, d.Deliver(context.Background(), "b1", storage.Entry{Sequence: 1, Payload: "a"}))
	assert.Empty(t, catchUp.calls())
}

func TestDeliver_CatchUpRefusalKeepsRetrying(t *testing.T) {
	transport := newFakeTransport()
	transport.outOfOrder["b1"] = 4
	catchUp := &fakeCatchUp{err: errors.New("already running")}

	d := NewDispatcher(testConfig(), transport, testBackups, nil)
	d.SetCatchUp(catchUp)

	assert.True(t, d.Deliver(context.Background(), "b1", storage.Entry{Sequence: 3, Payload: "a"}))
	assert.Equal(t, 5, transport.callCount("b1"))
	assert.Len(t, catchUp.calls(), 3)
}

func TestDeliver_SucceedsAfterRetries(t *testing.T) {
	transport := newFakeTransport()
	transport.failures["b1"] = 3
	d := NewDispatcher(testConfig(), transport, testBackups, nil)

	ok := d.Deliver(context.Background(), "b1", storage.Entry{Sequence: 0, Payload: "a"})

	assert.True(t, ok)
	assert.Equal(t, 4, transport.callCount("b1"))
}

func TestDeliver_GivesUpAfterMaxAttempts(t *testing.T) {
	transport := newFakeTransport()
	transport.down["b1"] = true
	alerter := &fakeAlerter{}

	d := NewDispatcher(testConfig(), transport, testBackups, nil)
	d.SetAlertManager(alerter)

	ok := d.Deliver(context.Background(), "b1", storage.Entry{Sequence: 7, Payload: "a"})

	assert.False(t, ok)
	assert.Equal(t, 9, transport.callCount("b1"))
	assert.Equal(t, []string{"b1/7/9"}, alerter.alerts)
}

func TestDeliver_InvalidIsNotRetried(t *testing.T) {
	transport := newFakeTransport()
	transport.invalid = true
	d := NewDispatcher(testConfig(), transport, testBackups, nil)

	ok := d.Deliver(context.Background(), "b1", storage.Entry{Sequence: 0, Payload: "a"})

	assert.False(t, ok)
	assert.Equal(t, 1, transport.callCount("b1"))
}

func TestDeliver_UnknownBackup(t *testing.T) {
	transport := newFakeTransport()
	d := NewDispatcher(testConfig(), transport, testBackups, nil)

	assert.False(t, d.Deliver(context.Background(), "nope", storage.Entry{}))
	assert.Equal(t, 0, transport.callCount("nope"))
}

func TestDeliver_SkipUnreachable(t *testing.T) {
	tests := []struct {
		name      string
		skip      bool
		wantOK    bool
		wantCalls int
	}{
		{"policy off", false, true, 1},
		{"policy on", true, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := newFakeTransport()
			cfg := testConfig()
			cfg.SkipUnreachable = tt.skip

			d := NewDispatcher(cfg, transport, testBackups, nil)
			d.SetStatusSource(staticStatus{"b1": true})

			ok := d.Deliver(context.Background(), "b1", storage.Entry{Payload: "a"})
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantCalls, transport.callCount("b1"))
		})
	}
}

func TestDeliver_CloseStopsBackoff(t *testing.T) {
	transport := newFakeTransport()
	transport.down["b1"] = true

	cfg := testConfig()
	cfg.BackoffUnit = time.Hour
	d := NewDispatcher(cfg, transport, testBackups, nil)

	done := make(chan bool)
	go func() {
		done <- d.Deliver(context.Background(), "b1", storage.Entry{Payload: "a"})
	}()

	require.Eventually(t, func() bool { return transport.callCount("b1") == 1 }, time.Second, time.Millisecond)
	d.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Deliver did not return after Close")
	}
}

func TestFanout_OneFailingBackupDoesNotBlockOthers(t *testing.T) {
	transport := newFakeTransport()
	transport.down["b2"] = true

	cfg := testConfig()
	cfg.BackoffUnit = time.Millisecond
	d := NewDispatcher(cfg, transport, testBackups, nil)

	acks := quorum.NewAckSet(len(testBackups))
	d.Fanout(storage.Entry{Sequence: 0, Payload: "a"}, acks)

	assert.True(t, quorum.Await(context.Background(), acks, 1, time.Second))
	assert.Equal(t, []string{"b1"}, acks.Members())

	d.Wait()
	assert.Equal(t, 9, transport.callCount("b2"))
	assert.Equal(t, 1, acks.Len())
}

func TestLookup(t *testing.T) {
	d := NewDispatcher(testConfig(), newFakeTransport(), testBackups, nil)

	tests := []struct {
		key    string
		wantID string
		found  bool
	}{
		{"b1", "b1", true},
		{"http://b2:5002", "b2", true},
		{"http://b2:5002/", "b2", true},
		{"http://b3:5003", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			b, ok := d.Lookup(tt.key)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.wantID, b.ID)
		})
	}
}
