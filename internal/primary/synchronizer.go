package primary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/echolog/echolog/internal/replication"
	"github.com/echolog/echolog/internal/storage"
)

var (
	ErrUnknownBackup     = errors.New("unknown backup")
	ErrSyncInProgress    = errors.New("catch-up already in progress")
	ErrCatchUpIncomplete = errors.New("catch-up incomplete")
)

// Deliverer sends a single entry to a single backup. *replication.Dispatcher
// satisfies it.
type Deliverer interface {
	Deliver(ctx context.Context, backupID string, entry storage.Entry) bool
	Lookup(idOrURL string) (replication.Backup, bool)
}

type CatchUpMetrics interface {
	RecordCatchUpEntry(backup string)
}

// Synchronizer replays the suffix of History a backup is missing.
type Synchronizer struct {
	history    *History
	dispatcher Deliverer

	mu      sync.Mutex
	running map[string]bool
	wg      sync.WaitGroup

	metrics CatchUpMetrics
	logger  *slog.Logger
}

func NewSynchronizer(history *History, dispatcher Deliverer, logger *slog.Logger) *Synchronizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		history:    history,
		dispatcher: dispatcher,
		running:    make(map[string]bool),
		logger:     logger,
	}
}

func (s *Synchronizer) SetMetrics(m CatchUpMetrics) {
	s.metrics = m
}

// Sync replays every entry after lastKnown to the backup named by ID or URL,
// one at a time in sequence order. An unknown checkpoint replays everything.
// It returns the number of entries the backup acknowledged; replay stops at
// the first entry the dispatcher gives up on.
func (s *Synchronizer) Sync(ctx context.Context, backup string, lastKnown int64) (int, error) {
	b, ok := s.dispatcher.Lookup(backup)
	if !ok {
		return 0, fmt.Errorf("%s: %w", backup, ErrUnknownBackup)
	}
	return s.replay(ctx, b.ID, s.history.Since(lastKnown))
}

// SyncAsync starts Sync in the background and returns how many entries will
// be replayed. Only one catch-up per backup runs at a time.
func (s *Synchronizer) SyncAsync(ctx context.Context, backup string, lastKnown int64) (int, error) {
	b, ok := s.dispatcher.Lookup(backup)
	if !ok {
		return 0, fmt.Errorf("%s: %w", backup, ErrUnknownBackup)
	}

	s.mu.Lock()
	if s.running[b.ID] {
		s.mu.Unlock()
		return 0, fmt.Errorf("%s: %w", b.ID, ErrSyncInProgress)
	}
	s.running[b.ID] = true
	s.mu.Unlock()

	pending := s.history.Since(lastKnown)
	ctx = context.WithoutCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.running, b.ID)
			s.mu.Unlock()
		}()

		if _, err := s.replay(ctx, b.ID, pending); err != nil {
			s.logger.Error("Catch-up failed", "backup", b.ID, "error", err)
		}
	}()

	return len(pending), nil
}

func (s *Synchronizer) replay(ctx context.Context, backupID string, entries []storage.Entry) (int, error) {
	if len(entries) == 0 {
		s.logger.Info("Backup is up to date", "backup", backupID)
		return 0, nil
	}

	s.logger.Info("Starting catch-up",
		"backup", backupID,
		"from", entries[0].Sequence,
		"to", entries[len(entries)-1].Sequence)

	for i, entry := range entries {
		if !s.dispatcher.Deliver(ctx, backupID, entry) {
			return i, fmt.Errorf("backup %s stopped at sequence %d after %d of %d entries: %w",
				backupID, entry.Sequence, i, len(entries), ErrCatchUpIncomplete)
		}
		if s.metrics != nil {
			s.metrics.RecordCatchUpEntry(backupID)
		}
	}

	s.logger.Info("Catch-up complete", "backup", backupID, "entries", len(entries))
	return len(entries), nil
}

// InProgress reports whether a background catch-up is running for backupID.
func (s *Synchronizer) InProgress(backupID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[backupID]
}

// Wait blocks until every background catch-up has finished.
func (s *Synchronizer) Wait() {
	s.wg.Wait()
}
