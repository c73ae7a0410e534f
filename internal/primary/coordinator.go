package primary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/echolog/echolog/internal/quorum"
	"github.com/echolog/echolog/internal/replication"
	"github.com/echolog/echolog/internal/storage"
)

var (
	ErrInvalidWrite = errors.New("invalid write")
	ErrQuorumNotMet = errors.New("write concern not met")
)

const DefaultQuorumTimeout = 30 * time.Second

// Replicator fans entries out to the backups. *replication.Dispatcher
// satisfies it.
type Replicator interface {
	Fanout(entry storage.Entry, acks *quorum.AckSet)
	Backups() []replication.Backup
}

type Metrics interface {
	RecordWrite(result string, wait time.Duration)
	SetHistoryEntries(n int)
}

// Result describes a write that reached History.
type Result struct {
	Entry     storage.Entry
	Acks      []string
	Required  int
	QuorumMet bool
}

type Coordinator struct {
	history       *History
	replicator    Replicator
	quorumTimeout time.Duration
	metrics       Metrics
	logger        *slog.Logger
}

func NewCoordinator(history *History, replicator Replicator, quorumTimeout time.Duration, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if quorumTimeout <= 0 {
		quorumTimeout = DefaultQuorumTimeout
	}
	return &Coordinator{
		history:       history,
		replicator:    replicator,
		quorumTimeout: quorumTimeout,
		logger:        logger,
	}
}

func (c *Coordinator) SetMetrics(m Metrics) {
	c.metrics = m
}

// Write sequences payload, appends it to History, replicates it to every
// backup and waits until w of them acknowledge. The entry is never removed
// from History; when the write concern is not met ErrQuorumNotMet is
// returned alongside the result and delivery carries on in the background.
func (c *Coordinator) Write(ctx context.Context, payload string, w int) (*Result, error) {
	if payload == "" {
		c.recordWrite("invalid", 0)
		return nil, fmt.Errorf("message must be a non-empty string: %w", ErrInvalidWrite)
	}
	if w < 1 {
		c.recordWrite("invalid", 0)
		return nil, fmt.Errorf("write concern must be at least 1, got %d: %w", w, ErrInvalidWrite)
	}

	entry := c.history.Append(payload)
	if c.metrics != nil {
		c.metrics.SetHistoryEntries(c.history.Len())
	}

	backups := c.replicator.Backups()
	required := quorum.ClampRequired(w, len(backups))
	acks := quorum.NewAckSet(len(backups))

	c.replicator.Fanout(entry, acks)

	start := time.Now()
	met := quorum.Await(ctx, acks, required, c.quorumTimeout)
	wait := time.Since(start)

	result := &Result{
		Entry:     entry,
		Acks:      acks.Members(),
		Required:  required,
		QuorumMet: met,
	}

	if !met {
		c.recordWrite("quorum_not_met", wait)
		c.logger.Warn("Write concern not met",
			"sequence", entry.Sequence,
			"acks", len(result.Acks),
			"required", required,
			"backups", len(backups))
		return result, fmt.Errorf("sequence %d: %d of %d required acknowledgments: %w",
			entry.Sequence, len(result.Acks), required, ErrQuorumNotMet)
	}

	c.recordWrite("success", wait)
	c.logger.Info("Write replicated",
		"sequence", entry.Sequence,
		"acks", len(result.Acks),
		"required", required)
	return result, nil
}

func (c *Coordinator) recordWrite(result string, wait time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordWrite(result, wait)
	}
}
