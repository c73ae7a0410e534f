// Package backup implements the apply gate a backup node runs in front of its
// delivered log. The gate accepts only the direct successor of the last applied
// sequence, acknowledges redeliveries without reapplying them, and rejects gaps.
package backup

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/echolog/echolog/internal/hash"
	"github.com/echolog/echolog/internal/storage"
)

// Outcome of an acknowledged apply.
type Outcome int

const (
	OutcomeApplied Outcome = iota
	OutcomeDuplicate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// Journal receives every applied entry. *storage.Journal satisfies it.
type Journal interface {
	Append(entry storage.Entry) error
}

type Metrics interface {
	RecordApply(outcome string, lastApplied int64)
}

type Gate struct {
	mu          sync.Mutex
	lastApplied int64
	delivered   []storage.Entry
	chain       *hash.Chain

	journal    Journal
	applyDelay time.Duration
	metrics    Metrics
	logger     *slog.Logger
}

func NewGate(logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		lastApplied: -1,
		delivered:   make([]storage.Entry, 0),
		chain:       hash.NewChain(),
		logger:      logger,
	}
}

func (g *Gate) SetJournal(j Journal) {
	g.journal = j
}

// SetApplyDelay makes every acknowledged apply wait d before returning,
// simulating a slow replica.
func (g *Gate) SetApplyDelay(d time.Duration) {
	g.applyDelay = d
}

func (g *Gate) SetMetrics(m Metrics) {
	g.metrics = m
}

// Apply runs the check-and-apply step for one delivered entry.
func (g *Gate) Apply(seq uint64, payload string) (Outcome, error) {
	outcome, lastApplied, err := g.apply(seq, payload)

	if g.metrics != nil {
		g.metrics.RecordApply(outcomeLabel(outcome, err), lastApplied)
	}
	if err != nil {
		return outcome, err
	}

	if g.applyDelay > 0 {
		time.Sleep(g.applyDelay)
	}
	return outcome, nil
}

func (g *Gate) apply(seq uint64, payload string) (Outcome, int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	expected := uint64(g.lastApplied + 1)

	switch {
	case g.lastApplied >= 0 && seq <= uint64(g.lastApplied):
		g.logger.Debug("Duplicate delivery acknowledged", "sequence", seq, "last_applied", g.lastApplied)
		return OutcomeDuplicate, g.lastApplied, nil

	case seq > expected:
		g.logger.Warn("Rejected out-of-order entry", "sequence", seq, "expected", expected)
		return OutcomeApplied, g.lastApplied, NewOrderingError(expected, seq)

	case payload == "":
		return OutcomeApplied, g.lastApplied, fmt.Errorf("sequence %d: empty message: %w", seq, ErrInvalidEntry)
	}

	entry := storage.Entry{Sequence: seq, Payload: payload}
	if g.journal != nil {
		if err := g.journal.Append(entry); err != nil {
			g.logger.Error("Failed to journal entry", "sequence", seq, "error", err)
		}
	}

	g.delivered = append(g.delivered, entry)
	g.chain.Add(seq, payload)
	g.lastApplied = int64(seq)

	g.logger.Info("Applied entry", "sequence", seq)
	return OutcomeApplied, g.lastApplied, nil
}

func outcomeLabel(o Outcome, err error) string {
	switch {
	case err == nil:
		return o.String()
	case IsOrderingError(err):
		return "out_of_order"
	default:
		return "invalid"
	}
}

// LastApplied returns the cursor, -1 before the first apply.
func (g *Gate) LastApplied() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastApplied
}

func (g *Gate) Messages() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	messages := make([]string, len(g.delivered))
	for i, e := range g.delivered {
		messages[i] = e.Payload
	}
	return messages
}

func (g *Gate) Entries() []storage.Entry {
	g.mu.Lock()
	defer g.mu.Unlock()

	entries := make([]storage.Entry, len(g.delivered))
	copy(entries, g.delivered)
	return entries
}

// Digest returns the chain digest of the delivered log.
func (g *Gate) Digest() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.chain.Current()
}
