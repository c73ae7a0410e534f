// Package primary holds the write path of the primary node: the append-only
// history, the write coordinator and the catch-up synchronizer.
package primary

import (
	"log/slog"
	"sync"

	"github.com/echolog/echolog/internal/hash"
	"github.com/echolog/echolog/internal/sequence"
	"github.com/echolog/echolog/internal/storage"
)

// Journal receives every appended entry. *storage.Journal satisfies it.
type Journal interface {
	Append(entry storage.Entry) error
}

// History is the authoritative, append-only record of accepted writes.
// Sequence assignment and append happen in one critical section, so the
// entry at index i always carries sequence i.
type History struct {
	mu        sync.RWMutex
	sequencer *sequence.Sequencer
	entries   []storage.Entry
	digests   []string
	chain     *hash.Chain

	journal Journal
	logger  *slog.Logger
}

func NewHistory(logger *slog.Logger) *History {
	if logger == nil {
		logger = slog.Default()
	}
	return &History{
		sequencer: sequence.New(),
		entries:   make([]storage.Entry, 0),
		digests:   make([]string, 0),
		chain:     hash.NewChain(),
		logger:    logger,
	}
}

func (h *History) SetJournal(j Journal) {
	h.journal = j
}

// Append assigns the next sequence to payload and records the entry.
func (h *History) Append(payload string) storage.Entry {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry := storage.Entry{
		Sequence: h.sequencer.Next(),
		Payload:  payload,
	}
	h.entries = append(h.entries, entry)
	h.digests = append(h.digests, h.chain.Add(entry.Sequence, entry.Payload))

	if h.journal != nil {
		if err := h.journal.Append(entry); err != nil {
			h.logger.Error("Failed to journal entry", "sequence", entry.Sequence, "error", err)
		}
	}

	return entry
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

func (h *History) Entries() []storage.Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	entries := make([]storage.Entry, len(h.entries))
	copy(entries, h.entries)
	return entries
}

// Since returns every entry after lastKnown. An unknown checkpoint (negative
// or past the end) yields the whole history.
func (h *History) Since(lastKnown int64) []storage.Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	start := 0
	if lastKnown >= 0 && lastKnown < int64(len(h.entries)) {
		start = int(lastKnown) + 1
	}

	entries := make([]storage.Entry, len(h.entries)-start)
	copy(entries, h.entries[start:])
	return entries
}

// LastSequence returns the highest assigned sequence, -1 when empty.
func (h *History) LastSequence() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return int64(len(h.entries)) - 1
}

// DigestAt returns the digest of the prefix ending at seq. seq -1 is the
// empty prefix.
func (h *History) DigestAt(seq int64) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if seq == -1 {
		return hash.Genesis, true
	}
	if seq < 0 || seq >= int64(len(h.digests)) {
		return "", false
	}
	return h.digests[seq], true
}

func (h *History) Digest() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.chain.Current()
}
