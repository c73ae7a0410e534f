// Package sequence hands out the total order of accepted writes.
package sequence

import (
	"errors"
	"math"
	"sync"
)

// ErrExhausted is raised (as a panic value) when the counter has issued
// math.MaxUint64 and cannot advance without reusing a sequence.
var ErrExhausted = errors.New("sequence counter exhausted")

// Sequencer issues strictly increasing sequence numbers starting at zero,
// with no gaps and no repeats for the lifetime of the process.
type Sequencer struct {
	mu        sync.Mutex
	next      uint64
	exhausted bool
}

func New() *Sequencer {
	return &Sequencer{}
}

// Next returns the next sequence. It panics with ErrExhausted once every
// uint64 value has been issued.
func (s *Sequencer) Next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.exhausted {
		panic(ErrExhausted)
	}

	n := s.next
	if n == math.MaxUint64 {
		s.exhausted = true
	} else {
		s.next++
	}
	return n
}

// Peek returns the sequence the next call to Next will issue.
func (s *Sequencer) Peek() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}
