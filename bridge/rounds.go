package bridge

import (
	"errors"
	"sync"

	"github.com/veribridge/engine/consensus"
)

// Common errors for round table operations
var (
	ErrRoundTableFull = errors.New("round table is full")
	ErrRoundExists    = errors.New("round already exists")
)

// RoundTable holds in-flight and recently terminated consensus rounds,
// keyed by request ID, with thread-safe operations.
type RoundTable struct {
	rounds  map[string]*consensus.ConsensusRound
	maxSize int
	mu      sync.RWMutex
}

// NewRoundTable creates a RoundTable with the specified maximum size.
func NewRoundTable(maxSize int) *RoundTable {
	return &RoundTable{
		rounds:  make(map[string]*consensus.ConsensusRound),
		maxSize: maxSize,
	}
}

// Add inserts a round. Returns an error if the table is full or a round
// with the same request ID already exists.
func (t *RoundTable) Add(round *consensus.ConsensusRound) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.rounds[round.RequestID]; exists {
		return ErrRoundExists
	}
	if len(t.rounds) >= t.maxSize {
		// Make room by evicting terminal rounds before refusing.
		for id, r := range t.rounds {
			if r.Terminal() {
				delete(t.rounds, id)
			}
		}
		if len(t.rounds) >= t.maxSize {
			return ErrRoundTableFull
		}
	}

	t.rounds[round.RequestID] = round
	return nil
}

// Get returns the round for a request ID, or nil if unknown.
func (t *RoundTable) Get(requestID string) *consensus.ConsensusRound {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rounds[requestID]
}

// Remove deletes a round. Removing an absent round is a no-op.
func (t *RoundTable) Remove(requestID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rounds, requestID)
}

// Len returns the number of rounds in the table.
func (t *RoundTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rounds)
}

// InFlight returns the number of rounds that are not yet terminal.
func (t *RoundTable) InFlight() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	count := 0
	for _, r := range t.rounds {
		if !r.Terminal() {
			count++
		}
	}
	return count
}
