package consensus

import (
	"sort"
	"sync"
	"time"
)

// ConsensusRound holds the votes and state for a single request. All vote
// recording and state transitions are serialized under the round's mutex,
// so concurrently arriving PREPARE/COMMIT messages never tear the counts.
// Rounds for different requests are fully independent.
type ConsensusRound struct {
	RequestID string
	Request   *VerificationRequest

	mu           sync.Mutex
	state        RoundState
	prepareVotes map[string]bool
	commitVotes  map[string]bool
	finalResult  *bool
	failure      string
	startedAt    int64 // unix ms
	decidedAt    int64 // unix ms, 0 until decided
}

// NewConsensusRound creates a round for a request. A fresh round moves from
// pending to preparing at the instant of creation.
func NewConsensusRound(req *VerificationRequest) *ConsensusRound {
	return &ConsensusRound{
		RequestID:    req.RequestID,
		Request:      req,
		state:        StatePreparing,
		prepareVotes: make(map[string]bool),
		commitVotes:  make(map[string]bool),
		startedAt:    time.Now().UnixMilli(),
	}
}

// State returns the current round state.
func (r *ConsensusRound) State() RoundState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Terminal reports whether the round has reached a terminal state.
func (r *ConsensusRound) Terminal() bool {
	return r.State().Terminal()
}

// RecordPrepare records a node's PREPARE vote. Votes arriving after the
// round is terminal are ignored; a later vote from the same node in the
// same phase overwrites the earlier one. Returns whether the vote was
// recorded.
func (r *ConsensusRound) RecordPrepare(nodeID string, result bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Terminal() {
		return false
	}
	r.prepareVotes[nodeID] = result
	return true
}

// RecordCommit records a node's COMMIT vote, with the same terminality and
// overwrite semantics as RecordPrepare.
func (r *ConsensusRound) RecordCommit(nodeID string, result bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Terminal() {
		return false
	}
	r.commitVotes[nodeID] = result
	return true
}

// PrepareVoteCount returns the number of distinct PREPARE voters.
func (r *ConsensusRound) PrepareVoteCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.prepareVotes)
}

// CommitVoteCount returns the number of distinct COMMIT voters.
func (r *ConsensusRound) CommitVoteCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.commitVotes)
}

// PrepareResult computes the phase-1 majority. A tie resolves to false:
// the phase passes only with strictly more passing than failing votes.
// ok is false when no prepare votes exist.
func (r *ConsensusRound) PrepareResult() (result, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.prepareVotes) == 0 {
		return false, false
	}
	passes := 0
	for _, v := range r.prepareVotes {
		if v {
			passes++
		}
	}
	fails := len(r.prepareVotes) - passes
	return passes > fails, true
}

// TryPrepare transitions preparing -> prepared when the prepare vote count
// has reached the quorum size snapshotted by the caller. Returns whether
// the transition happened.
func (r *ConsensusRound) TryPrepare(quorum int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StatePreparing || len(r.prepareVotes) < quorum {
		return false
	}
	r.state = StatePrepared
	return true
}

// BeginCommit transitions prepared -> committing.
func (r *ConsensusRound) BeginCommit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StatePrepared {
		return false
	}
	r.state = StateCommitting
	return true
}

// TryCommit transitions committing -> committed when the commit vote count
// has reached the quorum size snapshotted by the caller.
func (r *ConsensusRound) TryCommit(quorum int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateCommitting || len(r.commitVotes) < quorum {
		return false
	}
	r.state = StateCommitted
	return true
}

// Decide transitions committed -> decided, fixing the final result as the
// strict majority of commit votes (trues > half the vote count) and
// stamping the decision time. Returns the final result and whether the
// transition happened.
func (r *ConsensusRound) Decide() (result, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != StateCommitted {
		return false, false
	}

	trues := 0
	for _, v := range r.commitVotes {
		if v {
			trues++
		}
	}
	final := trues > len(r.commitVotes)/2

	r.finalResult = &final
	r.state = StateDecided
	r.decidedAt = time.Now().UnixMilli()
	return final, true
}

// Fail moves a non-terminal round into the failed state with a reason.
// Failing an already-terminal round is a no-op.
func (r *ConsensusRound) Fail(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state.Terminal() {
		return
	}
	r.state = StateFailed
	r.failure = reason
}

// Failure returns the failure reason, or "" if the round has not failed.
func (r *ConsensusRound) Failure() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failure
}

// FinalResult returns the decided result, or nil while undecided. The
// pointer is non-nil exactly when the round state is decided.
func (r *ConsensusRound) FinalResult() *bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.finalResult == nil {
		return nil
	}
	v := *r.finalResult
	return &v
}

// Participants returns the sorted node IDs that cast COMMIT votes.
func (r *ConsensusRound) Participants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.commitVotes))
	for id := range r.commitVotes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// StartedAt returns the round start time in unix milliseconds.
func (r *ConsensusRound) StartedAt() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startedAt
}

// DecidedAt returns the decision time in unix milliseconds, or 0 while
// undecided.
func (r *ConsensusRound) DecidedAt() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.decidedAt
}
