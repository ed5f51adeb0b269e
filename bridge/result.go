package bridge

import (
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

// StateLocal is the result state reported by LocalBridge verifications,
// which bypass consensus entirely.
const StateLocal = "local"

// ConsensusTypeLocal marks a result produced without a quorum.
const ConsensusTypeLocal = "local"

// ProofType is the proof type attached to decided results.
const ProofType = "consensus"

// ConsensusInfo summarizes how a result was reached.
type ConsensusInfo struct {
	Type         string `json:"type,omitempty"` // "local" when no quorum was involved
	Node         string `json:"node,omitempty"`
	PrepareVotes int    `json:"prepare_votes,omitempty"`
	CommitVotes  int    `json:"commit_votes,omitempty"`
	QuorumSize   int    `json:"quorum_size,omitempty"`
	TotalNodes   int    `json:"total_nodes,omitempty"`
}

// Proof is a compact, recomputable attestation of a decided round: a digest
// over the decision plus the list of participating nodes. It is not a
// cryptographic multisignature.
type Proof struct {
	Type      string   `json:"type"`
	Signature string   `json:"signature"`
	Nodes     []string `json:"nodes"`
}

// Result is the stable shape returned to callers of Verify.
type Result struct {
	RequestID string        `json:"request_id"`
	Passed    *bool         `json:"passed"` // nil when the round failed
	State     string        `json:"state"`
	ElapsedMs int64         `json:"elapsed_ms,omitempty"`
	ElapsedUs int64         `json:"elapsed_us,omitempty"` // local mode only
	Consensus ConsensusInfo `json:"consensus"`
	Timestamp int64         `json:"timestamp"`
	Error     string        `json:"error,omitempty"`
	Proof     *Proof        `json:"proof,omitempty"`
}

// Decided reports whether the result carries a final decision.
func (r *Result) Decided() bool {
	return r.Passed != nil
}

// ProofDigest computes the proof digest for a decided round. It is a pure
// function of the request ID, the final result and the commit vote count,
// so anyone holding the decision record can recompute and check it.
func ProofDigest(requestID string, finalResult bool, commitVotes int) string {
	h := sha3.Sum256([]byte(fmt.Sprintf("%s:%t:%d", requestID, finalResult, commitVotes)))
	return strings.ToUpper(hex.EncodeToString(h[:]))[:32]
}
