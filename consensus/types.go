// Package consensus implements the per-request state machine for the
// two-phase (PREPARE/COMMIT) verification protocol.
//
// This package implements:
//   - Verification request/response message types
//   - ConsensusRound: vote collection and majority arithmetic
//   - Round state transitions with terminal-state immutability
package consensus

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/sha3"
)

// RequestIDLength is the length of a request identifier in hex characters.
const RequestIDLength = 16

// RoundState is the lifecycle state of a consensus round.
type RoundState int

const (
	StatePending RoundState = iota
	StatePreparing
	StatePrepared
	StateCommitting
	StateCommitted
	StateDecided
	StateFailed
)

func (s RoundState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StatePreparing:
		return "preparing"
	case StatePrepared:
		return "prepared"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateDecided:
		return "decided"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state admits no further transitions.
func (s RoundState) Terminal() bool {
	return s == StateDecided || s == StateFailed
}

// VerificationRequest is an immutable request to verify a payload across
// the network. The request ID incorporates the submission time, so
// re-submitting the same payload always opens a new round.
type VerificationRequest struct {
	RequestID string                 `json:"request_id"`
	Payload   map[string]interface{} `json:"payload"`
	Requester string                 `json:"requester"`
	Timestamp int64                  `json:"timestamp"` // unix ms
	Signature string                 `json:"signature,omitempty"`
}

// NewVerificationRequest builds a request for a payload submitted by the
// given node. The request ID is derived from the payload, requester and
// submission time.
func NewVerificationRequest(payload map[string]interface{}, requester string) *VerificationRequest {
	data, _ := json.Marshal(payload)

	h := sha3.New256()
	h.Write(data)
	h.Write([]byte(requester))
	h.Write([]byte(strconv.FormatInt(time.Now().UnixNano(), 10)))
	id := strings.ToUpper(hex.EncodeToString(h.Sum(nil)))[:RequestIDLength]

	return &VerificationRequest{
		RequestID: id,
		Payload:   payload,
		Requester: requester,
		Timestamp: time.Now().UnixMilli(),
	}
}

// SigningBytes returns the canonical byte serialization covered by the
// requester's signature.
func (r *VerificationRequest) SigningBytes() []byte {
	data, _ := json.Marshal(map[string]interface{}{
		"request_id": r.RequestID,
		"payload":    r.Payload,
		"requester":  r.Requester,
		"timestamp":  r.Timestamp,
	})
	return data
}

// VerificationResponse is a single node's vote on a request. One response
// exists per (request, node) pair; a later response from the same node
// overwrites the earlier one.
type VerificationResponse struct {
	RequestID string `json:"request_id"`
	NodeID    string `json:"node_id"`
	Result    bool   `json:"result"`
	ElapsedUs int64  `json:"elapsed_us"`
	Signature string `json:"signature"`
	Timestamp int64  `json:"timestamp"` // unix ms
}

// NewVerificationResponse builds an unsigned response for a node's vote.
func NewVerificationResponse(requestID, nodeID string, result bool, elapsed time.Duration) *VerificationResponse {
	return &VerificationResponse{
		RequestID: requestID,
		NodeID:    nodeID,
		Result:    result,
		ElapsedUs: elapsed.Microseconds(),
		Timestamp: time.Now().UnixMilli(),
	}
}

// VoteSigningBytes returns the canonical bytes a node signs when casting a
// PREPARE or COMMIT vote. Both phases use the same shape; the request ID
// already binds the vote to a single round.
func VoteSigningBytes(requestID, nodeID string, result bool) []byte {
	return []byte(fmt.Sprintf("%s:%s:%t", requestID, nodeID, result))
}
