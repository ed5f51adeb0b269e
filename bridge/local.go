package bridge

import (
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/sha3"

	"github.com/veribridge/engine/engine"
	"github.com/veribridge/engine/identity"
)

// DefaultHistoryLimit is the default number of entries History returns.
const DefaultHistoryLimit = 100

// maxHistory bounds the in-memory verification history.
const maxHistory = 10000

// LocalBridge is the degenerate single-node mode: no network, no quorum,
// no timeout. Verification runs synchronously and results are appended to
// an in-memory history. Useful for development and testing without
// standing up a network of peers.
type LocalBridge struct {
	verifyFn engine.VerifyFunc
	identity *identity.NodeIdentity

	history []*Result
	mu      sync.Mutex
}

// NewLocalBridge creates a LocalBridge around a verification function.
func NewLocalBridge(verifyFn engine.VerifyFunc) (*LocalBridge, error) {
	id, err := identity.Generate("localhost:8000", localIdentityStake)
	if err != nil {
		return nil, err
	}
	return &LocalBridge{
		verifyFn: verifyFn,
		identity: id,
	}, nil
}

// localIdentityStake is the stake assigned to the throwaway local
// identity; it never registers anywhere.
const localIdentityStake = 1000

// Identity returns the local identity.
func (l *LocalBridge) Identity() *identity.NodeIdentity {
	return l.identity
}

// Verify runs the verification function synchronously and records the
// outcome. Errors from the function propagate to the caller: with no
// quorum to fall back on, there is nothing sensible to decide.
func (l *LocalBridge) Verify(payload map[string]interface{}) (*Result, error) {
	start := time.Now()

	passed, err := l.verifyFn(payload)
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start)

	result := &Result{
		RequestID: localRequestID(payload),
		Passed:    &passed,
		State:     StateLocal,
		ElapsedUs: elapsed.Microseconds(),
		Consensus: ConsensusInfo{
			Type: ConsensusTypeLocal,
			Node: l.identity.NodeID,
		},
		Timestamp: time.Now().UnixMilli(),
	}

	l.mu.Lock()
	l.history = append(l.history, result)
	if len(l.history) > maxHistory {
		l.history = l.history[len(l.history)-maxHistory:]
	}
	l.mu.Unlock()

	return result, nil
}

// History returns up to limit recent results, most recent last. A
// non-positive limit uses DefaultHistoryLimit.
func (l *LocalBridge) History(limit int) []*Result {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	start := 0
	if len(l.history) > limit {
		start = len(l.history) - limit
	}

	out := make([]*Result, len(l.history)-start)
	copy(out, l.history[start:])
	return out
}

// localRequestID derives a request identifier from the payload alone;
// local verifications have no requester or round.
func localRequestID(payload map[string]interface{}) string {
	data, _ := json.Marshal(payload)
	h := sha3.Sum256(data)
	return strings.ToUpper(hex.EncodeToString(h[:]))[:16]
}
