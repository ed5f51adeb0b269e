// Package bridge implements the orchestrator of the distributed
// verification protocol. A Bridge owns one node identity, the node
// registry, the table of in-flight consensus rounds and the bounded pool
// that runs the caller-supplied verification function; it drives the
// two-phase PREPARE/COMMIT protocol and emits decided results with proofs.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/veribridge/engine/api"
	"github.com/veribridge/engine/consensus"
	"github.com/veribridge/engine/engine"
	"github.com/veribridge/engine/identity"
	"github.com/veribridge/engine/network"
	"github.com/veribridge/engine/registry"
)

// Timeout failure reasons surfaced in Result.Error.
const (
	ReasonPrepareTimeout = "Prepare phase timeout"
	ReasonCommitTimeout  = "Commit phase timeout"
)

// activeWindow is the recency window used for the active-node count in
// network stats. Quorum arithmetic does not use it.
const activeWindow = 5 * time.Minute

// quorumPollInterval is how often a coordination task re-checks whether a
// phase has reached quorum.
const quorumPollInterval = 5 * time.Millisecond

// Common errors for bridge operations
var (
	ErrBridgeClosed = errors.New("bridge is shut down")
	ErrStakeTooLow  = errors.New("stake below registry minimum")
)

// Config holds configuration for a Bridge.
type Config struct {
	// Workers is the width of the local verification pool.
	Workers int

	// DefaultTimeout is the end-to-end budget for Verify when the caller
	// does not pass one explicitly.
	DefaultTimeout time.Duration

	// MinStake is the registration gate enforced by the registry.
	MinStake int64

	// MaxRounds bounds the in-flight/recently-decided round table.
	MaxRounds int

	// StrictLocal fails the round when the local verification function
	// returns an error, instead of recording a false vote.
	StrictLocal bool

	// Metrics receives protocol observations when non-nil.
	Metrics *api.Metrics
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Workers:        engine.DefaultWorkers,
		DefaultTimeout: 5 * time.Second,
		MinStake:       registry.DefaultMinStake,
		MaxRounds:      10000,
	}
}

// Bridge connects a node into the distributed verification mesh. Every
// node can verify independently; consensus across the quorum makes the
// result trustworthy up to f = floor((n-1)/3) faulty nodes.
type Bridge struct {
	identity  *identity.NodeIdentity
	registry  *registry.NodeRegistry
	verifyFn  engine.VerifyFunc
	transport network.PeerTransport
	pool      *engine.VerifyPool
	rounds    *RoundTable
	config    *Config
	metrics   *api.Metrics

	decided   map[string]bool // request_id -> final result
	decidedMu sync.RWMutex

	closed bool
	mu     sync.Mutex
}

// New creates a Bridge for the given identity. The identity is registered
// into a fresh registry, so its stake must meet the minimum. The transport
// receives the bridge as its inbound vote handler.
func New(id *identity.NodeIdentity, verifyFn engine.VerifyFunc, transport network.PeerTransport, config *Config) (*Bridge, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if id == nil || !id.CanSign() {
		return nil, errors.New("bridge requires a local identity with signing keys")
	}
	if verifyFn == nil {
		return nil, errors.New("bridge requires a verification function")
	}
	if transport == nil {
		return nil, errors.New("bridge requires a peer transport")
	}

	reg := registry.NewNodeRegistryWithMinStake(config.MinStake)
	if !reg.Register(id) {
		return nil, fmt.Errorf("%w: local node stake %d < %d", ErrStakeTooLow, id.Stake, config.MinStake)
	}

	b := &Bridge{
		identity:  id,
		registry:  reg,
		verifyFn:  verifyFn,
		transport: transport,
		pool:      engine.NewVerifyPool("bridge-verify", config.Workers),
		rounds:    NewRoundTable(config.MaxRounds),
		config:    config,
		metrics:   config.Metrics,
		decided:   make(map[string]bool),
	}

	transport.SetHandler(b)
	return b, nil
}

// Identity returns the local node identity.
func (b *Bridge) Identity() *identity.NodeIdentity {
	return b.identity
}

// Registry returns the bridge's node registry.
func (b *Bridge) Registry() *registry.NodeRegistry {
	return b.registry
}

// Verify runs the payload through distributed consensus using the default
// timeout.
func (b *Bridge) Verify(ctx context.Context, payload map[string]interface{}) (*Result, error) {
	return b.VerifyTimeout(ctx, payload, b.config.DefaultTimeout)
}

// VerifyTimeout runs the payload through distributed consensus. A single
// end-to-end deadline, derived once here, covers local verification and
// both voting phases. A timeout in either phase yields a failed result
// with a phase-specific reason, never an error return.
func (b *Bridge) VerifyTimeout(ctx context.Context, payload map[string]interface{}, timeout time.Duration) (*Result, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBridgeClosed
	}
	b.mu.Unlock()

	req := consensus.NewVerificationRequest(payload, b.identity.NodeID)
	sig, err := b.identity.Sign(req.SigningBytes())
	if err != nil {
		return nil, fmt.Errorf("failed to sign request: %w", err)
	}
	req.Signature = sig

	round := consensus.NewConsensusRound(req)
	if err := b.rounds.Add(round); err != nil {
		return nil, err
	}

	if b.metrics != nil {
		b.metrics.VerificationsTotal.Inc()
		b.metrics.RoundsInFlight.Set(float64(b.rounds.InFlight()))
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	// Phase 1: local verification off the coordination path, then PREPARE.
	localVote, failure := b.localVote(ctx, round)
	if failure != "" {
		round.Fail(failure)
		return b.finishRound(round, start), nil
	}
	round.RecordPrepare(b.identity.NodeID, localVote)
	b.broadcastVote(ctx, network.KindPrepare, req.RequestID, localVote)

	if !b.awaitPhase(ctx, round.TryPrepare) {
		round.Fail(ReasonPrepareTimeout)
		return b.finishRound(round, start), nil
	}

	// Phase 2: commit to the prepare majority.
	prepareResult, _ := round.PrepareResult()
	round.BeginCommit()
	round.RecordCommit(b.identity.NodeID, prepareResult)
	b.broadcastVote(ctx, network.KindCommit, req.RequestID, prepareResult)

	if !b.awaitPhase(ctx, round.TryCommit) {
		round.Fail(ReasonCommitTimeout)
		return b.finishRound(round, start), nil
	}

	// Phase 3: decide.
	final, ok := round.Decide()
	if ok {
		b.decidedMu.Lock()
		b.decided[req.RequestID] = final
		b.decidedMu.Unlock()
	}

	return b.finishRound(round, start), nil
}

// localVote obtains this node's own vote by dispatching the verification
// function to the bounded pool. An error or panic in the function counts
// as a false vote unless StrictLocal is set, in which case the round fails
// before PREPARE is broadcast.
func (b *Bridge) localVote(ctx context.Context, round *consensus.ConsensusRound) (vote bool, failure string) {
	job := engine.NewJob(round.RequestID, round.Request.Payload, b.verifyFn)
	job.Ctx = ctx

	if err := b.pool.Submit(job); err != nil {
		if b.config.StrictLocal {
			return false, "local verification failed: " + err.Error()
		}
		log.Printf("bridge: local verification not scheduled for %s: %v", round.RequestID, err)
		return false, ""
	}

	res, err := job.Wait(ctx)
	if err != nil {
		// Deadline expired while the local check was still running.
		return false, ReasonPrepareTimeout
	}
	if res.Err != nil {
		if b.config.StrictLocal {
			return false, "local verification failed: " + res.Err.Error()
		}
		log.Printf("bridge: local verification errored for %s, voting false: %v", round.RequestID, res.Err)
		return false, ""
	}
	return res.Passed, ""
}

// broadcastVote signs and fans a vote out to all peers.
func (b *Bridge) broadcastVote(ctx context.Context, kind network.MessageKind, requestID string, result bool) {
	sig, err := b.identity.Sign(consensus.VoteSigningBytes(requestID, b.identity.NodeID, result))
	if err != nil {
		log.Printf("bridge: failed to sign %s vote for %s: %v", kind, requestID, err)
		return
	}

	msg := &network.VoteMessage{
		Kind:      kind,
		RequestID: requestID,
		NodeID:    b.identity.NodeID,
		Result:    result,
		Signature: sig,
		Timestamp: time.Now(),
	}

	var bErr error
	if kind == network.KindPrepare {
		bErr = b.transport.BroadcastPrepare(ctx, msg)
	} else {
		bErr = b.transport.BroadcastCommit(ctx, msg)
	}
	if bErr != nil {
		log.Printf("bridge: %s broadcast for %s: %v", kind, requestID, bErr)
	}
}

// awaitPhase polls until the phase transition succeeds or the deadline
// expires. The quorum size is snapshotted at each check; membership
// changes mid-round never retroactively invalidate a recorded quorum.
func (b *Bridge) awaitPhase(ctx context.Context, try func(quorum int) bool) bool {
	ticker := time.NewTicker(quorumPollInterval)
	defer ticker.Stop()

	for {
		if try(b.registry.QuorumSize()) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// finishRound records metrics for a terminated round and builds its result.
func (b *Bridge) finishRound(round *consensus.ConsensusRound, start time.Time) *Result {
	if b.metrics != nil {
		b.metrics.RecordVerification(round.State() == consensus.StateDecided, time.Since(start))
		b.metrics.RecordRoundVotes(round.PrepareVoteCount(), round.CommitVoteCount())
		b.metrics.RoundsInFlight.Set(float64(b.rounds.InFlight()))
		b.metrics.UpdateMembership(b.registry.Len(), b.registry.QuorumSize())
		poolStats := b.pool.GetStats()
		b.metrics.UpdateVerifyPool(int(poolStats.Active), poolStats.Pending)
	}
	return b.buildResult(round)
}

// buildResult assembles the caller-facing result, attaching a proof only
// when the round is decided.
func (b *Bridge) buildResult(round *consensus.ConsensusRound) *Result {
	now := time.Now().UnixMilli()
	endedAt := round.DecidedAt()
	if endedAt == 0 {
		endedAt = now
	}

	result := &Result{
		RequestID: round.RequestID,
		Passed:    round.FinalResult(),
		State:     round.State().String(),
		ElapsedMs: endedAt - round.StartedAt(),
		Consensus: ConsensusInfo{
			PrepareVotes: round.PrepareVoteCount(),
			CommitVotes:  round.CommitVoteCount(),
			QuorumSize:   b.registry.QuorumSize(),
			TotalNodes:   b.registry.Len(),
		},
		Timestamp: now,
	}

	if reason := round.Failure(); reason != "" {
		result.Error = reason
	}

	if final := round.FinalResult(); final != nil {
		result.Proof = &Proof{
			Type:      ProofType,
			Signature: ProofDigest(round.RequestID, *final, round.CommitVoteCount()),
			Nodes:     round.Participants(),
		}
	}

	return result
}

// ReceivePrepare handles an inbound PREPARE vote. Votes for unknown rounds
// or from unregistered nodes are dropped silently (counted for
// monitoring); the signature must verify against the sender's registered
// public key before the vote is recorded.
func (b *Bridge) ReceivePrepare(requestID, nodeID string, result bool, signature string) {
	round := b.rounds.Get(requestID)
	if round == nil {
		return
	}

	if !b.acceptVote(requestID, nodeID, result, signature) {
		return
	}

	if !round.RecordPrepare(nodeID, result) && b.metrics != nil {
		b.metrics.LateVoteIgnored.Inc()
	}
}

// ReceiveCommit handles an inbound COMMIT vote with the same validation as
// ReceivePrepare.
func (b *Bridge) ReceiveCommit(requestID, nodeID string, result bool, signature string) {
	round := b.rounds.Get(requestID)
	if round == nil {
		return
	}

	if !b.acceptVote(requestID, nodeID, result, signature) {
		return
	}

	if !round.RecordCommit(nodeID, result) && b.metrics != nil {
		b.metrics.LateVoteIgnored.Inc()
	}
}

// acceptVote validates a vote's sender and signature.
func (b *Bridge) acceptVote(requestID, nodeID string, result bool, signature string) bool {
	node := b.registry.Get(nodeID)
	if node == nil {
		if b.metrics != nil {
			b.metrics.UnknownVoterDropped.Inc()
		}
		log.Printf("bridge: dropping vote for %s from unknown node %s", requestID, nodeID)
		return false
	}

	if !node.VerifySignature(consensus.VoteSigningBytes(requestID, nodeID, result), signature) {
		if b.metrics != nil {
			b.metrics.BadSignatureDropped.Inc()
		}
		log.Printf("bridge: dropping vote for %s from %s: bad signature", requestID, nodeID)
		return false
	}

	b.registry.MarkSeen(nodeID)
	return true
}

// HandlePrepare implements network.VoteHandler.
func (b *Bridge) HandlePrepare(requestID, nodeID string, result bool, signature string) {
	b.ReceivePrepare(requestID, nodeID, result, signature)
}

// HandleCommit implements network.VoteHandler.
func (b *Bridge) HandleCommit(requestID, nodeID string, result bool, signature string) {
	b.ReceiveCommit(requestID, nodeID, result, signature)
}

// AddNode generates an identity for a new peer, registers it and makes it
// reachable on the transport.
func (b *Bridge) AddNode(endpoint string, stake int64) (*identity.NodeIdentity, error) {
	node, err := identity.Generate(endpoint, stake)
	if err != nil {
		return nil, err
	}
	return node, b.AddPeerIdentity(node)
}

// AddPeerIdentity registers an existing identity and makes it reachable on
// the transport.
func (b *Bridge) AddPeerIdentity(node *identity.NodeIdentity) error {
	if !b.registry.Register(node) {
		return fmt.Errorf("%w: node %s stake %d < %d", ErrStakeTooLow, node.NodeID, node.Stake, b.registry.MinStake())
	}
	if err := b.transport.AddPeer(node); err != nil {
		b.registry.Unregister(node.NodeID)
		return err
	}
	if b.metrics != nil {
		b.metrics.UpdateMembership(b.registry.Len(), b.registry.QuorumSize())
	}
	return nil
}

// RemoveNode gracefully removes a node from the registry and transport.
func (b *Bridge) RemoveNode(nodeID string) {
	b.registry.Unregister(nodeID)
	b.transport.RemovePeer(nodeID)
	if b.metrics != nil {
		b.metrics.UpdateMembership(b.registry.Len(), b.registry.QuorumSize())
	}
}

// SlashNode punitively removes a node, returning whether it was present.
func (b *Bridge) SlashNode(nodeID, evidence string) bool {
	slashed := b.registry.Slash(nodeID, evidence)
	if slashed {
		b.transport.RemovePeer(nodeID)
		if b.metrics != nil {
			b.metrics.UpdateMembership(b.registry.Len(), b.registry.QuorumSize())
		}
	}
	return slashed
}

// Decided returns the cached final result for an already-decided request.
func (b *Bridge) Decided(requestID string) (result, ok bool) {
	b.decidedMu.RLock()
	defer b.decidedMu.RUnlock()
	result, ok = b.decided[requestID]
	return result, ok
}

// NetworkStats is a read-only diagnostic snapshot of the bridge.
type NetworkStats struct {
	TotalNodes     int              `json:"total_nodes"`
	ActiveNodes    int              `json:"active_nodes"`
	QuorumSize     int              `json:"quorum_size"`
	TotalStake     int64            `json:"total_stake"`
	RoundsInFlight int              `json:"rounds_in_flight"`
	RoundsDecided  int              `json:"rounds_decided"`
	ThisNode       string           `json:"this_node"`
	VerifyPool     engine.PoolStats `json:"verify_pool"`
}

// GetNetworkStats returns current network statistics.
func (b *Bridge) GetNetworkStats() NetworkStats {
	b.decidedMu.RLock()
	decided := len(b.decided)
	b.decidedMu.RUnlock()

	return NetworkStats{
		TotalNodes:     b.registry.Len(),
		ActiveNodes:    len(b.registry.Active(activeWindow)),
		QuorumSize:     b.registry.QuorumSize(),
		TotalStake:     b.registry.TotalStake(),
		RoundsInFlight: b.rounds.InFlight(),
		RoundsDecided:  decided,
		ThisNode:       b.identity.NodeID,
		VerifyPool:     b.pool.GetStats(),
	}
}

// Shutdown releases the verification pool and the transport. Safe to call
// more than once.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.pool.Shutdown()
	if err := b.transport.Close(); err != nil {
		log.Printf("bridge: transport close: %v", err)
	}
}
