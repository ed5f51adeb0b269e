// Package network provides peer transports for the verification protocol.
//
// This package implements:
//   - PeerTransport: the capability the bridge depends on for PREPARE/COMMIT fan-out
//   - ZmqTransport: ZeroMQ ROUTER/DEALER transport for real deployments
//   - LoopbackTransport: in-process peer simulation for development and tests
package network

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/veribridge/engine/consensus"
	"github.com/veribridge/engine/identity"
)

// Common errors for transport operations
var (
	ErrTransportClosed = errors.New("transport is closed")
	ErrPeerNotFound    = errors.New("peer not found")
	ErrSendFailed      = errors.New("failed to send message")
)

// MessageKind distinguishes the two voting phases on the wire.
type MessageKind string

const (
	KindPrepare MessageKind = "prepare"
	KindCommit  MessageKind = "commit"
)

// VoteMessage is the wire shape exchanged during a round. Both phases carry
// the same fields; Kind selects the phase.
type VoteMessage struct {
	Kind      MessageKind `json:"kind"`
	RequestID string      `json:"request_id"`
	NodeID    string      `json:"node_id"`
	Result    bool        `json:"result"`
	Signature string      `json:"signature"`
	Timestamp time.Time   `json:"timestamp"`
	Nonce     string      `json:"nonce,omitempty"`
}

// VoteHandler receives inbound votes from a transport. The bridge implements
// this to record peer votes into the owning round.
type VoteHandler interface {
	HandlePrepare(requestID, nodeID string, result bool, signature string)
	HandleCommit(requestID, nodeID string, result bool, signature string)
}

// PeerTransport is the capability the bridge uses to reach its peers. The
// consensus logic never talks to the network directly; deployments inject
// ZmqTransport, tests and single-host development inject LoopbackTransport.
type PeerTransport interface {
	// AddPeer makes a node reachable for broadcasts.
	AddPeer(node *identity.NodeIdentity) error

	// RemovePeer drops a node from the broadcast set. Unknown IDs are a no-op.
	RemovePeer(nodeID string)

	// BroadcastPrepare sends a PREPARE vote to every peer.
	BroadcastPrepare(ctx context.Context, msg *VoteMessage) error

	// BroadcastCommit sends a COMMIT vote to every peer.
	BroadcastCommit(ctx context.Context, msg *VoteMessage) error

	// SetHandler installs the receiver for inbound votes.
	SetHandler(h VoteHandler)

	// Close releases transport resources. Safe to call more than once.
	Close() error
}

// PeerVoteFunc decides how a simulated peer votes on a PREPARE broadcast.
type PeerVoteFunc func(peerID string, msg *VoteMessage) bool

// LoopbackConfig configures the in-process peer simulation.
type LoopbackConfig struct {
	// MinDelay and MaxDelay bound the simulated network latency per peer.
	MinDelay time.Duration
	MaxDelay time.Duration

	// PassRate is the probability a simulated peer votes true in PREPARE
	// when no VoteFunc is set.
	PassRate float64

	// VoteFunc overrides the random vote with a scripted one.
	VoteFunc PeerVoteFunc

	// Mute silences all simulated peers (used to exercise timeouts).
	Mute bool
}

// DefaultLoopbackConfig returns the simulation defaults: 1-10ms latency and
// a 90% pass rate.
func DefaultLoopbackConfig() LoopbackConfig {
	return LoopbackConfig{
		MinDelay: time.Millisecond,
		MaxDelay: 10 * time.Millisecond,
		PassRate: 0.9,
	}
}

// LoopbackTransport simulates the peer network in-process. Peers added to it
// hold their own signing keys, so the votes it synthesizes carry valid
// signatures and flow through the same inbound validation as real traffic.
type LoopbackTransport struct {
	config  LoopbackConfig
	peers   map[string]*identity.NodeIdentity
	handler VoteHandler
	closed  bool
	wg      sync.WaitGroup
	mu      sync.RWMutex
}

// NewLoopbackTransport creates a loopback transport with the given config.
func NewLoopbackTransport(config LoopbackConfig) *LoopbackTransport {
	return &LoopbackTransport{
		config: config,
		peers:  make(map[string]*identity.NodeIdentity),
	}
}

// AddPeer registers a simulated peer.
func (t *LoopbackTransport) AddPeer(node *identity.NodeIdentity) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}
	t.peers[node.NodeID] = node
	return nil
}

// RemovePeer drops a simulated peer.
func (t *LoopbackTransport) RemovePeer(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, nodeID)
}

// SetHandler installs the inbound vote receiver.
func (t *LoopbackTransport) SetHandler(h VoteHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// BroadcastPrepare fans the PREPARE out to every simulated peer. Each peer
// responds after a random delay with its own (random or scripted) vote.
func (t *LoopbackTransport) BroadcastPrepare(ctx context.Context, msg *VoteMessage) error {
	return t.broadcast(ctx, msg, func(peer *identity.NodeIdentity) bool {
		if t.config.VoteFunc != nil {
			return t.config.VoteFunc(peer.NodeID, msg)
		}
		return rand.Float64() < t.config.PassRate
	})
}

// BroadcastCommit fans the COMMIT out; simulated peers ratify the broadcast
// value, mirroring honest nodes committing to the prepare majority.
func (t *LoopbackTransport) BroadcastCommit(ctx context.Context, msg *VoteMessage) error {
	return t.broadcast(ctx, msg, func(peer *identity.NodeIdentity) bool {
		return msg.Result
	})
}

func (t *LoopbackTransport) broadcast(ctx context.Context, msg *VoteMessage, vote func(*identity.NodeIdentity) bool) error {
	t.mu.RLock()
	if t.closed {
		t.mu.RUnlock()
		return ErrTransportClosed
	}
	if t.config.Mute {
		t.mu.RUnlock()
		return nil
	}
	peers := make([]*identity.NodeIdentity, 0, len(t.peers))
	for _, p := range t.peers {
		if p.NodeID != msg.NodeID {
			peers = append(peers, p)
		}
	}
	handler := t.handler
	t.mu.RUnlock()

	if handler == nil {
		return nil
	}

	for _, peer := range peers {
		t.wg.Add(1)
		go func(peer *identity.NodeIdentity) {
			defer t.wg.Done()

			select {
			case <-ctx.Done():
				return
			case <-time.After(t.delay()):
			}

			result := vote(peer)
			sig, err := peer.Sign(consensus.VoteSigningBytes(msg.RequestID, peer.NodeID, result))
			if err != nil {
				return
			}

			switch msg.Kind {
			case KindPrepare:
				handler.HandlePrepare(msg.RequestID, peer.NodeID, result, sig)
			case KindCommit:
				handler.HandleCommit(msg.RequestID, peer.NodeID, result, sig)
			}
		}(peer)
	}

	return nil
}

func (t *LoopbackTransport) delay() time.Duration {
	min, max := t.config.MinDelay, t.config.MaxDelay
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)))
}

// Close stops the transport and waits for in-flight simulated responses.
func (t *LoopbackTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}
