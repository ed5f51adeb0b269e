package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/google/uuid"

	"github.com/veribridge/engine/identity"
)

// peerEntry is a reachable peer on the ZMQ transport.
type peerEntry struct {
	NodeID   string    `json:"node_id"`
	Endpoint string    `json:"endpoint"`
	LastSeen time.Time `json:"last_seen"`
}

// ZmqTransport is a ZeroMQ-based PeerTransport. It binds a ROUTER socket
// for inbound votes and keeps one DEALER socket per peer for outbound
// broadcasts. Messages are JSON frames with a nonce-based replay cache.
type ZmqTransport struct {
	nodeID  string
	address string

	ctx    context.Context
	cancel context.CancelFunc

	router  zmq4.Socket            // ROUTER socket for receiving
	dealers map[string]zmq4.Socket // DEALER sockets for sending (per peer)

	peers   map[string]*peerEntry
	handler VoteHandler
	mu      sync.RWMutex

	msgChan chan *VoteMessage

	// Replay protection
	replayCache     map[string]time.Time
	replayCacheMu   sync.Mutex
	replayTolerance time.Duration

	running bool
	wg      sync.WaitGroup
}

// NewZmqTransport creates a ZMQ transport for the local node, bound to the
// given address (e.g. "tcp://127.0.0.1:5555").
func NewZmqTransport(nodeID, address string) *ZmqTransport {
	ctx, cancel := context.WithCancel(context.Background())

	return &ZmqTransport{
		nodeID:          nodeID,
		address:         address,
		ctx:             ctx,
		cancel:          cancel,
		dealers:         make(map[string]zmq4.Socket),
		peers:           make(map[string]*peerEntry),
		msgChan:         make(chan *VoteMessage, 1000),
		replayCache:     make(map[string]time.Time),
		replayTolerance: 60 * time.Second,
	}
}

// Start binds the ROUTER socket and begins receiving votes.
func (t *ZmqTransport) Start() error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return errors.New("transport already running")
	}

	t.router = zmq4.NewRouter(t.ctx, zmq4.WithID(zmq4.SocketIdentity(t.nodeID)))

	if err := t.router.Listen(t.address); err != nil {
		t.mu.Unlock()
		return fmt.Errorf("failed to bind router: %w", err)
	}

	t.running = true
	t.mu.Unlock()

	t.wg.Add(1)
	go t.receiverLoop()

	t.wg.Add(1)
	go t.dispatchLoop()

	t.wg.Add(1)
	go t.replayCacheCleaner()

	return nil
}

// AddPeer makes a node reachable via its endpoint.
func (t *ZmqTransport) AddPeer(node *identity.NodeIdentity) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.peers[node.NodeID] = &peerEntry{
		NodeID:   node.NodeID,
		Endpoint: node.Endpoint,
		LastSeen: time.Now(),
	}
	return nil
}

// RemovePeer drops a peer and closes its DEALER socket if present.
func (t *ZmqTransport) RemovePeer(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.peers, nodeID)

	if dealer, ok := t.dealers[nodeID]; ok {
		_ = dealer.Close()
		delete(t.dealers, nodeID)
	}
}

// SetHandler installs the inbound vote receiver.
func (t *ZmqTransport) SetHandler(h VoteHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = h
}

// BroadcastPrepare sends a PREPARE vote to every peer.
func (t *ZmqTransport) BroadcastPrepare(ctx context.Context, msg *VoteMessage) error {
	msg.Kind = KindPrepare
	return t.broadcast(ctx, msg)
}

// BroadcastCommit sends a COMMIT vote to every peer.
func (t *ZmqTransport) BroadcastCommit(ctx context.Context, msg *VoteMessage) error {
	msg.Kind = KindCommit
	return t.broadcast(ctx, msg)
}

func (t *ZmqTransport) broadcast(ctx context.Context, msg *VoteMessage) error {
	t.mu.RLock()
	if !t.running {
		t.mu.RUnlock()
		return ErrTransportClosed
	}
	peers := make([]*peerEntry, 0, len(t.peers))
	for _, p := range t.peers {
		if p.NodeID != msg.NodeID {
			peers = append(peers, p)
		}
	}
	t.mu.RUnlock()

	msg.Timestamp = time.Now()
	msg.Nonce = uuid.NewString()

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal vote message: %w", err)
	}

	var lastErr error
	for _, peer := range peers {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := t.sendTo(peer, data); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (t *ZmqTransport) sendTo(peer *peerEntry, data []byte) error {
	dealer, err := t.getOrCreateDealer(peer.NodeID, peer.Endpoint)
	if err != nil {
		return err
	}
	if err := dealer.Send(zmq4.NewMsg(data)); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

// getOrCreateDealer gets or creates a DEALER socket for a peer.
func (t *ZmqTransport) getOrCreateDealer(peerID, endpoint string) (zmq4.Socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if dealer, ok := t.dealers[peerID]; ok {
		return dealer, nil
	}

	dealer := zmq4.NewDealer(t.ctx, zmq4.WithID(zmq4.SocketIdentity(t.nodeID)))
	if err := dealer.Dial(endpoint); err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", endpoint, err)
	}

	t.dealers[peerID] = dealer
	return dealer, nil
}

// receiverLoop continuously receives votes from the ROUTER socket.
func (t *ZmqTransport) receiverLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
			msg, err := t.router.Recv()
			if err != nil {
				select {
				case <-t.ctx.Done():
					return
				default:
					continue
				}
			}

			var vote VoteMessage
			if err := json.Unmarshal(msg.Bytes(), &vote); err != nil {
				continue
			}

			if !t.passesReplayCheck(&vote) {
				continue
			}

			t.mu.Lock()
			if peer, ok := t.peers[vote.NodeID]; ok {
				peer.LastSeen = time.Now()
			}
			t.mu.Unlock()

			select {
			case t.msgChan <- &vote:
			default:
				// Channel full, drop message
			}
		}
	}
}

// dispatchLoop hands received votes to the handler.
func (t *ZmqTransport) dispatchLoop() {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		case vote, ok := <-t.msgChan:
			if !ok {
				return
			}

			t.mu.RLock()
			handler := t.handler
			t.mu.RUnlock()

			if handler == nil {
				continue
			}

			switch vote.Kind {
			case KindPrepare:
				handler.HandlePrepare(vote.RequestID, vote.NodeID, vote.Result, vote.Signature)
			case KindCommit:
				handler.HandleCommit(vote.RequestID, vote.NodeID, vote.Result, vote.Signature)
			}
		}
	}
}

// passesReplayCheck rejects votes whose nonce was already seen or whose
// timestamp falls outside the tolerance window.
func (t *ZmqTransport) passesReplayCheck(msg *VoteMessage) bool {
	if msg.Nonce == "" {
		return true // No nonce, skip replay check
	}

	t.replayCacheMu.Lock()
	defer t.replayCacheMu.Unlock()

	if _, seen := t.replayCache[msg.Nonce]; seen {
		return false
	}
	if time.Since(msg.Timestamp) > t.replayTolerance {
		return false
	}

	t.replayCache[msg.Nonce] = time.Now()
	return true
}

// replayCacheCleaner periodically evicts old entries from the replay cache.
func (t *ZmqTransport) replayCacheCleaner() {
	defer t.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.cleanReplayCache()
		}
	}
}

func (t *ZmqTransport) cleanReplayCache() {
	t.replayCacheMu.Lock()
	defer t.replayCacheMu.Unlock()

	cutoff := time.Now().Add(-t.replayTolerance)
	for nonce, ts := range t.replayCache {
		if ts.Before(cutoff) {
			delete(t.replayCache, nonce)
		}
	}
}

// TransportStats contains transport statistics.
type TransportStats struct {
	NodeID    string `json:"node_id"`
	Address   string `json:"address"`
	PeerCount int    `json:"peer_count"`
	IsRunning bool   `json:"is_running"`
	QueueSize int    `json:"queue_size"`
}

// GetStats returns current transport statistics.
func (t *ZmqTransport) GetStats() TransportStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return TransportStats{
		NodeID:    t.nodeID,
		Address:   t.address,
		PeerCount: len(t.peers),
		IsRunning: t.running,
		QueueSize: len(t.msgChan),
	}
}

// Close shuts the transport down. Safe to call more than once.
func (t *ZmqTransport) Close() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	t.mu.Unlock()

	t.cancel()

	if t.router != nil {
		_ = t.router.Close()
	}
	for _, dealer := range t.dealers {
		_ = dealer.Close()
	}

	t.wg.Wait()
	return nil
}
