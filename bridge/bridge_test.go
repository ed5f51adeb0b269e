package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/veribridge/engine/consensus"
	"github.com/veribridge/engine/identity"
	"github.com/veribridge/engine/network"
)

// passBelow returns a verification function that passes payloads whose
// "value" field is below the threshold.
func passBelow(threshold float64) func(map[string]interface{}) (bool, error) {
	return func(payload map[string]interface{}) (bool, error) {
		v, _ := payload["value"].(float64)
		return v < threshold, nil
	}
}

func fastLoopback(voteFn network.PeerVoteFunc) *network.LoopbackTransport {
	cfg := network.DefaultLoopbackConfig()
	cfg.MinDelay = 100 * time.Microsecond
	cfg.MaxDelay = time.Millisecond
	cfg.VoteFunc = voteFn
	return network.NewLoopbackTransport(cfg)
}

func newTestBridge(t *testing.T, voteFn network.PeerVoteFunc, peers int) *Bridge {
	t.Helper()

	id, err := identity.Generate("tcp://127.0.0.1:5555", 5000)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	b, err := New(id, passBelow(1000), fastLoopback(voteFn), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(b.Shutdown)

	for i := 0; i < peers; i++ {
		if _, err := b.AddNode("tcp://peer:5555", 2000); err != nil {
			t.Fatalf("AddNode failed: %v", err)
		}
	}
	return b
}

func TestNewValidation(t *testing.T) {
	id, _ := identity.Generate("tcp://127.0.0.1:5555", 5000)
	transport := network.NewLoopbackTransport(network.DefaultLoopbackConfig())
	verifyFn := passBelow(1000)

	if _, err := New(nil, verifyFn, transport, nil); err == nil {
		t.Error("Expected nil identity to be rejected")
	}
	if _, err := New(id, nil, transport, nil); err == nil {
		t.Error("Expected nil verify function to be rejected")
	}
	if _, err := New(id, verifyFn, nil, nil); err == nil {
		t.Error("Expected nil transport to be rejected")
	}

	// Peer identities learned remotely have no signing keys.
	peer := &identity.NodeIdentity{NodeID: id.NodeID, PublicKey: id.PublicKey, Stake: 5000}
	if _, err := New(peer, verifyFn, transport, nil); err == nil {
		t.Error("Expected identity without private key to be rejected")
	}
}

func TestNewStakeTooLow(t *testing.T) {
	id, _ := identity.Generate("tcp://127.0.0.1:5555", 100)
	transport := network.NewLoopbackTransport(network.DefaultLoopbackConfig())

	_, err := New(id, passBelow(1000), transport, nil)
	if !errors.Is(err, ErrStakeTooLow) {
		t.Errorf("Expected ErrStakeTooLow, got %v", err)
	}
}

func TestVerifyDecidesTrue(t *testing.T) {
	allTrue := func(string, *network.VoteMessage) bool { return true }
	b := newTestBridge(t, allTrue, 4)

	res, err := b.Verify(context.Background(), map[string]interface{}{"value": 500.0})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	if res.State != "decided" {
		t.Fatalf("Expected state decided, got %s (error: %s)", res.State, res.Error)
	}
	if res.Passed == nil || !*res.Passed {
		t.Error("Expected verification to pass")
	}
	if res.Consensus.TotalNodes != 5 {
		t.Errorf("Expected 5 total nodes, got %d", res.Consensus.TotalNodes)
	}
	if res.Consensus.QuorumSize != 4 {
		t.Errorf("Expected quorum 4, got %d", res.Consensus.QuorumSize)
	}
	if res.Consensus.PrepareVotes < 4 {
		t.Errorf("Expected at least 4 prepare votes, got %d", res.Consensus.PrepareVotes)
	}
	if res.Consensus.CommitVotes < 4 {
		t.Errorf("Expected at least 4 commit votes, got %d", res.Consensus.CommitVotes)
	}
	if len(res.RequestID) != consensus.RequestIDLength {
		t.Errorf("Expected request ID length %d, got %d", consensus.RequestIDLength, len(res.RequestID))
	}
	if res.ElapsedMs < 0 {
		t.Errorf("Expected non-negative elapsed, got %d", res.ElapsedMs)
	}
}

func TestVerifyDecidesFalse(t *testing.T) {
	allTrue := func(string, *network.VoteMessage) bool { return true }
	b := newTestBridge(t, allTrue, 4)

	// Local vote is false, but the peer majority carries the round.
	res, err := b.Verify(context.Background(), map[string]interface{}{"value": 5000.0})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if res.State != "decided" {
		t.Fatalf("Expected state decided, got %s", res.State)
	}
	if res.Passed == nil || !*res.Passed {
		t.Error("Expected peer majority true to win over the local false vote")
	}
}

func TestVerifyPeerMajorityFalse(t *testing.T) {
	allFalse := func(string, *network.VoteMessage) bool { return false }
	b := newTestBridge(t, allFalse, 4)

	res, err := b.Verify(context.Background(), map[string]interface{}{"value": 500.0})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if res.State != "decided" {
		t.Fatalf("Expected state decided, got %s", res.State)
	}
	if res.Passed == nil || *res.Passed {
		t.Error("Expected peer majority false to decide false")
	}
}

func TestVerifyProof(t *testing.T) {
	allTrue := func(string, *network.VoteMessage) bool { return true }
	b := newTestBridge(t, allTrue, 4)

	res, err := b.Verify(context.Background(), map[string]interface{}{"value": 1.0})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if res.Proof == nil {
		t.Fatal("Expected a proof on a decided result")
	}
	if res.Proof.Type != ProofType {
		t.Errorf("Expected proof type %s, got %s", ProofType, res.Proof.Type)
	}
	if len(res.Proof.Nodes) != res.Consensus.CommitVotes {
		t.Errorf("Expected %d proof nodes, got %d", res.Consensus.CommitVotes, len(res.Proof.Nodes))
	}

	want := ProofDigest(res.RequestID, *res.Passed, res.Consensus.CommitVotes)
	if res.Proof.Signature != want {
		t.Errorf("Expected proof digest to be recomputable, want %s got %s", want, res.Proof.Signature)
	}
}

func TestVerifyPrepareTimeout(t *testing.T) {
	cfg := network.DefaultLoopbackConfig()
	cfg.Mute = true

	id, _ := identity.Generate("tcp://127.0.0.1:5555", 5000)
	b, err := New(id, passBelow(1000), network.NewLoopbackTransport(cfg), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(b.Shutdown)
	for i := 0; i < 4; i++ {
		b.AddNode("tcp://peer:5555", 2000)
	}

	start := time.Now()
	res, err := b.VerifyTimeout(context.Background(), map[string]interface{}{"value": 1.0}, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Expected timeout to surface in the result, got error %v", err)
	}

	if res.State != "failed" {
		t.Errorf("Expected state failed, got %s", res.State)
	}
	if res.Passed != nil {
		t.Error("Expected no verdict on a failed round")
	}
	if res.Error != ReasonPrepareTimeout {
		t.Errorf("Expected error %q, got %q", ReasonPrepareTimeout, res.Error)
	}
	if res.Proof != nil {
		t.Error("Expected no proof on a failed round")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Expected prompt timeout, took %v", elapsed)
	}
}

func TestVerifySingleNode(t *testing.T) {
	// Quorum over a single node is 1; the local vote alone decides.
	b := newTestBridge(t, nil, 0)

	res, err := b.Verify(context.Background(), map[string]interface{}{"value": 100.0})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if res.State != "decided" {
		t.Fatalf("Expected state decided, got %s", res.State)
	}
	if res.Passed == nil || !*res.Passed {
		t.Error("Expected local vote to decide a single-node network")
	}
	if res.Consensus.QuorumSize != 1 {
		t.Errorf("Expected quorum 1, got %d", res.Consensus.QuorumSize)
	}
}

func TestConcurrentVerifies(t *testing.T) {
	allTrue := func(string, *network.VoteMessage) bool { return true }
	b := newTestBridge(t, allTrue, 4)

	const n = 10
	results := make(chan *Result, n)
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		go func(v float64) {
			res, err := b.Verify(context.Background(), map[string]interface{}{"value": v})
			if err != nil {
				errs <- err
				return
			}
			results <- res
		}(float64(i))
	}

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			t.Fatalf("Verify failed: %v", err)
		case res := <-results:
			if res.State != "decided" {
				t.Errorf("Expected state decided, got %s (error: %s)", res.State, res.Error)
			}
			if seen[res.RequestID] {
				t.Errorf("Expected distinct request IDs, got duplicate %s", res.RequestID)
			}
			seen[res.RequestID] = true
		case <-time.After(10 * time.Second):
			t.Fatal("Timed out waiting for concurrent verifies")
		}
	}
}

func TestDecidedCache(t *testing.T) {
	allTrue := func(string, *network.VoteMessage) bool { return true }
	b := newTestBridge(t, allTrue, 4)

	res, err := b.Verify(context.Background(), map[string]interface{}{"value": 1.0})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	final, ok := b.Decided(res.RequestID)
	if !ok {
		t.Fatal("Expected decided cache to hold the request")
	}
	if final != *res.Passed {
		t.Errorf("Expected cached result %t, got %t", *res.Passed, final)
	}

	if _, ok := b.Decided("UNKNOWN"); ok {
		t.Error("Expected unknown request to miss the cache")
	}
}

func TestReceiveUnknownRound(t *testing.T) {
	b := newTestBridge(t, nil, 0)

	// Votes for unknown rounds must be dropped without effect.
	b.ReceivePrepare("UNKNOWN", b.Identity().NodeID, true, "sig")
	b.ReceiveCommit("UNKNOWN", b.Identity().NodeID, true, "sig")
}

func TestStrictLocal(t *testing.T) {
	id, _ := identity.Generate("tcp://127.0.0.1:5555", 5000)
	cfg := DefaultConfig()
	cfg.StrictLocal = true

	failing := func(map[string]interface{}) (bool, error) {
		return false, errors.New("backend unavailable")
	}
	b, err := New(id, failing, fastLoopback(nil), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(b.Shutdown)

	res, err := b.Verify(context.Background(), map[string]interface{}{"value": 1.0})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if res.State != "failed" {
		t.Errorf("Expected state failed under StrictLocal, got %s", res.State)
	}
	if res.Error == "" {
		t.Error("Expected a failure reason")
	}
}

func TestLocalErrorVotesFalse(t *testing.T) {
	// Without StrictLocal a local error becomes a false vote; honest peers
	// ratify whatever majority forms.
	id, _ := identity.Generate("tcp://127.0.0.1:5555", 5000)
	failing := func(map[string]interface{}) (bool, error) {
		return true, errors.New("backend unavailable")
	}
	allFalse := func(string, *network.VoteMessage) bool { return false }

	b, err := New(id, failing, fastLoopback(allFalse), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(b.Shutdown)
	for i := 0; i < 4; i++ {
		b.AddNode("tcp://peer:5555", 2000)
	}

	res, err := b.Verify(context.Background(), map[string]interface{}{"value": 1.0})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if res.State != "decided" {
		t.Fatalf("Expected state decided, got %s", res.State)
	}
	if res.Passed == nil || *res.Passed {
		t.Error("Expected unanimous false to decide false")
	}
}

func TestAddNodeStakeGate(t *testing.T) {
	b := newTestBridge(t, nil, 0)

	if _, err := b.AddNode("tcp://peer:5555", 100); !errors.Is(err, ErrStakeTooLow) {
		t.Errorf("Expected ErrStakeTooLow, got %v", err)
	}
	if b.Registry().Len() != 1 {
		t.Errorf("Expected only the local node registered, got %d", b.Registry().Len())
	}
}

func TestRemoveNode(t *testing.T) {
	b := newTestBridge(t, nil, 2)

	node, err := b.AddNode("tcp://peer:5555", 2000)
	if err != nil {
		t.Fatalf("AddNode failed: %v", err)
	}
	if b.Registry().Len() != 4 {
		t.Fatalf("Expected 4 nodes, got %d", b.Registry().Len())
	}

	b.RemoveNode(node.NodeID)
	if b.Registry().Get(node.NodeID) != nil {
		t.Error("Expected node to be removed")
	}
	if b.Registry().Len() != 3 {
		t.Errorf("Expected 3 nodes, got %d", b.Registry().Len())
	}
}

func TestSlashNode(t *testing.T) {
	b := newTestBridge(t, nil, 1)

	node, _ := b.AddNode("tcp://peer:5555", 2000)
	if !b.SlashNode(node.NodeID, "equivocation in round REQ1") {
		t.Error("Expected slashing a registered node to return true")
	}
	if b.Registry().Get(node.NodeID) != nil {
		t.Error("Expected slashed node to be gone")
	}
	if b.SlashNode(node.NodeID, "again") {
		t.Error("Expected slashing an absent node to return false")
	}
}

func TestGetNetworkStats(t *testing.T) {
	b := newTestBridge(t, nil, 3)

	stats := b.GetNetworkStats()
	if stats.TotalNodes != 4 {
		t.Errorf("Expected 4 total nodes, got %d", stats.TotalNodes)
	}
	if stats.QuorumSize != 3 {
		t.Errorf("Expected quorum 3, got %d", stats.QuorumSize)
	}
	if stats.TotalStake != 5000+3*2000 {
		t.Errorf("Expected total stake 11000, got %d", stats.TotalStake)
	}
	if stats.ThisNode != b.Identity().NodeID {
		t.Errorf("Expected this node %s, got %s", b.Identity().NodeID, stats.ThisNode)
	}
}

// captureTransport hands broadcast messages to the test instead of a
// network, so inbound votes can be driven by hand.
type captureTransport struct {
	prepares chan *network.VoteMessage
	commits  chan *network.VoteMessage
}

func newCaptureTransport() *captureTransport {
	return &captureTransport{
		prepares: make(chan *network.VoteMessage, 8),
		commits:  make(chan *network.VoteMessage, 8),
	}
}

func (c *captureTransport) AddPeer(*identity.NodeIdentity) error { return nil }
func (c *captureTransport) RemovePeer(string)                    {}
func (c *captureTransport) SetHandler(network.VoteHandler)       {}
func (c *captureTransport) Close() error                         { return nil }

func (c *captureTransport) BroadcastPrepare(_ context.Context, msg *network.VoteMessage) error {
	c.prepares <- msg
	return nil
}

func (c *captureTransport) BroadcastCommit(_ context.Context, msg *network.VoteMessage) error {
	c.commits <- msg
	return nil
}

func signedVote(t *testing.T, node *identity.NodeIdentity, requestID string, result bool) string {
	t.Helper()
	sig, err := node.Sign(consensus.VoteSigningBytes(requestID, node.NodeID, result))
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	return sig
}

func TestVoteValidation(t *testing.T) {
	id, _ := identity.Generate("tcp://127.0.0.1:5555", 5000)
	transport := newCaptureTransport()

	b, err := New(id, passBelow(1000), transport, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(b.Shutdown)

	peer1, _ := identity.Generate("tcp://peer1:5555", 2000)
	peer2, _ := identity.Generate("tcp://peer2:5555", 2000)
	outsider, _ := identity.Generate("tcp://outsider:5555", 2000)
	b.AddPeerIdentity(peer1)
	b.AddPeerIdentity(peer2)

	type verifyOut struct {
		res *Result
		err error
	}
	out := make(chan verifyOut, 1)
	go func() {
		res, err := b.VerifyTimeout(context.Background(), map[string]interface{}{"value": 1.0}, 5*time.Second)
		out <- verifyOut{res, err}
	}()

	var prepare *network.VoteMessage
	select {
	case prepare = <-transport.prepares:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a prepare broadcast")
	}
	reqID := prepare.RequestID

	// An unregistered node's vote is dropped even with a valid signature.
	b.ReceivePrepare(reqID, outsider.NodeID, true, signedVote(t, outsider, reqID, true))
	// A registered node's vote with a bogus signature is dropped too.
	b.ReceivePrepare(reqID, peer1.NodeID, true, "DEADBEEF")

	// Genuine votes complete the round.
	b.ReceivePrepare(reqID, peer1.NodeID, true, signedVote(t, peer1, reqID, true))
	b.ReceivePrepare(reqID, peer2.NodeID, true, signedVote(t, peer2, reqID, true))

	select {
	case <-transport.commits:
	case <-time.After(2 * time.Second):
		t.Fatal("Expected a commit broadcast")
	}
	b.ReceiveCommit(reqID, peer1.NodeID, true, signedVote(t, peer1, reqID, true))
	b.ReceiveCommit(reqID, peer2.NodeID, true, signedVote(t, peer2, reqID, true))

	v := <-out
	if v.err != nil {
		t.Fatalf("Verify failed: %v", v.err)
	}
	if v.res.State != "decided" {
		t.Fatalf("Expected state decided, got %s (error: %s)", v.res.State, v.res.Error)
	}
	if v.res.Passed == nil || !*v.res.Passed {
		t.Error("Expected round to pass")
	}
	// Exactly local + 2 registered peers: the dropped votes never counted.
	if v.res.Consensus.PrepareVotes != 3 {
		t.Errorf("Expected 3 prepare votes, got %d", v.res.Consensus.PrepareVotes)
	}
	if v.res.Consensus.CommitVotes != 3 {
		t.Errorf("Expected 3 commit votes, got %d", v.res.Consensus.CommitVotes)
	}
}

func TestShutdown(t *testing.T) {
	b := newTestBridge(t, nil, 0)

	b.Shutdown()
	b.Shutdown() // idempotent

	if _, err := b.Verify(context.Background(), map[string]interface{}{"value": 1.0}); err != ErrBridgeClosed {
		t.Errorf("Expected ErrBridgeClosed, got %v", err)
	}
}
