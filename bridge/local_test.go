package bridge

import (
	"errors"
	"testing"
)

func TestLocalBridgeVerify(t *testing.T) {
	lb, err := NewLocalBridge(passBelow(1000))
	if err != nil {
		t.Fatalf("NewLocalBridge failed: %v", err)
	}

	res, err := lb.Verify(map[string]interface{}{"value": 500.0})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}

	if res.Passed == nil || !*res.Passed {
		t.Error("Expected verification to pass")
	}
	if res.State != StateLocal {
		t.Errorf("Expected state %s, got %s", StateLocal, res.State)
	}
	if res.Consensus.Type != ConsensusTypeLocal {
		t.Errorf("Expected consensus type %s, got %s", ConsensusTypeLocal, res.Consensus.Type)
	}
	if res.Consensus.Node != lb.Identity().NodeID {
		t.Errorf("Expected node %s, got %s", lb.Identity().NodeID, res.Consensus.Node)
	}
	if res.ElapsedUs < 0 {
		t.Errorf("Expected non-negative elapsed, got %d", res.ElapsedUs)
	}
	if res.Proof != nil {
		t.Error("Expected no proof outside consensus")
	}

	history := lb.History(0)
	if len(history) != 1 {
		t.Fatalf("Expected 1 history entry, got %d", len(history))
	}
	if history[0].RequestID != res.RequestID {
		t.Error("Expected history to hold the result")
	}
}

func TestLocalBridgeVerifyFail(t *testing.T) {
	lb, _ := NewLocalBridge(passBelow(1000))

	res, err := lb.Verify(map[string]interface{}{"value": 5000.0})
	if err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
	if res.Passed == nil || *res.Passed {
		t.Error("Expected verification to fail the check")
	}
}

func TestLocalBridgeErrorPropagates(t *testing.T) {
	wantErr := errors.New("backend unavailable")
	lb, _ := NewLocalBridge(func(map[string]interface{}) (bool, error) {
		return false, wantErr
	})

	if _, err := lb.Verify(map[string]interface{}{"value": 1.0}); err != wantErr {
		t.Errorf("Expected error to propagate, got %v", err)
	}
	if len(lb.History(0)) != 0 {
		t.Error("Expected errored verification not to be recorded")
	}
}

func TestLocalBridgeHistoryLimit(t *testing.T) {
	lb, _ := NewLocalBridge(passBelow(1000))

	for i := 0; i < 10; i++ {
		if _, err := lb.Verify(map[string]interface{}{"value": float64(i)}); err != nil {
			t.Fatalf("Verify failed: %v", err)
		}
	}

	history := lb.History(3)
	if len(history) != 3 {
		t.Fatalf("Expected 3 history entries, got %d", len(history))
	}

	// Most recent last.
	all := lb.History(100)
	if len(all) != 10 {
		t.Fatalf("Expected 10 history entries, got %d", len(all))
	}
	for i, h := range all[7:] {
		if h.RequestID != history[i].RequestID {
			t.Error("Expected limited history to hold the most recent results")
		}
	}
}

func TestLocalRequestIDDeterministic(t *testing.T) {
	payload := map[string]interface{}{"value": 1.0}
	a := localRequestID(payload)
	b := localRequestID(payload)

	if a != b {
		t.Error("Expected same payload to yield the same local request ID")
	}
	if len(a) != 16 {
		t.Errorf("Expected request ID length 16, got %d", len(a))
	}
	if other := localRequestID(map[string]interface{}{"value": 2.0}); other == a {
		t.Error("Expected different payload to yield a different request ID")
	}
}
