package bridge

import (
	"strings"
	"testing"
)

func TestProofDigest(t *testing.T) {
	d := ProofDigest("REQ1", true, 4)

	if len(d) != 32 {
		t.Errorf("Expected digest length 32, got %d", len(d))
	}
	if d != strings.ToUpper(d) {
		t.Errorf("Expected upper-case digest, got %s", d)
	}
	if ProofDigest("REQ1", true, 4) != d {
		t.Error("Expected digest to be deterministic")
	}
}

func TestProofDigestSensitivity(t *testing.T) {
	base := ProofDigest("REQ1", true, 4)

	if ProofDigest("REQ2", true, 4) == base {
		t.Error("Expected request ID to change the digest")
	}
	if ProofDigest("REQ1", false, 4) == base {
		t.Error("Expected final result to change the digest")
	}
	if ProofDigest("REQ1", true, 5) == base {
		t.Error("Expected commit count to change the digest")
	}
}

func TestResultDecided(t *testing.T) {
	r := &Result{}
	if r.Decided() {
		t.Error("Expected result without a verdict to be undecided")
	}

	passed := false
	r.Passed = &passed
	if !r.Decided() {
		t.Error("Expected result with a verdict to be decided")
	}
}
