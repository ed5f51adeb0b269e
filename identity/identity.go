// Package identity provides node identities for the verification network.
//
// This package implements:
//   - Ed25519 key generation and signing
//   - Derived node identifiers
//   - Liveness timestamps
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudflare/circl/sign/ed25519"
	"golang.org/x/crypto/sha3"
)

// NodeIDLength is the length of a derived node identifier in hex characters.
const NodeIDLength = 16

// ErrNoPrivateKey is returned when signing with an identity that only
// carries public key material (e.g. a peer identity learned remotely).
var ErrNoPrivateKey = errors.New("identity has no private key")

// NodeIdentity is the identity of a participant in the verification network.
// The private key is present only on the node that generated the identity;
// identities learned from peers carry the public half alone.
type NodeIdentity struct {
	NodeID       string            `json:"node_id"`
	PublicKey    ed25519.PublicKey `json:"public_key"`
	Endpoint     string            `json:"endpoint"`
	Stake        int64             `json:"stake"`
	RegisteredAt int64             `json:"registered_at"` // unix ms
	LastSeen     int64             `json:"last_seen"`     // unix ms

	privateKey ed25519.PrivateKey
}

// Generate creates a fresh identity for the given endpoint with an Ed25519
// keypair. The node ID is derived from the public key and endpoint.
func Generate(endpoint string, stake int64) (*NodeIdentity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}

	now := time.Now().UnixMilli()
	return &NodeIdentity{
		NodeID:       DeriveNodeID(pub, endpoint),
		PublicKey:    pub,
		Endpoint:     endpoint,
		Stake:        stake,
		RegisteredAt: now,
		LastSeen:     now,
		privateKey:   priv,
	}, nil
}

// DeriveNodeID computes the node identifier for a public key and endpoint.
func DeriveNodeID(pub ed25519.PublicKey, endpoint string) string {
	h := sha3.New256()
	h.Write(pub)
	h.Write([]byte(endpoint))
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil)))[:NodeIDLength]
}

// Sign signs data with the identity's private key and returns the
// hex-encoded signature.
func (n *NodeIdentity) Sign(data []byte) (string, error) {
	if n.privateKey == nil {
		return "", ErrNoPrivateKey
	}
	return hex.EncodeToString(ed25519.Sign(n.privateKey, data)), nil
}

// VerifySignature checks a hex-encoded signature against data using the
// identity's public key. Malformed signatures verify as false.
func (n *NodeIdentity) VerifySignature(data []byte, signature string) bool {
	sig, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	if len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(n.PublicKey, data, sig)
}

// Touch updates the identity's last-seen timestamp.
func (n *NodeIdentity) Touch() {
	n.LastSeen = time.Now().UnixMilli()
}

// CanSign reports whether the identity carries private key material.
func (n *NodeIdentity) CanSign() bool {
	return n.privateKey != nil
}
