// Package registry maintains the membership table of verification nodes
// and derives the quorum size used by consensus rounds.
package registry

import (
	"log"
	"sync"
	"time"

	"github.com/veribridge/engine/identity"
)

// DefaultMinStake is the minimum stake required to register a node.
const DefaultMinStake = 1000

// NodeRegistry is the thread-safe membership table. Quorum size is derived
// from the full registered membership on every access; recency filtering via
// Active is a separate, diagnostics-only view.
type NodeRegistry struct {
	minStake int64
	nodes    map[string]*identity.NodeIdentity
	mu       sync.RWMutex
}

// NewNodeRegistry creates an empty registry with the default minimum stake.
func NewNodeRegistry() *NodeRegistry {
	return NewNodeRegistryWithMinStake(DefaultMinStake)
}

// NewNodeRegistryWithMinStake creates an empty registry with a custom
// minimum stake requirement.
func NewNodeRegistryWithMinStake(minStake int64) *NodeRegistry {
	return &NodeRegistry{
		minStake: minStake,
		nodes:    make(map[string]*identity.NodeIdentity),
	}
}

// MinStake returns the registry's minimum stake requirement.
func (r *NodeRegistry) MinStake() int64 {
	return r.minStake
}

// Register inserts a node into the registry. It returns false without
// mutating state when the node's stake is below the minimum.
func (r *NodeRegistry) Register(node *identity.NodeIdentity) bool {
	if node == nil || node.Stake < r.minStake {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[node.NodeID] = node
	return true
}

// Unregister removes a node. Removing an absent node is a no-op.
func (r *NodeRegistry) Unregister(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, nodeID)
}

// Slash permanently removes a misbehaving node, returning whether it was
// present. The evidence string is logged so a companion ledger can pick up
// stake forfeiture; there is no un-slash.
func (r *NodeRegistry) Slash(nodeID, evidence string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[nodeID]; !ok {
		return false
	}
	delete(r.nodes, nodeID)
	log.Printf("registry: slashed node %s (evidence: %s)", nodeID, evidence)
	return true
}

// Get returns the node for an ID, or nil if unknown.
func (r *NodeRegistry) Get(nodeID string) *identity.NodeIdentity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nodes[nodeID]
}

// All returns a snapshot of all registered nodes.
func (r *NodeRegistry) All() []*identity.NodeIdentity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]*identity.NodeIdentity, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, n)
	}
	return nodes
}

// Len returns the number of registered nodes.
func (r *NodeRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

// QuorumSize returns floor(2n/3)+1 over the current membership. It is
// recomputed on every call so it always reflects live membership; callers
// inside a round snapshot the value at each termination check.
func (r *NodeRegistry) QuorumSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return (2*len(r.nodes))/3 + 1
}

// Active returns nodes whose last-seen timestamp falls within maxAge.
// This is a pure filter for diagnostics; quorum arithmetic deliberately
// uses total registered membership instead.
func (r *NodeRegistry) Active(maxAge time.Duration) []*identity.NodeIdentity {
	cutoff := time.Now().Add(-maxAge).UnixMilli()

	r.mu.RLock()
	defer r.mu.RUnlock()

	active := make([]*identity.NodeIdentity, 0, len(r.nodes))
	for _, n := range r.nodes {
		if n.LastSeen >= cutoff {
			active = append(active, n)
		}
	}
	return active
}

// MarkSeen updates a node's last-seen timestamp, if it is registered.
func (r *NodeRegistry) MarkSeen(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[nodeID]; ok {
		n.Touch()
	}
}

// TotalStake returns the sum of stake across registered nodes.
func (r *NodeRegistry) TotalStake() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total int64
	for _, n := range r.nodes {
		total += n.Stake
	}
	return total
}
