// Package audit converts decided verification results into Apache Arrow
// record batches and IPC payloads suitable for an external append-only
// ledger. The engine itself persists nothing; this package is the
// forwarding format.
package audit

import (
	"github.com/apache/arrow-go/v18/arrow"
)

// DecisionSchema returns the Arrow schema for a decided verification.
//
// Fields:
//   - request_id: string - Round identifier
//   - passed: bool - Final decision
//   - state: string - Terminal round state
//   - prepare_votes: int64 - PREPARE votes collected
//   - commit_votes: int64 - COMMIT votes collected
//   - quorum_size: int64 - Quorum size at result build time
//   - total_nodes: int64 - Registered nodes at result build time
//   - proof_digest: string - Recomputable proof digest
//   - participants: list<string> - Node IDs that cast COMMIT votes
//   - decided_at: int64 - Decision timestamp, unix ms
//   - elapsed_ms: int64 - Round duration
func DecisionSchema() *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "request_id", Type: arrow.BinaryTypes.String},
			{Name: "passed", Type: arrow.FixedWidthTypes.Boolean},
			{Name: "state", Type: arrow.BinaryTypes.String},
			{Name: "prepare_votes", Type: arrow.PrimitiveTypes.Int64},
			{Name: "commit_votes", Type: arrow.PrimitiveTypes.Int64},
			{Name: "quorum_size", Type: arrow.PrimitiveTypes.Int64},
			{Name: "total_nodes", Type: arrow.PrimitiveTypes.Int64},
			{Name: "proof_digest", Type: arrow.BinaryTypes.String},
			{Name: "participants", Type: arrow.ListOf(arrow.BinaryTypes.String)},
			{Name: "decided_at", Type: arrow.PrimitiveTypes.Int64},
			{Name: "elapsed_ms", Type: arrow.PrimitiveTypes.Int64},
		},
		nil,
	)
}
