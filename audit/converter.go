package audit

import (
	"errors"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/veribridge/engine/bridge"
)

// ErrNoDecisions is returned when converting or flushing an empty batch.
var ErrNoDecisions = errors.New("no decisions to convert")

// ErrNotDecided is returned when a result without a final decision is
// appended; failed rounds are not audit material.
var ErrNotDecided = errors.New("result carries no decision")

// DecisionRecord is the flattened audit row for one decided verification.
type DecisionRecord struct {
	RequestID    string   `json:"request_id"`
	Passed       bool     `json:"passed"`
	State        string   `json:"state"`
	PrepareVotes int64    `json:"prepare_votes"`
	CommitVotes  int64    `json:"commit_votes"`
	QuorumSize   int64    `json:"quorum_size"`
	TotalNodes   int64    `json:"total_nodes"`
	ProofDigest  string   `json:"proof_digest"`
	Participants []string `json:"participants"`
	DecidedAt    int64    `json:"decided_at"`
	ElapsedMs    int64    `json:"elapsed_ms"`
}

// FromResult flattens a decided bridge result into an audit row.
func FromResult(res *bridge.Result) (DecisionRecord, error) {
	if res == nil || res.Passed == nil || res.Proof == nil {
		return DecisionRecord{}, ErrNotDecided
	}

	return DecisionRecord{
		RequestID:    res.RequestID,
		Passed:       *res.Passed,
		State:        res.State,
		PrepareVotes: int64(res.Consensus.PrepareVotes),
		CommitVotes:  int64(res.Consensus.CommitVotes),
		QuorumSize:   int64(res.Consensus.QuorumSize),
		TotalNodes:   int64(res.Consensus.TotalNodes),
		ProofDigest:  res.Proof.Signature,
		Participants: res.Proof.Nodes,
		DecidedAt:    res.Timestamp,
		ElapsedMs:    res.ElapsedMs,
	}, nil
}

// Converter builds Arrow record batches from decision records.
type Converter struct {
	allocator memory.Allocator
	schema    *arrow.Schema
}

// NewConverter creates a Converter with the default memory allocator.
func NewConverter() *Converter {
	return &Converter{
		allocator: memory.DefaultAllocator,
		schema:    DecisionSchema(),
	}
}

// DecisionsToRecord converts a slice of decision records to an Arrow
// record batch. The caller must Release the returned record.
func (c *Converter) DecisionsToRecord(decisions []DecisionRecord) (arrow.Record, error) {
	if len(decisions) == 0 {
		return nil, ErrNoDecisions
	}

	builder := array.NewRecordBuilder(c.allocator, c.schema)
	defer builder.Release()

	requestID := builder.Field(0).(*array.StringBuilder)
	passed := builder.Field(1).(*array.BooleanBuilder)
	state := builder.Field(2).(*array.StringBuilder)
	prepareVotes := builder.Field(3).(*array.Int64Builder)
	commitVotes := builder.Field(4).(*array.Int64Builder)
	quorumSize := builder.Field(5).(*array.Int64Builder)
	totalNodes := builder.Field(6).(*array.Int64Builder)
	proofDigest := builder.Field(7).(*array.StringBuilder)
	participants := builder.Field(8).(*array.ListBuilder)
	participantValues := participants.ValueBuilder().(*array.StringBuilder)
	decidedAt := builder.Field(9).(*array.Int64Builder)
	elapsedMs := builder.Field(10).(*array.Int64Builder)

	for _, d := range decisions {
		requestID.Append(d.RequestID)
		passed.Append(d.Passed)
		state.Append(d.State)
		prepareVotes.Append(d.PrepareVotes)
		commitVotes.Append(d.CommitVotes)
		quorumSize.Append(d.QuorumSize)
		totalNodes.Append(d.TotalNodes)
		proofDigest.Append(d.ProofDigest)

		participants.Append(true)
		for _, p := range d.Participants {
			participantValues.Append(p)
		}

		decidedAt.Append(d.DecidedAt)
		elapsedMs.Append(d.ElapsedMs)
	}

	return builder.NewRecord(), nil
}

// Exporter buffers decided results and flushes them as Arrow IPC payloads
// for the external ledger.
type Exporter struct {
	converter *Converter
	writer    *IPCWriter

	pending []DecisionRecord
	mu      sync.Mutex
}

// NewExporter creates an empty Exporter.
func NewExporter() *Exporter {
	return &Exporter{
		converter: NewConverter(),
		writer:    NewIPCWriter(),
	}
}

// Append buffers a decided result. Results without a decision are
// rejected with ErrNotDecided.
func (e *Exporter) Append(res *bridge.Result) error {
	record, err := FromResult(res)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.pending = append(e.pending, record)
	e.mu.Unlock()
	return nil
}

// Pending returns the number of buffered decisions.
func (e *Exporter) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Flush drains the buffer into a single Arrow IPC payload.
func (e *Exporter) Flush() ([]byte, error) {
	e.mu.Lock()
	batch := e.pending
	e.pending = nil
	e.mu.Unlock()

	if len(batch) == 0 {
		return nil, ErrNoDecisions
	}

	record, err := e.converter.DecisionsToRecord(batch)
	if err != nil {
		return nil, err
	}
	defer record.Release()

	return e.writer.SerializeToIPC(record)
}
