// Package bulk implements the OpenSearch-style batching sink (C5): sized
// bulk accumulation, retry classification with backoff, dead-letter
// handling, and the index-management collaborator.
package bulk

import (
	"encoding/json"
	"fmt"
)

// Action selects the bulk operation verb.
type Action string

const (
	ActionIndex  Action = "index"
	ActionCreate Action = "create"
)

// Operation is one bulk index/create request, per spec §3.
type Operation struct {
	Action             Action
	TargetIndex        string
	DocumentID         string // empty means omitted from the action metadata
	Document           string // serialized JSON document
	EstimatedSizeBytes int
}

type actionMeta struct {
	Index *actionMetaBody `json:"index,omitempty"`
	Create *actionMetaBody `json:"create,omitempty"`
}

type actionMetaBody struct {
	Index string `json:"_index"`
	ID    string `json:"_id,omitempty"`
}

// metadataLine renders the `{"index": {...}}` / `{"create": {...}}` action
// line of the bulk wire format, per spec §6.
func (op Operation) metadataLine() ([]byte, error) {
	body := &actionMetaBody{Index: op.TargetIndex}
	if op.DocumentID != "" {
		body.ID = op.DocumentID
	}
	var meta actionMeta
	switch op.Action {
	case ActionCreate:
		meta.Create = body
	default:
		meta.Index = body
	}
	return json.Marshal(meta)
}

// EstimateSize computes the operation's contribution to the accumulator's
// byte estimate: the action metadata line, the document line, and their
// trailing newlines — exactly what the wire payload will contain, so the
// estimate and the actual payload length agree precisely (spec §6's
// testable byte-estimate bound).
func EstimateSize(op Operation) (int, error) {
	meta, err := op.metadataLine()
	if err != nil {
		return 0, fmt.Errorf("bulk: estimate size: %w", err)
	}
	return len(meta) + 1 + len(op.Document) + 1, nil
}

// NewOperation builds an Operation with its byte estimate pre-computed.
func NewOperation(action Action, targetIndex, documentID, document string) (Operation, error) {
	op := Operation{Action: action, TargetIndex: targetIndex, DocumentID: documentID, Document: document}
	size, err := EstimateSize(op)
	if err != nil {
		return Operation{}, err
	}
	op.EstimatedSizeBytes = size
	return op, nil
}

// AccumulatingBulkRequest is a sequence of bulk operations plus a running
// byte estimate of what the wire payload would be, per spec §3.
type AccumulatingBulkRequest struct {
	Operations         []Operation
	EstimatedSizeBytes int
}

func NewAccumulatingBulkRequest() *AccumulatingBulkRequest {
	return &AccumulatingBulkRequest{}
}

// Add appends op unconditionally, growing EstimatedSizeBytes monotonically.
func (r *AccumulatingBulkRequest) Add(op Operation) {
	r.Operations = append(r.Operations, op)
	r.EstimatedSizeBytes += op.EstimatedSizeBytes
}

// WouldExceed reports whether adding op would push EstimatedSizeBytes past
// limit. An empty request is never considered to exceed the limit, so a
// single oversized operation is still accepted and flushed on its own.
func (r *AccumulatingBulkRequest) WouldExceed(op Operation, limit int64) bool {
	if len(r.Operations) == 0 {
		return false
	}
	return int64(r.EstimatedSizeBytes+op.EstimatedSizeBytes) > limit
}

func (r *AccumulatingBulkRequest) Empty() bool { return len(r.Operations) == 0 }

// Payload renders the newline-delimited bulk wire format for submission.
func (r *AccumulatingBulkRequest) Payload() ([]byte, error) {
	var out []byte
	for _, op := range r.Operations {
		meta, err := op.metadataLine()
		if err != nil {
			return nil, err
		}
		out = append(out, meta...)
		out = append(out, '\n')
		out = append(out, []byte(op.Document)...)
		out = append(out, '\n')
	}
	return out, nil
}
