// Package rpc carries Write and Read requests between the batcher's
// dispatch driver and a tablet server over gRPC. There is no protoc
// toolchain in this environment, so the wire messages are plain Go structs
// marshaled with the JSON codec registered in codec.go rather than
// generated protobuf types; deadlines (and a write's PropagateAt) still
// travel as *timestamppb.Timestamp, matching how the teacher's gRPC surface
// carries cluster timestamps, while hybrid-time readings are plain uint64.
package rpc

import (
	"google.golang.org/protobuf/types/known/timestamppb"
)

// RowError reports a failure for a single row within a segment, addressed
// by its position in the request's Keys/Columns slice.
type RowError struct {
	RowIndex int    `json:"row_index"`
	Message  string `json:"message"`
}

// WriteRequest carries one Write-group segment: every op in it targets the
// same tablet and was classified OpGroupWrite.
type WriteRequest struct {
	TabletID string                   `json:"tablet_id"`
	Table    string                   `json:"table"`
	Keys     [][]byte                 `json:"keys"`
	Columns  []map[string]interface{} `json:"columns"`
	Deadline *timestamppb.Timestamp   `json:"deadline,omitempty"`
}

// WriteResponse is the tablet server's reply to a WriteRequest.
type WriteResponse struct {
	Errors      []RowError             `json:"errors,omitempty"`
	HybridTime  uint64                 `json:"hybrid_time,omitempty"`
	PropagateAt *timestamppb.Timestamp `json:"propagate_at,omitempty"`
}

// Consistency mirrors ops.ConsistencyLevel on the wire without importing
// pkg/ops, keeping the RPC message vocabulary independent of the batcher's
// internal op representation.
type Consistency int32

const (
	ConsistencyStrong Consistency = 0
	ConsistencyPrefix Consistency = 1
)

// ReadRequest carries one Read-group segment (LeaderRead or
// ConsistentPrefixRead, distinguished by Consistency).
type ReadRequest struct {
	TabletID    string                 `json:"tablet_id"`
	Table       string                 `json:"table"`
	Keys        [][]byte               `json:"keys"`
	Consistency Consistency            `json:"consistency"`
	Deadline    *timestamppb.Timestamp `json:"deadline,omitempty"`
}

// ReadResponse is the tablet server's reply to a ReadRequest.
type ReadResponse struct {
	Rows       []map[string]interface{} `json:"rows"`
	Errors     []RowError               `json:"errors,omitempty"`
	HybridTime uint64                   `json:"hybrid_time,omitempty"`
}
