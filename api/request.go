package api

import "github.com/google/uuid"

// RequestType enumerates the operations a SamoaRequest may carry
// (spec.md §6).
type RequestType int

const (
	Ping RequestType = iota
	Shutdown
	ClusterStateRequest
	GetBlob
	SetBlob
	Replicate
	CounterValue
	UpdateCounter
	DigestSync
	ErrorResponse
)

// OperationKind distinguishes a read from a write for quorum-accounting
// purposes (SUPPLEMENTAL FEATURES: COUNTER_VALUE is always a full-R read,
// UPDATE_COUNTER is a quorum write, same split GET_BLOB/SET_BLOB get).
type OperationKind int

const (
	OperationRead OperationKind = iota
	OperationWrite
)

// Kind reports whether a request type is a read or a write operation.
// COUNTER_VALUE and GET_BLOB are reads; SET_BLOB and UPDATE_COUNTER are
// writes. REPLICATE is reported as a read whatever it carries, since the
// request type alone does not say. PING/SHUTDOWN/CLUSTER_STATE/
// DIGEST_SYNC aren't data operations and are reported as reads (no
// quorum write-path applies to them).
func (rt RequestType) Kind() OperationKind {
	switch rt {
	case SetBlob, UpdateCounter:
		return OperationWrite
	default:
		return OperationRead
	}
}

// RequiresFullQuorum reports whether this operation always requires all R
// replicas to respond, ignoring any client-requested quorum override —
// true only for COUNTER_VALUE, per SUPPLEMENTAL FEATURES.
func (rt RequestType) RequiresFullQuorum() bool {
	return rt == CounterValue
}

// SamoaRequest mirrors the wire request fields of spec.md §6. Only the
// routing/operation fields the core logic actually consumes are
// represented; framing (length prefix, raw data blocks) is handled by the
// out-of-scope transport layer and is not modeled here.
type SamoaRequest struct {
	RequestID uint64
	Type      RequestType

	TableUUID uuid.UUID
	TableName string

	Key []byte

	PartitionUUID     uuid.UUID
	HasPartitionUUID  bool
	PeerPartitionUUID []uuid.UUID

	RequestedQuorum uint32 // 0 == all

	ClusterClockBytes []byte // serialized ClusterClock, for conditional writes

	CounterUpdate int64

	DigestProperties *DigestProperties

	// DataBlock carries the single serialized record payload attached to
	// writes and to DIGEST_SYNC's filter bytes; reads attach nothing.
	DataBlock []byte
}

// SamoaResponse mirrors the wire response fields of spec.md §6.
type SamoaResponse struct {
	RequestID uint64
	Success   bool

	ReplicationSuccess uint32
	ReplicationFailure uint32

	CounterValue int64

	ClusterClockBytes []byte

	DataBlock []byte

	Error *StateError
}

// AsError renders a StateError into a SamoaResponse's error fields
// (spec.md §4.6: "fails with a state_exception{code, msg} that is
// converted into a response"). Package request returns StateErrors and
// does not call it itself.
func AsError(requestID uint64, err *StateError) *SamoaResponse {
	return &SamoaResponse{
		RequestID: requestID,
		Success:   false,
		Error:     err,
	}
}
