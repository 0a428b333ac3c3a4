// Package api defines the Go-side shapes of Samoa's wire messages and
// on-disk protobuf records (spec.md §6), hand-maintained rather than
// generated by protoc — the actual wire schema and its length-prefixed
// framing are the spec's declared out-of-scope external collaborator
// (§1); this package specifies only the shapes the core packages consume.
package api

import "fmt"

// StateError is the request state machine's error type (spec.md §4.6,
// §7): every state-loading step that fails does so with one of these,
// which is what eventually becomes a SamoaResponse's error fields.
type StateError struct {
	Code    uint32
	Message string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("samoa: %d: %s", e.Code, e.Message)
}

// NewStateError builds a StateError, the constructor request/replication
// code actually calls.
func NewStateError(code uint32, format string, args ...interface{}) *StateError {
	return &StateError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Error codes from spec.md §7.
const (
	ErrMalformedRequest uint32 = 400
	ErrNotFound         uint32 = 404
	ErrRoutingConflict  uint32 = 409
	ErrStorageIO        uint32 = 500
	ErrUnknownOperation uint32 = 501
	ErrNoPeerAvailable  uint32 = 503
	ErrUpstreamTimeout  uint32 = 504
)
