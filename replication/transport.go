package replication

import (
	"context"

	"github.com/google/uuid"

	"github.com/samoadb/samoa/api"
)

// Transport abstracts the wire/socket layer spec.md §1 declares
// out-of-scope: sending one SamoaRequest to one peer server and getting
// its SamoaResponse back. A real implementation opens the length-prefixed
// protobuf connection described in §6; this package only needs this much
// surface to drive the replication pipeline, so that it consumes this
// interface instead of opening real sockets (see DESIGN.md).
type Transport interface {
	Send(ctx context.Context, serverUUID uuid.UUID, req *api.SamoaRequest) (*api.SamoaResponse, error)
}
