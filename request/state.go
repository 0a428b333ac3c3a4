// Package request implements the per-request state machine of spec.md
// §4.6: route loading (key → ring_position → primary & peers) and
// replication quorum accounting, grounded on
// original_source/.../request/{route_state,replication_state}.cpp.
package request

import (
	"sort"

	"github.com/google/uuid"

	"github.com/samoadb/samoa/api"
	"github.com/samoadb/samoa/cluster"
)

// State is one request's working state: the loaded table/route/
// replication/record slots described by spec.md §4.6, in the order they
// are populated. Unlike the C++ original's private-multiple-inheritance
// mixin-of-mixins (io_service_state/context_state/.../replication_state),
// this is a single flat struct — Go has no equivalent idiom for "inherit
// several state fragments privately and re-export selected members", and
// a flat struct with the same field groups reads more directly.
type State struct {
	Table *cluster.Table

	// route fields, populated by LoadRoute.
	Key                    []byte
	RingPosition           uint64
	PrimaryPartitionUUID   uuid.UUID
	HasPrimaryPartitionUUID bool
	PeerPartitionUUIDs     []uuid.UUID // sorted
	PrimaryPartition       *cluster.Partition // nil unless local
	PeerPartitions         []*cluster.Partition

	// replication fields, populated by LoadReplication.
	replicationFactor int
	quorumCount       int
	successCount      int
	failureCount      int
	peerReadHit       bool

	// record fields: scratch slots a merge step reads/writes.
	LocalRecord  []byte
	RemoteRecord []byte
}

// LoadRoute resolves Key (or an already-set RingPosition) against table's
// ring, filling in PrimaryPartition/PeerPartitions. If PrimaryPartitionUUID
// or PeerPartitionUUIDs were already set (the REPLICATE RPC case, where
// the sender already decided), the derived set must match exactly or the
// request is rejected with 400/409 (spec.md §4.5), mirroring
// route_state.cpp's load_route_state line for line.
func (s *State) LoadRoute(table *cluster.Table, peers cluster.LatencyLookup) error {
	s.Table = table

	if s.RingPosition == 0 && len(s.Key) == 0 {
		return api.NewStateError(api.ErrMalformedRequest, "expected non-empty key")
	}
	if len(s.Key) > 0 {
		s.RingPosition = table.RingPosition(s.Key)
	}

	n := len(table.Ring)
	if n == 0 || table.ReplicationFactor == 0 {
		return api.NewStateError(api.ErrNoPeerAvailable, "table has no live partitions")
	}

	start := sort.Search(n, func(i int) bool {
		return table.Ring[i].RingPosition >= s.RingPosition
	})

	hasPrimaryUUID := s.HasPrimaryPartitionUUID
	hasPeerUUIDs := len(s.PeerPartitionUUIDs) > 0

	idx := start
	for count := 0; count != table.ReplicationFactor; count++ {
		if idx == n {
			idx = 0
		}
		part := table.Ring[idx]
		idx++

		if hasPrimaryUUID && part.UUID == s.PrimaryPartitionUUID {
			if !part.Local {
				return api.NewStateError(api.ErrMalformedRequest, "partition %s is not local", part.UUID)
			}
			s.PrimaryPartition = part
			continue
		} else if !hasPrimaryUUID && s.PrimaryPartition == nil && part.Local {
			s.PrimaryPartition = part
			s.PrimaryPartitionUUID = part.UUID
			s.HasPrimaryPartitionUUID = true
			continue
		}

		if hasPeerUUIDs {
			if !containsUUID(s.PeerPartitionUUIDs, part.UUID) {
				return api.NewStateError(api.ErrRoutingConflict,
					"peer-partition uuids is non-empty, but routed peer %s is absent", part.UUID)
			}
		} else {
			s.PeerPartitionUUIDs = append(s.PeerPartitionUUIDs, part.UUID)
		}
		s.PeerPartitions = append(s.PeerPartitions, part)
	}

	if hasPrimaryUUID && s.PrimaryPartition == nil {
		return api.NewStateError(api.ErrNotFound, "partition %s not found on route of key", s.PrimaryPartitionUUID)
	}

	if hasPeerUUIDs {
		expected := table.ReplicationFactor
		if s.PrimaryPartition != nil {
			expected--
		}
		if len(s.PeerPartitionUUIDs) != expected {
			return api.NewStateError(api.ErrMalformedRequest, "expected exactly %d peer-partition uuids", expected)
		}
	} else {
		sort.Slice(s.PeerPartitionUUIDs, func(i, j int) bool { return lessUUID(s.PeerPartitionUUIDs[i], s.PeerPartitionUUIDs[j]) })
	}

	return nil
}

func containsUUID(sorted []uuid.UUID, id uuid.UUID) bool {
	i := sort.Search(len(sorted), func(i int) bool { return !lessUUID(sorted[i], id) })
	return i < len(sorted) && sorted[i] == id
}

func lessUUID(a, b uuid.UUID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// LoadReplication sets up quorum accounting given the table's effective
// replication factor, matching replication_state.cpp's
// load_replication_state: a zero requested quorum count means "all
// peers"; a quorum count greater than the replication factor is rejected.
func (s *State) LoadReplication(replicationFactor int, requestedQuorum int) error {
	if requestedQuorum > replicationFactor {
		return api.NewStateError(api.ErrMalformedRequest, "quorum too large")
	}
	if requestedQuorum == 0 {
		requestedQuorum = replicationFactor
	}
	s.replicationFactor = replicationFactor
	s.quorumCount = requestedQuorum
	return nil
}

// QuorumCount returns the effective quorum size (never 0 after LoadReplication).
func (s *State) QuorumCount() int { return s.quorumCount }

// localSuccess is the completion credit for the local/primary write or
// read, which always happens before any peer fan-out and so is never
// itself recorded via PeerReplicationSuccess. When the route includes a
// local partition, LoadRoute splits it out as the primary and
// PeerPartitions holds the table's other R-1 partitions (see LoadRoute and
// cluster.Table.RouteRingPosition), so quorum/replicationFactor — both
// counted against the full R — can only ever be satisfied by peer
// completions if this local completion is credited too. Ported from
// replication_state.cpp's peer_replication_success/is_replication_complete,
// which bake in the identical "+ 1" against _success_count/_partition_peers
// for exactly this reason.
const localSuccess = 1

// PeerReplicationFailure records a failed peer replication completion and
// reports whether this specific completion should cause the client to be
// responded to now (replication_state.cpp's peer_replication_failure).
func (s *State) PeerReplicationFailure() bool {
	if s.successCount+localSuccess == s.quorumCount {
		return false
	}
	s.failureCount++
	return s.failureCount+s.successCount+localSuccess == s.replicationFactor
}

// PeerReplicationSuccess records a successful peer replication completion
// and reports whether this specific completion should cause the client
// to be responded to now (replication_state.cpp's
// peer_replication_success): either it just crossed the quorum threshold,
// or it was the last outstanding replication.
func (s *State) PeerReplicationSuccess() bool {
	if s.successCount+localSuccess == s.quorumCount {
		return false
	}
	s.successCount++
	if s.successCount+localSuccess == s.quorumCount {
		return true
	}
	return s.failureCount+s.successCount+localSuccess == s.replicationFactor
}

// IsReplicationFinished reports whether quorum has been met, or every
// peer has completed (successfully or not).
func (s *State) IsReplicationFinished() bool {
	return s.successCount+localSuccess >= s.quorumCount ||
		s.failureCount+s.successCount+localSuccess == s.replicationFactor
}

// SetPeerReadHit records that some peer's response, merged into
// RemoteRecord, was actually novel (used by the replication pipeline to
// decide whether a read-repair write-back is needed).
func (s *State) SetPeerReadHit() { s.peerReadHit = true }

// HadPeerReadHit reports whether SetPeerReadHit was ever called.
func (s *State) HadPeerReadHit() bool { return s.peerReadHit }

// PeerSuccessCount/PeerFailureCount expose the running tallies, mirroring
// get_peer_success_count/get_peer_failure_count.
func (s *State) PeerSuccessCount() int { return s.successCount }
func (s *State) PeerFailureCount() int { return s.failureCount }
