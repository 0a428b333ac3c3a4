// Package cluster holds the runtime view of cluster shape: tables, their
// partition rings, and the merge/routing rules that keep every node's view
// converging (spec.md §4.5, §4.8). It is grounded on
// original_source/cpp_src/samoa/server/{table,partition,cluster_state}.{hpp,cpp}.
package cluster

import (
	"github.com/google/uuid"
)

// Partition is one slice of a table's consistent-hashing ring (spec.md
// §4.5). A partition is either hosted by this server ("local", backed by a
// persister.Persister) or by a peer ("remote", reachable only over the
// network) — mirrors the local_partition/remote_partition split in
// partition.hpp, collapsed into a single struct with a Local flag since Go
// has no need for the virtual-dispatch merge_partition override here: the
// one place local/remote partitions actually behave differently (accepting
// peer-driven metadata merges) is expressed as a guard in Table.Merge.
type Partition struct {
	UUID       uuid.UUID
	ServerUUID uuid.UUID
	Local      bool

	// RingPosition is this partition's fixed position on the table's
	// continuum (a property of the partition's own identity, assigned at
	// creation time — distinct from Table.RingPosition(key), which maps a
	// *key* onto the same continuum for routing).
	RingPosition uint64

	// RangeBegin/RangeEnd (inclusive) bound the ring positions for which
	// this partition is one of the table's R replicas under
	// Table.RouteRingPosition's forward walk: from just past the ring
	// position of the live partition R places back, up to this
	// partition's own RingPosition.
	RangeBegin uint64
	RangeEnd   uint64

	// ConsistentRangeBegin/End additionally bound the sub-range for which
	// this partition's data is known fully replicated (spec.md's
	// consistency_horizon, partition.hpp's get_consistent_range_*).
	ConsistentRangeBegin uint64
	ConsistentRangeEnd   uint64

	LamportTS uint64

	// Dropped marks a tombstoned partition: its uuid stays indexed (to
	// keep uuids globally unique across the table's history) but it no
	// longer appears on the live ring and holds no data.
	Dropped          bool
	DroppedTimestamp int64
}

// PositionInResponsibleRange reports whether pos falls within this
// partition's inclusive [RangeBegin, RangeEnd] range, accounting for
// wraparound when RangeBegin > RangeEnd (partition.cpp
// position_in_responsible_range).
func (p *Partition) PositionInResponsibleRange(pos uint64) bool {
	if p.RangeBegin <= p.RangeEnd {
		return pos >= p.RangeBegin && pos <= p.RangeEnd
	}
	return pos >= p.RangeBegin || pos <= p.RangeEnd
}

// clone returns a shallow copy, used when a table rebuild needs to carry a
// partition's live fields forward into a new Table snapshot without
// aliasing the original's storage.
func (p *Partition) clone() *Partition {
	cp := *p
	return &cp
}
