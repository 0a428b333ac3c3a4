// Package clock implements Samoa's causal data model: a per-partition
// vector-clock-like structure (ClusterClock) and the tick/prune/merge
// algebra shared by every datatype built on top of it (see package
// datatype). The algebra is parameterized by an UpdateFunc so that the
// enclosing datatype can keep its own parallel value slice in lock-step
// with clock mutations, without this package knowing anything about
// blobs or counters.
//
// The merge algorithm here is a direct, line-for-line port of
// samoa::datamodel::clock_util from the original C++ source: partition
// ids are compared byte-lexicographically (not as canonical UUID
// strings), and the prune/ignore timestamp arithmetic matches exactly.
package clock

import (
	"bytes"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/samoadb/samoa/internal/samoacontext"
)

// PartitionID identifies a partition (or, in a ClusterClock entry, the
// author that last wrote that entry) with a 128-bit value, per spec.md §3.
type PartitionID = uuid.UUID

// PartitionClock is one (partition_id, timestamp, tick) triple.
type PartitionClock struct {
	PartitionID   PartitionID
	UnixTimestamp uint64
	LamportTick   uint32
}

// ClusterClock is the ordered, per-record causal history: a sequence of
// PartitionClock entries sorted strictly by PartitionID, plus a flag
// recording whether the clock has ever been pruned (spec.md §3).
type ClusterClock struct {
	Entries       []PartitionClock
	ClockIsPruned bool
}

// comparePartitionID compares two partition ids byte-lexicographically,
// matching uuid_comparator in the original clock_util.impl.hpp — NOT
// uuid.UUID's canonical string ordering (which happens to coincide for
// valid UUIDs, but we make the intent explicit and cheap).
func comparePartitionID(a, b PartitionID) int {
	return bytes.Compare(a[:], b[:])
}

// search returns the index of the first entry whose PartitionID is >= id,
// and whether that entry's id is exactly equal to id.
func (c *ClusterClock) search(id PartitionID) (index int, found bool) {
	n := len(c.Entries)
	i := sort.Search(n, func(i int) bool {
		return comparePartitionID(c.Entries[i].PartitionID, id) >= 0
	})
	if i < n && comparePartitionID(c.Entries[i].PartitionID, id) == 0 {
		return i, true
	}
	return i, false
}

// UpdateFunc lets a datatype mirror a clock mutation into its own
// parallel payload slice. insertBefore is true when a brand new entry was
// inserted at index (the datatype must insert its own slot there);
// otherwise the existing slot at index was updated in place.
type UpdateFunc func(insertBefore bool, index int)

// Tick locates partitionID's slot by binary search. If absent, it inserts
// a new entry at the current wall-clock time with tick 0 and invokes
// update(true, index). If present, it advances the entry's timestamp (and
// clears its tick) when real time has moved forward since the last write
// to this partition, or else increments the tick to break the tie; either
// way it invokes update(false, index). Mirrors clock_util::tick.
func Tick(ctx *samoacontext.Context, c *ClusterClock, partitionID PartitionID, update UpdateFunc) {
	now := uint64(ctx.Now().Unix())

	index, found := c.search(partitionID)
	if !found {
		entry := PartitionClock{PartitionID: partitionID, UnixTimestamp: now}
		c.Entries = append(c.Entries, PartitionClock{})
		copy(c.Entries[index+1:], c.Entries[index:])
		c.Entries[index] = entry
		update(true, index)
		return
	}

	if c.Entries[index].UnixTimestamp < now {
		c.Entries[index].UnixTimestamp = now
		c.Entries[index].LamportTick = 0
	} else {
		c.Entries[index].LamportTick++
	}
	update(false, index)
}

// PruneFunc is invoked once per entry being pruned, before it is removed,
// so the datatype can fold that slot's value into its "consistent"
// aggregate. index is the entry's position after every earlier pruned
// entry has already been removed, so a datatype that deletes its own
// parallel slot at index on each call stays aligned with the clock.
type PruneFunc func(index int)

// Prune removes every entry whose timestamp is old enough that no
// concurrent writer for that partition can plausibly still be alive:
// unix_timestamp <= now - H - jitter. Mirrors clock_util::prune.
func Prune(ctx *samoacontext.Context, c *ClusterClock, horizon time.Duration, prune PruneFunc) {
	ignoreTS := uint64(ctx.Now().Unix()) - uint64(horizon.Seconds())
	pruneTS := ignoreTS - uint64(samoacontext.ClockJitterBound.Seconds())

	kept := c.Entries[:0:0]
	anyPruned := false
	for i := 0; i < len(c.Entries); i++ {
		if c.Entries[i].UnixTimestamp <= pruneTS {
			prune(len(kept))
			anyPruned = true
			continue
		}
		kept = append(kept, c.Entries[i])
	}
	c.Entries = kept
	if anyPruned {
		c.ClockIsPruned = true
	}
}

// MergeState names, for a given pair of entries being merged, which side
// of the table in spec.md §4.3 applied. It is handed to the MergeUpdateFunc
// so the datatype can tell which parallel-payload action to take.
type MergeState int

const (
	// LocalRemoteEqual: uuids, timestamps and ticks all equal; local kept as-is.
	LocalRemoteEqual MergeState = iota
	// LocalNewer: local entry strictly newer (by timestamp, then tick); remote stale.
	LocalNewer
	// RemoteNewer: remote entry strictly newer; local entry overwritten.
	RemoteNewer
	// LocalOnly: partition id present only locally.
	LocalOnly
	// RemoteOnlyInserted: partition id present only remotely, and inserted locally.
	RemoteOnlyInserted
	// RemoteOnlyPruned: partition id present only remotely, but the local
	// side is fully consistent and the remote entry is already provably
	// pruned there too — dropped rather than resurrected.
	RemoteOnlyPruned
)

// MergeUpdateFunc mirrors a merge decision into the datatype's parallel
// payload. state says which table row fired; localIndex is the position
// in the (post-mutation) local payload slice that the action applies to.
type MergeUpdateFunc func(state MergeState, localIndex int)

// MergeResult reports whether the merge changed the local clock, and
// whether the remote side turned out to be stale (i.e. the caller should
// consider scheduling a reverse replication to it).
type MergeResult struct {
	LocalWasUpdated bool
	RemoteIsStale   bool
}

// IsConsistent reports whether every entry in c is within H of now — i.e.
// nothing in it is eligible for pruning yet. A clock that has had entries
// pruned and has none remaining is also consistent (there's nothing left
// to diverge on).
func IsConsistent(ctx *samoacontext.Context, c *ClusterClock, horizon time.Duration) bool {
	ignoreTS := uint64(ctx.Now().Unix()) - uint64(horizon.Seconds())
	for _, e := range c.Entries {
		if e.UnixTimestamp <= ignoreTS {
			return false
		}
	}
	return true
}

// Merge merges remote into local under horizon H, invoking update at each
// position per spec.md §4.3's table. Mirrors clock_util::merge exactly,
// including the asymmetric ignore_ts/prune_ts treatment of local-only vs
// remote-only entries.
func Merge(ctx *samoacontext.Context, local *ClusterClock, remote *ClusterClock, horizon time.Duration, update MergeUpdateFunc) MergeResult {
	ignoreTS := uint64(ctx.Now().Unix()) - uint64(horizon.Seconds())
	pruneTS := ignoreTS - uint64(samoacontext.ClockJitterBound.Seconds())

	var result MergeResult

	localConsistent := IsConsistent(ctx, local, horizon)
	remoteConsistent := IsConsistent(ctx, remote, horizon)
	if localConsistent && !remoteConsistent {
		result.RemoteIsStale = true
	}

	merged := make([]PartitionClock, 0, len(local.Entries)+len(remote.Entries))

	li, ri := 0, 0
	for li < len(local.Entries) && ri < len(remote.Entries) {
		l := local.Entries[li]
		r := remote.Entries[ri]
		cmp := comparePartitionID(l.PartitionID, r.PartitionID)

		switch {
		case cmp < 0:
			if l.UnixTimestamp > ignoreTS {
				result.RemoteIsStale = true
			}
			update(LocalOnly, len(merged))
			merged = append(merged, l)
			li++

		case cmp > 0:
			if !localConsistent || r.UnixTimestamp > pruneTS {
				result.LocalWasUpdated = true
				update(RemoteOnlyInserted, len(merged))
				merged = append(merged, r)
			} else {
				update(RemoteOnlyPruned, len(merged))
			}
			ri++

		default: // equal partition ids
			switch {
			case l.UnixTimestamp > r.UnixTimestamp:
				result.RemoteIsStale = true
				update(LocalNewer, len(merged))
				merged = append(merged, l)
			case l.UnixTimestamp < r.UnixTimestamp:
				result.LocalWasUpdated = true
				update(RemoteNewer, len(merged))
				merged = append(merged, PartitionClock{
					PartitionID:   l.PartitionID,
					UnixTimestamp: r.UnixTimestamp,
					LamportTick:   r.LamportTick,
				})
			default: // timestamps equal
				switch {
				case l.LamportTick > r.LamportTick:
					result.RemoteIsStale = true
					update(LocalNewer, len(merged))
					merged = append(merged, l)
				case l.LamportTick < r.LamportTick:
					result.LocalWasUpdated = true
					update(RemoteNewer, len(merged))
					merged = append(merged, PartitionClock{
						PartitionID:   l.PartitionID,
						UnixTimestamp: l.UnixTimestamp,
						LamportTick:   r.LamportTick,
					})
				default:
					update(LocalRemoteEqual, len(merged))
					merged = append(merged, l)
				}
			}
			li++
			ri++
		}
	}
	for li < len(local.Entries) {
		l := local.Entries[li]
		if l.UnixTimestamp > ignoreTS {
			result.RemoteIsStale = true
		}
		update(LocalOnly, len(merged))
		merged = append(merged, l)
		li++
	}
	for ri < len(remote.Entries) {
		r := remote.Entries[ri]
		if !localConsistent || r.UnixTimestamp > pruneTS {
			result.LocalWasUpdated = true
			update(RemoteOnlyInserted, len(merged))
			merged = append(merged, r)
		} else {
			update(RemoteOnlyPruned, len(merged))
		}
		ri++
	}

	local.Entries = merged

	if !local.ClockIsPruned && remote.ClockIsPruned {
		result.LocalWasUpdated = true
		local.ClockIsPruned = true
	}

	return result
}
