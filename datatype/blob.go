// Package datatype implements the two concrete payload types built on top
// of package clock's causal algebra: multi-value blobs and distributed
// counters (spec.md §4.4).
package datatype

import (
	"time"

	"github.com/samoadb/samoa/clock"
	"github.com/samoadb/samoa/internal/samoacontext"
)

// Blob is the payload for a blob-typed PersistedRecord: one byte-string
// slot per ClusterClock entry, plus a list of already-merged ("consistent")
// byte strings representing history that's aged out of the clock.
type Blob struct {
	Clock            clock.ClusterClock
	Values           [][]byte
	ConsistentValues [][]byte
}

// Update ticks the clock for authorID and writes newValue into the slot
// the tick created or touched. Mirrors blob::update.
func (b *Blob) Update(ctx *samoacontext.Context, authorID clock.PartitionID, newValue []byte) {
	clock.Tick(ctx, &b.Clock, authorID, func(insertBefore bool, index int) {
		if insertBefore {
			b.Values = append(b.Values, nil)
			copy(b.Values[index+1:], b.Values[index:])
			b.Values[index] = newValue
			return
		}
		b.Values[index] = newValue
	})
}

// Prune moves the values of every clock entry older than horizon into
// ConsistentValues — a blob's prior history remains part of its visible
// value even after the clock entry that produced it is gone. Mirrors
// blob's use of clock_util::prune (there is no separate blob::prune in
// the C++ source beyond this fold; see blob.impl.hpp's value()).
func (b *Blob) Prune(ctx *samoacontext.Context, horizon time.Duration) {
	clock.Prune(ctx, &b.Clock, horizon, func(index int) {
		if len(b.Values[index]) > 0 {
			b.ConsistentValues = append(b.ConsistentValues, b.Values[index])
		}
		b.Values = append(b.Values[:index], b.Values[index+1:]...)
	})
}

// Merge merges remote into b under horizon H, mirroring insert/delete/
// overwrite of Values in lock-step with the clock merge. local and remote
// value cursors (li, ri) are advanced in exactly the same pattern the
// clock merge itself walks its two entry slices, the same technique
// counter::merge uses in the original C++ source. If the remote clock
// carries pruned history the local side doesn't have yet (a "legacy"
// merge), the local ConsistentValues are replaced by the remote's — the
// remote's history supersedes ours in that case, exactly as the C++
// counter::merge does for its aggregate (spec.md §9).
func (b *Blob) Merge(ctx *samoacontext.Context, remote *Blob, horizon time.Duration) clock.MergeResult {
	localIsLegacy := b.Clock.ClockIsPruned
	remoteIsLegacy := remote.Clock.ClockIsPruned

	if !localIsLegacy && remoteIsLegacy {
		b.ConsistentValues = remote.ConsistentValues
	}

	merged := make([][]byte, 0, len(b.Values)+len(remote.Values))
	li, ri := 0, 0

	result := clock.Merge(ctx, &b.Clock, &remote.Clock, horizon, func(state clock.MergeState, _ int) {
		switch state {
		case clock.LocalRemoteEqual, clock.LocalOnly, clock.LocalNewer:
			merged = append(merged, b.Values[li])
			li++
		case clock.RemoteOnlyPruned:
			ri++ // already-pruned remote history; nothing to adopt
		case clock.RemoteOnlyInserted:
			merged = append(merged, remote.Values[ri])
			ri++
		case clock.RemoteNewer:
			merged = append(merged, remote.Values[ri])
			li++
			ri++
		}
	})

	b.Values = merged
	return result
}

// Value yields the blob's visible value: every consistent (already-merged
// history) entry, followed by every non-empty live clock-slot entry.
// Mirrors blob::value's iteration order exactly (spec.md §4.4,
// SPEC_FULL.md "blob.send_blob_value framing").
func (b *Blob) Value() [][]byte {
	out := make([][]byte, 0, len(b.ConsistentValues)+len(b.Values))
	out = append(out, b.ConsistentValues...)
	for _, v := range b.Values {
		if len(v) > 0 {
			out = append(out, v)
		}
	}
	return out
}
