package datatype

import (
	"fmt"
	"time"

	"github.com/samoadb/samoa/clock"
	"github.com/samoadb/samoa/internal/samoacontext"
)

// Counter is the payload for a counter-typed PersistedRecord: one int64
// delta per ClusterClock entry, plus an aggregated "consistent" value
// folding every delta whose clock entry has been pruned.
type Counter struct {
	Clock           clock.ClusterClock
	Deltas          []int64
	ConsistentValue int64
}

// Update ticks the clock for authorID: a brand new slot starts at
// increment; an existing slot accumulates it. Mirrors counter::update.
func (c *Counter) Update(ctx *samoacontext.Context, authorID clock.PartitionID, increment int64) {
	clock.Tick(ctx, &c.Clock, authorID, func(insertBefore bool, index int) {
		if insertBefore {
			c.Deltas = append(c.Deltas, 0)
			copy(c.Deltas[index+1:], c.Deltas[index:])
			c.Deltas[index] = increment
			return
		}
		c.Deltas[index] += increment
	})
}

// Prune folds every clock entry older than horizon into ConsistentValue.
// Mirrors counter::prune minus its expire_timestamp wholesale-discard
// check: no expire timestamp is carried by Counter or by the persister in
// this port, and nothing discards a record on expiry.
func (c *Counter) Prune(ctx *samoacontext.Context, horizon time.Duration) {
	clock.Prune(ctx, &c.Clock, horizon, func(index int) {
		c.ConsistentValue += c.Deltas[index]
		c.Deltas = append(c.Deltas[:index], c.Deltas[index+1:]...)
	})
}

// Value is the counter's current aggregate: ConsistentValue plus every
// live per-clock-slot delta. Mirrors counter::value.
func (c *Counter) Value() int64 {
	v := c.ConsistentValue
	for _, d := range c.Deltas {
		v += d
	}
	return v
}

// Merge merges remote into c under horizon H. Mirrors counter::merge,
// including its running debug_delta bookkeeping and the legacy-prune
// overwrite-from-remote behavior spec.md §9 says to preserve unchanged:
// when the remote has already folded a pruned entry into its
// ConsistentValue but the local side hasn't seen that entry pruned yet,
// the local ConsistentValue is simply replaced by the remote's (which can
// discard locally-applied increments made during the window before the
// remote pruned — see spec.md §9's explicit flag on this). The
// replacement is asserted via a before/after aggregate-delta invariant
// when ctx.DebugAssertions is set.
func (c *Counter) Merge(ctx *samoacontext.Context, remote *Counter, horizon time.Duration) clock.MergeResult {
	localIsLegacy := c.Clock.ClockIsPruned
	remoteIsLegacy := remote.Clock.ClockIsPruned

	debugDelta := remote.ConsistentValue - c.ConsistentValue
	if !localIsLegacy && remoteIsLegacy {
		c.ConsistentValue = remote.ConsistentValue
		debugDelta = 0
	}

	merged := make([]int64, 0, len(c.Deltas)+len(remote.Deltas))
	li, ri := 0, 0

	result := clock.Merge(ctx, &c.Clock, &remote.Clock, horizon, func(state clock.MergeState, _ int) {
		switch state {
		case clock.LocalRemoteEqual:
			merged = append(merged, c.Deltas[li])
			li++
			ri++
		case clock.RemoteOnlyPruned:
			// already-pruned remote history we don't adopt: remote's
			// value still counts this delta, ours won't, so add it to
			// the difference.
			debugDelta += remote.Deltas[ri]
			ri++
		case clock.LocalOnly:
			debugDelta -= c.Deltas[li]
			merged = append(merged, c.Deltas[li])
			li++
		case clock.RemoteOnlyInserted:
			merged = append(merged, remote.Deltas[ri])
			ri++
		case clock.LocalNewer:
			debugDelta -= c.Deltas[li] - remote.Deltas[ri]
			merged = append(merged, c.Deltas[li])
			li++
			ri++
		case clock.RemoteNewer:
			merged = append(merged, remote.Deltas[ri])
			li++
			ri++
		}
	})

	c.Deltas = merged

	if ctx.DebugAssertions {
		if c.Value()+debugDelta != remote.Value() {
			panic(fmt.Sprintf("counter merge invariant violated: value(local)=%d debugDelta=%d value(remote)=%d",
				c.Value(), debugDelta, remote.Value()))
		}
	}

	return result
}
