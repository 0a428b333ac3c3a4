package clock

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samoadb/samoa/internal/samoacontext"
)

func fixedCtx(t time.Time) *samoacontext.Context {
	return &samoacontext.Context{Clock: samoacontext.NewFixedClock(t)}
}

func TestTickInsertsNewEntrySorted(t *testing.T) {
	ctx := fixedCtx(time.Unix(1000, 0))
	c := &ClusterClock{}

	idA := uuid.MustParse("00000000-0000-0000-0000-000000000002")
	idB := uuid.MustParse("00000000-0000-0000-0000-000000000001")

	var updates []int
	Tick(ctx, c, idA, func(insertBefore bool, index int) {
		require.True(t, insertBefore)
		updates = append(updates, index)
	})
	Tick(ctx, c, idB, func(insertBefore bool, index int) {
		require.True(t, insertBefore)
		updates = append(updates, index)
	})

	require.Len(t, c.Entries, 2)
	assert.Equal(t, idB, c.Entries[0].PartitionID, "entries sorted by partition id")
	assert.Equal(t, idA, c.Entries[1].PartitionID)
	assert.Equal(t, []int{0, 0}, updates)
}

func TestTickSamePartitionAdvancesTimeThenLamport(t *testing.T) {
	clk := samoacontext.NewFixedClock(time.Unix(1000, 0))
	ctx := &samoacontext.Context{Clock: clk}
	c := &ClusterClock{}
	id := uuid.New()

	Tick(ctx, c, id, func(bool, int) {})
	require.Equal(t, uint64(1000), c.Entries[0].UnixTimestamp)
	require.Equal(t, uint32(0), c.Entries[0].LamportTick)

	// same instant: tick increments lamport, timestamp unchanged.
	Tick(ctx, c, id, func(bool, int) {})
	assert.Equal(t, uint64(1000), c.Entries[0].UnixTimestamp)
	assert.Equal(t, uint32(1), c.Entries[0].LamportTick)

	// time moves forward: timestamp advances, lamport resets.
	clk.Advance(5 * time.Second)
	Tick(ctx, c, id, func(bool, int) {})
	assert.Equal(t, uint64(1005), c.Entries[0].UnixTimestamp)
	assert.Equal(t, uint32(0), c.Entries[0].LamportTick)
}

func TestPruneRemovesOldEntriesAndFoldsThem(t *testing.T) {
	now := time.Unix(100000, 0)
	ctx := fixedCtx(now)
	c := &ClusterClock{Entries: []PartitionClock{
		{PartitionID: uuid.New(), UnixTimestamp: 1000},  // old, should be pruned
		{PartitionID: uuid.New(), UnixTimestamp: 99999}, // fresh, kept
	}}

	var pruned []int
	Prune(ctx, c, time.Hour, func(index int) {
		pruned = append(pruned, index)
	})

	assert.Equal(t, []int{0}, pruned)
	require.Len(t, c.Entries, 1)
	assert.Equal(t, uint64(99999), c.Entries[0].UnixTimestamp)
	assert.True(t, c.ClockIsPruned)
}

func TestMergeDisjointEntriesUnionAndMarkStale(t *testing.T) {
	now := time.Unix(100000, 0)
	ctx := fixedCtx(now)

	idA := uuid.New()
	idB := uuid.New()

	local := &ClusterClock{Entries: []PartitionClock{{PartitionID: idA, UnixTimestamp: 99999}}}
	remote := &ClusterClock{Entries: []PartitionClock{{PartitionID: idB, UnixTimestamp: 99999}}}

	var states []MergeState
	result := Merge(ctx, local, remote, time.Hour, func(s MergeState, _ int) {
		states = append(states, s)
	})

	require.Len(t, local.Entries, 2)
	assert.True(t, result.LocalWasUpdated)
	assert.True(t, result.RemoteIsStale, "local-only fresh entry marks remote stale")
	assert.Contains(t, states, LocalOnly)
	assert.Contains(t, states, RemoteOnlyInserted)
}

func TestMergeNewerWins(t *testing.T) {
	now := time.Unix(100000, 0)
	ctx := fixedCtx(now)
	id := uuid.New()

	local := &ClusterClock{Entries: []PartitionClock{{PartitionID: id, UnixTimestamp: 500, LamportTick: 1}}}
	remote := &ClusterClock{Entries: []PartitionClock{{PartitionID: id, UnixTimestamp: 900, LamportTick: 0}}}

	result := Merge(ctx, local, remote, time.Hour, func(state MergeState, _ int) {
		assert.Equal(t, RemoteNewer, state)
	})

	assert.True(t, result.LocalWasUpdated)
	assert.Equal(t, uint64(900), local.Entries[0].UnixTimestamp)
}

func TestMergeEqualEntriesNoop(t *testing.T) {
	now := time.Unix(100000, 0)
	ctx := fixedCtx(now)
	id := uuid.New()

	entry := PartitionClock{PartitionID: id, UnixTimestamp: 500, LamportTick: 3}
	local := &ClusterClock{Entries: []PartitionClock{entry}}
	remote := &ClusterClock{Entries: []PartitionClock{entry}}

	result := Merge(ctx, local, remote, time.Hour, func(state MergeState, _ int) {
		assert.Equal(t, LocalRemoteEqual, state)
	})

	assert.False(t, result.LocalWasUpdated)
	assert.False(t, result.RemoteIsStale)
}

func TestMergeRemoteOnlyPrunedWhenLocalConsistent(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	ctx := fixedCtx(now)

	// local has no entries at all => vacuously consistent.
	local := &ClusterClock{}
	remote := &ClusterClock{Entries: []PartitionClock{
		{PartitionID: uuid.New(), UnixTimestamp: 10}, // ancient: past prune_ts
	}}

	var state MergeState
	result := Merge(ctx, local, remote, time.Minute, func(s MergeState, _ int) {
		state = s
	})

	assert.Equal(t, RemoteOnlyPruned, state)
	assert.False(t, result.LocalWasUpdated)
	assert.Empty(t, local.Entries)
}
