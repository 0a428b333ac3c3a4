package datatype

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samoadb/samoa/clock"
	"github.com/samoadb/samoa/internal/samoacontext"
)

func TestCounterUpdateAccumulates(t *testing.T) {
	ctx := fixedCtx(time.Unix(1000, 0))
	c := &Counter{}
	author := uuid.New()

	c.Update(ctx, author, 5)
	c.Update(ctx, author, 3)

	require.Len(t, c.Deltas, 1)
	assert.Equal(t, int64(8), c.Value())
}

func TestCounterConcurrentUpdatesMergeToSum(t *testing.T) {
	now := time.Unix(100000, 0)
	ctx := &samoacontext.Context{Clock: samoacontext.NewFixedClock(now), DebugAssertions: true}

	p1 := &Counter{}
	p2 := &Counter{}

	author1 := uuid.New()
	author2 := uuid.New()

	p1.Update(ctx, author1, 5)
	p2.Update(ctx, author2, 5)

	p1.Merge(ctx, p2, time.Hour)
	p2.Merge(ctx, p1, time.Hour)

	assert.Equal(t, int64(10), p1.Value())
	assert.Equal(t, int64(10), p2.Value())
	assert.Len(t, p1.Clock.Entries, 2)
	assert.Len(t, p2.Clock.Entries, 2)
}

func TestCounterPruneFoldsDelta(t *testing.T) {
	now := time.Unix(100000, 0)
	ctx := fixedCtx(now)
	c := &Counter{}
	author := uuid.New()

	oldCtx := fixedCtx(time.Unix(0, 0))
	c.Update(oldCtx, author, 7)

	c.Prune(ctx, time.Minute)

	assert.Empty(t, c.Clock.Entries)
	assert.Equal(t, int64(7), c.ConsistentValue)
	assert.Equal(t, int64(7), c.Value())
}

func TestCounterMergeLegacyPrunedOverwritesConsistent(t *testing.T) {
	now := time.Unix(100000, 0)
	ctx := &samoacontext.Context{Clock: samoacontext.NewFixedClock(now)}

	local := &Counter{ConsistentValue: 3}
	remote := &Counter{
		Clock:           clock.ClusterClock{ClockIsPruned: true},
		ConsistentValue: 20,
	}

	local.Merge(ctx, remote, time.Hour)

	assert.Equal(t, int64(20), local.ConsistentValue)
	assert.Equal(t, int64(20), local.Value())
}

func TestCounterMergeCommutativeValue(t *testing.T) {
	now := time.Unix(100000, 0)
	ctx := &samoacontext.Context{Clock: samoacontext.NewFixedClock(now), DebugAssertions: true}

	author1 := uuid.New()
	author2 := uuid.New()

	build := func() (*Counter, *Counter) {
		a := &Counter{}
		b := &Counter{}
		a.Update(ctx, author1, 4)
		b.Update(ctx, author2, -2)
		return a, b
	}

	a1, b1 := build()
	a1.Merge(ctx, b1, time.Hour)

	a2, b2 := build()
	b2.Merge(ctx, a2, time.Hour)

	assert.Equal(t, a1.Value(), b2.Value())
}
