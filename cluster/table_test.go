package cluster

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustPartition(serverUUID uuid.UUID, pos uint64) *Partition {
	return &Partition{
		UUID:         uuid.New(),
		ServerUUID:   serverUUID,
		RingPosition: pos,
	}
}

func TestNewTableSetsLocalFlagsAndEffectiveReplicationFactor(t *testing.T) {
	self := uuid.New()
	other := uuid.New()

	parts := []*Partition{
		mustPartition(self, 10),
		mustPartition(other, 20),
		mustPartition(other, 30),
	}

	tbl, err := NewTable(uuid.New(), self, "widgets", DataTypeBlob, 5, 0, 1, parts)
	require.NoError(t, err)

	// replication factor bounded by live partition count.
	assert.Equal(t, 3, tbl.ReplicationFactor)
	assert.True(t, tbl.Ring[0].Local)
	assert.False(t, tbl.Ring[1].Local)
}

func TestNewTableRejectsOutOfOrderPartitions(t *testing.T) {
	self := uuid.New()
	parts := []*Partition{
		mustPartition(self, 30),
		mustPartition(self, 10),
	}
	_, err := NewTable(uuid.New(), self, "t", DataTypeBlob, 2, 0, 1, parts)
	assert.ErrorIs(t, err, ErrRingOrderViolation)
}

func TestRouteRingPositionPrefersLocalPrimary(t *testing.T) {
	self := uuid.New()
	other := uuid.New()

	parts := []*Partition{
		mustPartition(other, 10),
		mustPartition(self, 20),
		mustPartition(other, 30),
	}
	tbl, err := NewTable(uuid.New(), self, "t", DataTypeBlob, 2, 0, 1, parts)
	require.NoError(t, err)

	primary, all, isLocal := tbl.RouteRingPosition(15, nil)
	require.NotNil(t, primary)
	assert.True(t, isLocal)
	assert.Equal(t, self, primary.ServerUUID)
	assert.Len(t, all, 2)
}

func TestRouteRingPositionWrapsAroundRing(t *testing.T) {
	self := uuid.New()
	parts := []*Partition{
		mustPartition(self, 10),
		mustPartition(self, 20),
	}
	tbl, err := NewTable(uuid.New(), self, "t", DataTypeBlob, 2, 0, 1, parts)
	require.NoError(t, err)

	// a position past every partition wraps to the first.
	_, all, _ := tbl.RouteRingPosition(1000, nil)
	assert.Len(t, all, 2)
	assert.Equal(t, parts[0].UUID, all[0].UUID)
}

func TestTableMergeAdoptsUnknownPartitionAndHonorsDropTombstone(t *testing.T) {
	self := uuid.New()
	other := uuid.New()
	tableID := uuid.New()

	local, err := NewTable(tableID, self, "t", DataTypeBlob, 2, 0, 1,
		[]*Partition{mustPartition(self, 10)})
	require.NoError(t, err)

	newPart := mustPartition(other, 20)
	remote, err := NewTable(tableID, other, "t", DataTypeBlob, 2, 0, 2,
		[]*Partition{mustPartition(self, 10), newPart})
	require.NoError(t, err)

	dirty := local.Merge(remote)
	assert.True(t, dirty)
	assert.Len(t, local.Ring, 2)
	assert.Equal(t, uint64(2), local.LamportTS)

	// now the peer drops that partition; local should tombstone it too.
	newPart.Dropped = true
	newPart.DroppedTimestamp = 42
	remote2, err := NewTable(tableID, other, "t", DataTypeBlob, 2, 0, 3,
		[]*Partition{mustPartition(self, 10), newPart})
	require.NoError(t, err)

	dirty = local.Merge(remote2)
	assert.True(t, dirty)
	assert.Len(t, local.Ring, 1, "dropped partition must leave the live ring")
	assert.True(t, local.Index[newPart.UUID].Dropped)
}
