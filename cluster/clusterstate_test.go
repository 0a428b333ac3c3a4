package cluster

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClusterStateMergeAdoptsNewTableAndRequiredPeers(t *testing.T) {
	self := uuid.New()
	other := uuid.New()
	tableID := uuid.New()

	local := NewClusterState()

	remoteTable, err := NewTable(tableID, other, "t", DataTypeBlob, 2, 0, 1,
		[]*Partition{mustPartition(self, 10), mustPartition(other, 20)})
	require.NoError(t, err)

	remote := NewClusterState()
	remote.Tables[tableID] = remoteTable
	remote.LamportTS = 7

	dirty := local.Merge(remote, self)
	assert.True(t, dirty)
	require.Contains(t, local.Tables, tableID)
	assert.Equal(t, uint64(7), local.LamportTS)

	required := local.RequiredPeers(self)
	assert.True(t, required[other])
	assert.False(t, required[self], "self should never be in its own required-peers set")

	_, hasPeer := local.Peers[other]
	assert.True(t, hasPeer, "merge must add a peer record for every required server")
}

func TestClusterStateMergePrunesStalePeerUnlessSeed(t *testing.T) {
	self := uuid.New()
	stale := uuid.New()
	seed := uuid.New()

	local := NewClusterState()
	local.Peers[stale] = &Peer{ServerUUID: stale}
	local.Peers[seed] = &Peer{ServerUUID: seed, Seed: true}

	remote := NewClusterState()

	local.Merge(remote, self)

	_, staleStillPresent := local.Peers[stale]
	assert.False(t, staleStillPresent, "peer with no referencing partition must be pruned")

	_, seedStillPresent := local.Peers[seed]
	assert.True(t, seedStillPresent, "seed peers are never pruned")
}
