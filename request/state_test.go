package request

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samoadb/samoa/cluster"
)

func partitionAt(serverUUID uuid.UUID, pos uint64) *cluster.Partition {
	return &cluster.Partition{UUID: uuid.New(), ServerUUID: serverUUID, RingPosition: pos}
}

func TestLoadRouteDerivesPrimaryAndPeersFromKey(t *testing.T) {
	self := uuid.New()
	other := uuid.New()
	parts := []*cluster.Partition{
		partitionAt(other, 10),
		partitionAt(self, 20),
		partitionAt(other, 30),
	}
	tbl, err := cluster.NewTable(uuid.New(), self, "t", cluster.DataTypeBlob, 2, 0, 1, parts)
	require.NoError(t, err)

	s := &State{Key: []byte("some-key")}
	// force a deterministic ring position for this test by setting it
	// directly instead of depending on the real hash of "some-key".
	s.Key = nil
	s.RingPosition = 15
	require.NoError(t, s.LoadRoute(tbl, nil))

	require.NotNil(t, s.PrimaryPartition)
	assert.True(t, s.PrimaryPartition.Local)
	assert.Len(t, s.PeerPartitions, 1)
}

func TestLoadRouteRejectsExplicitPeerMismatch(t *testing.T) {
	self := uuid.New()
	other := uuid.New()
	parts := []*cluster.Partition{partitionAt(other, 10), partitionAt(self, 20)}
	tbl, err := cluster.NewTable(uuid.New(), self, "t", cluster.DataTypeBlob, 2, 0, 1, parts)
	require.NoError(t, err)

	s := &State{RingPosition: 15, PeerPartitionUUIDs: []uuid.UUID{uuid.New()}}
	err = s.LoadRoute(tbl, nil)
	assert.Error(t, err)
}

func TestReplicationQuorumSuccessReturnsTrueExactlyOnce(t *testing.T) {
	// replicationFactor=4 (the local write plus 3 peers, as LoadRoute would
	// produce), quorum=3: the local write already counts toward quorum, so
	// it takes 2 of the 3 peers to succeed, not 3.
	s := &State{}
	require.NoError(t, s.LoadReplication(4, 3))

	assert.False(t, s.PeerReplicationSuccess()) // local + 1 peer = 2/3
	assert.True(t, s.PeerReplicationSuccess())   // local + 2 peers = 3/3, quorum met
	assert.False(t, s.PeerReplicationSuccess())  // swallowed, already succeeded
}

func TestReplicationFailureExhaustsAllPeers(t *testing.T) {
	// replicationFactor=3 (the local write plus 2 peers): the default
	// quorum (3) can never be reached once both peers fail, so the second
	// failure exhausts replication rather than the third.
	s := &State{}
	require.NoError(t, s.LoadReplication(3, 3))

	assert.False(t, s.PeerReplicationFailure())
	assert.True(t, s.PeerReplicationFailure()) // last outstanding peer
	assert.True(t, s.IsReplicationFinished())
}

// TestDefaultQuorumSatisfiedByAllPeersOfRealisticRoute pins the exact
// relationship LoadRoute produces: for a table with replication factor R,
// PeerPartitions holds R-1 entries when the route includes a local
// partition (split out as the primary). With the default quorum (requestedQuorum=0,
// meaning "all of R"), replication must still complete once every one of
// those R-1 peers succeeds — the local write's own implicit credit is
// what makes that R-1th peer success reach the quorum of R.
func TestDefaultQuorumSatisfiedByAllPeersOfRealisticRoute(t *testing.T) {
	const replicationFactor = 4
	const peerCount = replicationFactor - 1

	s := &State{}
	require.NoError(t, s.LoadReplication(replicationFactor, 0))
	require.Equal(t, replicationFactor, s.QuorumCount())

	for i := 0; i < peerCount-1; i++ {
		assert.False(t, s.PeerReplicationSuccess(), "peer %d of %d should not yet reach quorum", i+1, peerCount)
	}
	assert.True(t, s.PeerReplicationSuccess(), "the last of %d peers should complete quorum", peerCount)
	assert.True(t, s.IsReplicationFinished())
}

func TestLoadReplicationZeroQuorumMeansAll(t *testing.T) {
	s := &State{}
	require.NoError(t, s.LoadReplication(3, 0))
	assert.Equal(t, 3, s.QuorumCount())
}

func TestLoadReplicationRejectsOversizedQuorum(t *testing.T) {
	s := &State{}
	assert.Error(t, s.LoadReplication(2, 3))
}
