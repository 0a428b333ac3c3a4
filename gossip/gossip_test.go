package gossip

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samoadb/samoa/cluster"
)

type fakeExchanger struct {
	states map[uuid.UUID]*cluster.ClusterState
	err    map[uuid.UUID]error
}

func (f *fakeExchanger) Exchange(_ context.Context, serverUUID uuid.UUID, _ *cluster.ClusterState) (*cluster.ClusterState, error) {
	if err, ok := f.err[serverUUID]; ok {
		return nil, err
	}
	return f.states[serverUUID], nil
}

func TestTransactionDoSerializesMutations(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tx := NewTransaction(ctx, cluster.NewClusterState())

	for i := 0; i < 100; i++ {
		tx.Do(func(cs *cluster.ClusterState) {
			cs.LamportTS++
		})
	}

	snap := tx.Snapshot()
	assert.Equal(t, uint64(100), snap.LamportTS)
}

func TestExchangeOnceMergesEveryReachablePeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	self := uuid.New()
	peerA, peerB := uuid.New(), uuid.New()

	initial := cluster.NewClusterState()
	initial.Peers[peerA] = &cluster.Peer{ServerUUID: peerA}
	initial.Peers[peerB] = &cluster.Peer{ServerUUID: peerB}

	tx := NewTransaction(ctx, initial)

	peerAState := cluster.NewClusterState()
	peerAState.LamportTS = 5

	exch := &fakeExchanger{
		states: map[uuid.UUID]*cluster.ClusterState{peerA: peerAState},
		err:    map[uuid.UUID]error{peerB: assert.AnError},
	}

	require.NoError(t, ExchangeOnce(ctx, tx, exch, self, nil))

	snap := tx.Snapshot()
	assert.Equal(t, uint64(5), snap.LamportTS, "peerA's higher lamport_ts must be merged in despite peerB failing")
}

func TestStartGossipLoopRunsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	tx := NewTransaction(ctx, cluster.NewClusterState())
	exch := &fakeExchanger{states: map[uuid.UUID]*cluster.ClusterState{}}

	done := make(chan struct{})
	go func() {
		StartGossipLoop(ctx, tx, exch, uuid.New(), 5*time.Millisecond, nil)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("gossip loop did not stop after context cancellation")
	}
}
