package persister

import (
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samoadb/samoa/clock"
)

// lastWriterWins is a trivial MergeFunc for tests that don't care about
// clock-aware reconciliation: remote always replaces local.
func lastWriterWins(local, remote []byte) ([]byte, clock.MergeResult, error) {
	return remote, clock.MergeResult{LocalWasUpdated: true}, nil
}

func rejectUpdate(local, remote []byte) ([]byte, clock.MergeResult, error) {
	return local, clock.MergeResult{LocalWasUpdated: false}, nil
}

func smallPersister() *Persister {
	return New(Config{
		Layers: []LayerConfig{
			{BucketCount: 8, Capacity: 4096},
			{BucketCount: 8, Capacity: 4096},
		},
	}, log.NewNopLogger())
}

func TestPersisterPutThenGetRoundTrips(t *testing.T) {
	p := smallPersister()

	_, _, err := p.Put([]byte("k"), []byte("v1"), lastWriterWins)
	require.NoError(t, err)

	v, found, err := p.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v1"), v)
}

func TestPersisterPutMergeRejectionAbortsWrite(t *testing.T) {
	p := smallPersister()

	_, _, err := p.Put([]byte("k"), []byte("v1"), lastWriterWins)
	require.NoError(t, err)

	_, result, err := p.Put([]byte("k"), []byte("stale"), rejectUpdate)
	require.NoError(t, err)
	assert.False(t, result.LocalWasUpdated)

	v, found, err := p.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v1"), v, "rejected merge must not overwrite the stored value")
}

func TestPersisterDropThenGetNotFound(t *testing.T) {
	p := smallPersister()

	_, _, err := p.Put([]byte("k"), []byte("v"), lastWriterWins)
	require.NoError(t, err)

	found, err := p.Drop([]byte("k"))
	require.NoError(t, err)
	assert.True(t, found)

	_, found, err = p.Get([]byte("k"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPersisterIterateCoversEveryLiveKey(t *testing.T) {
	p := smallPersister()

	want := map[string]string{"a": "1", "b": "2", "c": "3"}
	for k, v := range want {
		_, _, err := p.Put([]byte(k), []byte(v), lastWriterWins)
		require.NoError(t, err)
	}

	got := map[string]string{}
	ticket := p.IterateBegin()
	for {
		k, v, ok, err := p.IterateNext(ticket)
		require.NoError(t, err)
		if !ok {
			break
		}
		got[string(k)] = string(v)
	}

	assert.Equal(t, want, got)
}

func TestPersisterInnerCompactionSpillsLiveElementToNextLayer(t *testing.T) {
	p := smallPersister()

	_, _, err := p.Put([]byte("k"), []byte("v"), lastWriterWins)
	require.NoError(t, err)

	freed := p.RunCompactionPass()
	assert.Greater(t, freed, uint32(0))

	v, found, err := p.Get([]byte("k"))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), v)

	// it should now live in the leaf layer, not root.
	_, err = p.layers[0].Locate([]byte("k"))
	assert.Error(t, err)
	_, err = p.layers[1].Locate([]byte("k"))
	assert.NoError(t, err)
}

func TestPersisterLeafCompactionDropsViaUpkeep(t *testing.T) {
	p := smallPersister()
	p.SetUpkeep(func(key, value []byte) ([]byte, bool) {
		return value, string(key) != "expire-me"
	})

	_, _, err := p.Put([]byte("expire-me"), []byte("v"), lastWriterWins)
	require.NoError(t, err)

	// push it down to the leaf layer first.
	p.RunCompactionPass()
	_, found, err := p.Get([]byte("expire-me"))
	require.NoError(t, err)
	require.True(t, found)

	// now leaf-compact it away.
	p.RunCompactionPass()

	_, found, err = p.Get([]byte("expire-me"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPersisterBottomUpCompactionKeepsEveryKeyReadable(t *testing.T) {
	p := smallPersister()

	for _, k := range []string{"a", "b", "c"} {
		_, _, err := p.Put([]byte(k), []byte(k+"-value"), lastWriterWins)
		require.NoError(t, err)
	}

	p.BottomUpCompaction()

	for _, k := range []string{"a", "b", "c"} {
		v, found, err := p.Get([]byte(k))
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, []byte(k+"-value"), v)
	}
}
