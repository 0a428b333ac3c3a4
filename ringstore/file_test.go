package ringstore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMappedRingCreatesAndRoundTripsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring0.dat")

	ring, err := OpenMappedRing(path, 8, 4096, identityHasher)
	require.NoError(t, err)

	require.NoError(t, ring.Put([]byte("hello"), []byte("world")))
	got, err := ring.Locate([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("world"), got)

	require.NoError(t, ring.Close())
}

func TestOpenMappedRingReopenRestoresCursorsAndData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring1.dat")

	ring, err := OpenMappedRing(path, 8, 4096, identityHasher)
	require.NoError(t, err)
	require.NoError(t, ring.Put([]byte("k"), []byte("v")))
	wantHead, wantTail, wantUsed := ring.Checkpoint()
	require.NoError(t, ring.Close())

	reopened, err := OpenMappedRing(path, 8, 4096, identityHasher)
	require.NoError(t, err)
	defer reopened.Close()

	gotHead, gotTail, gotUsed := reopened.Checkpoint()
	assert.Equal(t, wantHead, gotHead)
	assert.Equal(t, wantTail, gotTail)
	assert.Equal(t, wantUsed, gotUsed)

	got, err := reopened.Locate([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)
}

func TestOpenMappedRingRejectsUncleanlyClosedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring2.dat")

	ring, err := OpenMappedRing(path, 8, 4096, identityHasher)
	require.NoError(t, err)
	require.NoError(t, ring.Put([]byte("k"), []byte("v")))

	// Simulate a crash: mark the header ACTIVE (as it is mid-session)
	// but never call Close/Freeze, then try to reopen without going
	// through a clean shutdown.
	require.NoError(t, ring.region.Flush())

	_, err = OpenMappedRing(path, 8, 4096, identityHasher)
	assert.Error(t, err)
}
