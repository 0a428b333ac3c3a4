package digest

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalDigestAddThenTestFindsMember(t *testing.T) {
	d, err := NewLocalDigest(t.TempDir(), uuid.New(), 1000, 0.01, nil)
	require.NoError(t, err)
	defer d.Close()

	d.Add([]byte("k"), []byte("v"))
	assert.True(t, d.Test([]byte("k"), []byte("v")))
	assert.False(t, d.Test([]byte("other"), []byte("v")))
}

func TestLocalDigestReopenLoadsPersistedProperties(t *testing.T) {
	dir := t.TempDir()
	id := uuid.New()

	d1, err := NewLocalDigest(dir, id, 1000, 0.01, nil)
	require.NoError(t, err)
	d1.Add([]byte("k"), []byte("v"))
	props := d1.Properties()
	require.NoError(t, d1.Close())

	d2, err := NewLocalDigest(dir, id, 1000, 0.01, nil)
	require.NoError(t, err)
	defer d2.Close()

	assert.Equal(t, props.Seed, d2.Properties().Seed)
	assert.True(t, d2.Test([]byte("k"), []byte("v")), "reopening must load the persisted filter bytes")
}

func TestLocalDigestRotateReturnsRetiredSnapshot(t *testing.T) {
	d, err := NewLocalDigest(t.TempDir(), uuid.New(), 1000, 0.01, nil)
	require.NoError(t, err)
	defer d.Close()

	d.Add([]byte("k"), []byte("v"))
	retired, err := d.Rotate(1000, 0.01)
	require.NoError(t, err)

	assert.True(t, retired.Test([]byte("k"), []byte("v")), "retired snapshot keeps the old membership")
	assert.False(t, d.Test([]byte("k"), []byte("v")), "rotated-in filter starts empty")
}

func TestRemoteDigestTestMatchesGossipedBytes(t *testing.T) {
	d, err := NewLocalDigest(t.TempDir(), uuid.New(), 1000, 0.01, nil)
	require.NoError(t, err)
	defer d.Close()

	d.Add([]byte("k"), []byte("v"))
	snap := d.Snapshot()

	remote := NewRemoteDigest(snap.Properties(), snap.Bytes())
	assert.True(t, remote.Test([]byte("k"), []byte("v")))
}
