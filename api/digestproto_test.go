package api

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigestPropertiesMarshalRoundTrips(t *testing.T) {
	want := DigestProperties{
		Seed:        12345,
		ByteLength:  4096,
		PartitionID: uuid.New(),
	}

	data, err := want.Marshal()
	require.NoError(t, err)

	var got DigestProperties
	require.NoError(t, got.Unmarshal(data))

	assert.Equal(t, want, got)
}

func TestStateErrorFormatsCodeAndMessage(t *testing.T) {
	err := NewStateError(ErrRoutingConflict, "key routes to %s, not %s", "p1", "p2")
	assert.Equal(t, uint32(409), err.Code)
	assert.Contains(t, err.Error(), "409")
	assert.Contains(t, err.Error(), "routes to p1")
}
