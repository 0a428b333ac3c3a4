package app

import (
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := &Config{
		ServerUUID:         "11111111-1111-1111-1111-111111111111",
		DataDir:            t.TempDir(),
		GossipInterval:     5 * time.Millisecond,
		CompactionInterval: 5 * time.Millisecond,
		Tables: []TableConfig{
			{
				UUID:              "22222222-2222-2222-2222-222222222222",
				Name:              "default",
				DataType:          "blob",
				ReplicationFactor: 1,
				Partitions: []PartitionConfig{
					{
						UUID:         "33333333-3333-3333-3333-333333333333",
						ServerUUID:   "11111111-1111-1111-1111-111111111111",
						RingPosition: 0,
						Layers: []LayerConfig{
							{BucketCount: 8, Capacity: 4096},
						},
					},
				},
			},
		},
	}
	cfg.defaults()
	return cfg
}

func TestNewOpensLocalPartitionStorage(t *testing.T) {
	a, err := New(testConfig(t), log.NewNopLogger())
	require.NoError(t, err)
	assert.Len(t, a.partitions, 1)
	require.NoError(t, a.Stop())
}

func TestRunAndStopCleanlyFreezesRingFiles(t *testing.T) {
	a, err := New(testConfig(t), log.NewNopLogger())
	require.NoError(t, err)

	require.NoError(t, a.Run())
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, a.Stop())
}
