// Package app wires together a single Samoa server process: config,
// logging, the on-disk persister stack per local partition, cluster
// state, and the background gossip/compaction loops. Grounded on
// cmd/frigg/app's Config/App/Run/Stop shape, rebuilt from scratch
// against Samoa's own dependency stack (viper/yaml.v2 instead of
// cortex's cfg.Parse+flag registration, since that flag-registration
// idiom belongs to cortex/weaveworks packages not in this module's
// go.mod).
package app

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// LayerConfig sizes one on-disk HashRing layer of a local partition's
// persister stack.
type LayerConfig struct {
	BucketCount uint32 `yaml:"bucket_count" mapstructure:"bucket_count"`
	Capacity    uint32 `yaml:"capacity" mapstructure:"capacity"`
}

// PartitionConfig describes one partition entry on a table's ring.
type PartitionConfig struct {
	UUID       string `yaml:"uuid" mapstructure:"uuid"`
	ServerUUID string `yaml:"server_uuid" mapstructure:"server_uuid"`
	// RingPosition is omitted for peer-owned partitions discovered purely
	// via gossip; config only needs to seed the partitions this process
	// already knows about at startup (its own, plus any seed peers).
	RingPosition uint64        `yaml:"ring_position" mapstructure:"ring_position"`
	Layers       []LayerConfig `yaml:"layers" mapstructure:"layers"`
}

// TableConfig describes one table's identity and initial ring.
type TableConfig struct {
	UUID               string            `yaml:"uuid" mapstructure:"uuid"`
	Name               string            `yaml:"name" mapstructure:"name"`
	DataType           string            `yaml:"data_type" mapstructure:"data_type"`
	ReplicationFactor  int               `yaml:"replication_factor" mapstructure:"replication_factor"`
	ConsistencyHorizon uint64            `yaml:"consistency_horizon" mapstructure:"consistency_horizon"`
	Partitions         []PartitionConfig `yaml:"partitions" mapstructure:"partitions"`
}

// PeerConfig describes one other server this node gossips with.
type PeerConfig struct {
	ServerUUID string `yaml:"server_uuid" mapstructure:"server_uuid"`
	Address    string `yaml:"address" mapstructure:"address"`
	Seed       bool   `yaml:"seed" mapstructure:"seed"`
}

// DigestConfig sizes the Bloom digest kept per local partition (§4.9).
type DigestConfig struct {
	TargetElements    uint    `yaml:"target_elements" mapstructure:"target_elements"`
	FalsePositiveRate float64 `yaml:"false_positive_rate" mapstructure:"false_positive_rate"`
}

// Config is the root configuration for a Samoa server process.
type Config struct {
	ServerUUID string `yaml:"server_uuid" mapstructure:"server_uuid"`
	DataDir    string `yaml:"data_dir" mapstructure:"data_dir"`
	LogLevel   string `yaml:"log_level" mapstructure:"log_level"`

	GossipInterval     time.Duration `yaml:"gossip_interval" mapstructure:"gossip_interval"`
	CompactionInterval time.Duration `yaml:"compaction_interval" mapstructure:"compaction_interval"`

	Digest DigestConfig `yaml:"digest" mapstructure:"digest"`

	Tables []TableConfig `yaml:"tables" mapstructure:"tables"`
	Peers  []PeerConfig  `yaml:"peers" mapstructure:"peers"`
}

// defaults fills in zero-valued fields with spec-reasonable values so a
// minimal config file (just server_uuid + tables) is enough to start.
func (c *Config) defaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.GossipInterval == 0 {
		c.GossipInterval = time.Second
	}
	if c.CompactionInterval == 0 {
		c.CompactionInterval = 500 * time.Millisecond
	}
	if c.Digest.TargetElements == 0 {
		c.Digest.TargetElements = 1 << 20
	}
	if c.Digest.FalsePositiveRate == 0 {
		c.Digest.FalsePositiveRate = 0.01
	}
}

// LoadConfig reads a YAML config file via viper (SPEC_FULL.md DOMAIN
// STACK: viper + yaml.v2, matching the rest of the pack's config idiom)
// and applies defaults for anything left unset.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrap(err, "read config file")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	cfg.defaults()

	if cfg.ServerUUID == "" {
		return nil, errors.New("config: server_uuid is required")
	}
	if len(cfg.Tables) == 0 {
		return nil, errors.New("config: at least one table is required")
	}

	return &cfg, nil
}
