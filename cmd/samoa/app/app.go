package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/samoadb/samoa/cluster"
	"github.com/samoadb/samoa/digest"
	"github.com/samoadb/samoa/gossip"
	"github.com/samoadb/samoa/persister"
	"github.com/samoadb/samoa/ringstore"
)

// localPartition bundles the runtime state of one locally-hosted
// partition: its storage stack and its membership digest.
type localPartition struct {
	uuid   uuid.UUID
	store  *persister.Persister
	digest *digest.LocalDigest
	rings  []*ringstore.MappedRing
}

// App is the root runtime object for one Samoa server process: the
// cluster state transaction, every locally-hosted partition's storage,
// and the background gossip/compaction loops. Grounded on cmd/frigg's
// App{cfg, component fields...} shape and New/Run/Stop split.
type App struct {
	cfg    *Config
	logger log.Logger

	serverUUID uuid.UUID
	cluster    *gossip.Transaction
	partitions map[uuid.UUID]*localPartition

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// noopExchanger stands in for the out-of-scope wire transport (spec.md
// §1's "socket/TCP framing" external collaborator): it reports every
// peer unreachable rather than opening a real connection, so gossip
// rounds run on schedule and log cleanly even with no peer RPC layer
// wired up yet. A real Exchanger implementation is the job of the
// network layer this module deliberately does not own.
type noopExchanger struct{}

func (noopExchanger) Exchange(_ context.Context, peer uuid.UUID, _ *cluster.ClusterState) (*cluster.ClusterState, error) {
	return nil, errors.Errorf("no transport configured: cannot reach peer %s", peer)
}

// New builds an App from cfg: it parses every configured table and
// partition, opens an mmap-backed persister stack and digest for each
// partition this server hosts locally, and assembles the initial
// cluster state. It does not yet start any background loop — call Run
// for that.
func New(cfg *Config, logger log.Logger) (*App, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	serverUUID, err := uuid.Parse(cfg.ServerUUID)
	if err != nil {
		return nil, errors.Wrap(err, "parse server_uuid")
	}

	a := &App{
		cfg:        cfg,
		logger:     logger,
		serverUUID: serverUUID,
		partitions: make(map[uuid.UUID]*localPartition),
	}

	state := cluster.NewClusterState()
	for _, pc := range cfg.Peers {
		peerUUID, err := uuid.Parse(pc.ServerUUID)
		if err != nil {
			return nil, errors.Wrapf(err, "parse peer %q server_uuid", pc.Address)
		}
		state.Peers[peerUUID] = &cluster.Peer{ServerUUID: peerUUID, Address: pc.Address, Seed: pc.Seed}
	}

	for _, tc := range cfg.Tables {
		table, err := a.buildTable(tc)
		if err != nil {
			return nil, errors.Wrapf(err, "table %q", tc.Name)
		}
		state.Tables[table.UUID] = table
	}

	a.cluster = gossip.NewTransaction(context.Background(), state)
	return a, nil
}

func (a *App) buildTable(tc TableConfig) (*cluster.Table, error) {
	tableUUID, err := uuid.Parse(tc.UUID)
	if err != nil {
		return nil, errors.Wrap(err, "parse table uuid")
	}

	var dataType cluster.DataType
	switch tc.DataType {
	case "blob":
		dataType = cluster.DataTypeBlob
	case "counter":
		dataType = cluster.DataTypeCounter
	default:
		return nil, errors.Errorf("unknown data_type %q", tc.DataType)
	}

	partitions := make([]*cluster.Partition, 0, len(tc.Partitions))
	for _, pc := range tc.Partitions {
		partUUID, err := uuid.Parse(pc.UUID)
		if err != nil {
			return nil, errors.Wrap(err, "parse partition uuid")
		}
		partServerUUID, err := uuid.Parse(pc.ServerUUID)
		if err != nil {
			return nil, errors.Wrap(err, "parse partition server_uuid")
		}

		partitions = append(partitions, &cluster.Partition{
			UUID:         partUUID,
			ServerUUID:   partServerUUID,
			RingPosition: pc.RingPosition,
		})

		if partServerUUID == a.serverUUID {
			lp, err := a.openLocalPartition(tableUUID, partUUID, pc)
			if err != nil {
				return nil, errors.Wrapf(err, "open local partition %s", partUUID)
			}
			a.partitions[partUUID] = lp
		}
	}

	return cluster.NewTable(tableUUID, a.serverUUID, tc.Name, dataType,
		tc.ReplicationFactor, tc.ConsistencyHorizon, 0, partitions)
}

// openLocalPartition mmaps every configured layer's ring file under
// <data_dir>/<table_uuid>/<partition_uuid>/layer_<n>.dat, builds the
// partition's persister stack over them, and opens its Bloom digest
// alongside (spec.md §6 On-disk files: each partition owns its own
// directory of ring files plus a digest properties+filter file pair).
func (a *App) openLocalPartition(tableUUID, partUUID uuid.UUID, pc PartitionConfig) (*localPartition, error) {
	dir := filepath.Join(a.cfg.DataDir, tableUUID.String(), partUUID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create partition directory")
	}

	layers := make([]*ringstore.HashRing, 0, len(pc.Layers))
	rings := make([]*ringstore.MappedRing, 0, len(pc.Layers))
	for i, lc := range pc.Layers {
		path := filepath.Join(dir, fmt.Sprintf("layer_%d.dat", i))
		mr, err := ringstore.OpenMappedRing(path, lc.BucketCount, lc.Capacity, ringstore.DefaultHasher)
		if err != nil {
			for _, opened := range rings {
				opened.Close()
			}
			return nil, errors.Wrapf(err, "open ring layer %d", i)
		}
		rings = append(rings, mr)
		layers = append(layers, mr.HashRing)
	}

	store := persister.NewFromLayers(layers, log.With(a.logger, "partition", partUUID))

	d, err := digest.NewLocalDigest(dir, partUUID, a.cfg.Digest.TargetElements, a.cfg.Digest.FalsePositiveRate, a.logger)
	if err != nil {
		for _, opened := range rings {
			opened.Close()
		}
		return nil, errors.Wrap(err, "open partition digest")
	}

	// Leaf compaction's upkeep callback feeds every surviving element
	// into the partition digest, so its Bloom filter tracks exactly the
	// keys this partition holds once they've settled to the leaf layer
	// (spec.md §4.9's steady-state churn tracking). It never drops an
	// element (keep is always true) — upkeep here is observational, not
	// a GC hook.
	store.SetUpkeep(func(key, value []byte) (newValue []byte, keep bool) {
		d.Add(key, value)
		return value, true
	})

	return &localPartition{uuid: partUUID, store: store, digest: d, rings: rings}, nil
}

// Run starts every background loop (per-partition compaction, cluster
// gossip) and returns immediately; the loops keep running until Stop is
// called.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	for _, lp := range a.partitions {
		lp.store.StartCompactionLoop(ctx, a.cfg.CompactionInterval)
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		gossip.StartGossipLoop(ctx, a.cluster, noopExchanger{}, a.serverUUID, a.cfg.GossipInterval, a.logger)
	}()

	level.Info(a.logger).Log("msg", "samoa server running",
		"server_uuid", a.serverUUID, "local_partitions", len(a.partitions))
	return nil
}

// Stop cancels every background loop, waits for them to exit, and
// cleanly freezes every open ring file (spec.md §6 Exit conditions:
// "clean shutdown flushes all persister layers, marks them FROZEN, and
// syncs memory-maps").
func (a *App) Stop() error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	var firstErr error
	for _, lp := range a.partitions {
		if err := lp.digest.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		for _, mr := range lp.rings {
			if err := mr.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	level.Info(a.logger).Log("msg", "samoa server stopped")
	return firstErr
}
