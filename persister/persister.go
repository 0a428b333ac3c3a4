// Package persister implements Samoa's layered storage stack: an
// ordered list of ringstore.HashRing layers (layer 0 the "root", every
// write target; the last layer the "leaf", compaction's eventual sink),
// with a single serial worker so every get/put/drop/compaction pass
// against the stack is strictly ordered (spec.md §4.2).
//
// The worker/job-queue shape is grounded on friggdb's pool.Pool
// (friggdb/pool/pool.go) collapsed to exactly one worker, since the
// persister's correctness (compaction must never race a concurrent put)
// depends on strict serialization rather than the pool's concurrent
// fan-out.
package persister

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/samoadb/samoa/clock"
	"github.com/samoadb/samoa/ringstore"
)

var (
	metricGetTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "samoa",
		Subsystem: "persister",
		Name:      "get_total",
		Help:      "Total number of persister Get calls.",
	})
	metricPutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "samoa",
		Subsystem: "persister",
		Name:      "put_total",
		Help:      "Total number of persister Put calls.",
	})
	metricDropTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "samoa",
		Subsystem: "persister",
		Name:      "drop_total",
		Help:      "Total number of persister Drop calls.",
	})
	metricCompactionBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "samoa",
		Subsystem: "persister",
		Name:      "compaction_bytes_total",
		Help:      "Total bytes reclaimed across all compaction passes.",
	})
	metricCompactionRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "samoa",
		Subsystem: "persister",
		Name:      "compaction_runs_total",
		Help:      "Total compaction passes run, by kind.",
	}, []string{"kind"})
)

// LayerConfig sizes one HashRing layer.
type LayerConfig struct {
	BucketCount uint32
	Capacity    uint32
}

// Config describes a persister's full layer stack, ordered root-first.
type Config struct {
	Layers []LayerConfig
	// QueueDepth bounds the serial worker's pending job backlog.
	QueueDepth int
}

type ticket struct {
	layerIdx  int
	offset    uint32
	hasOffset bool
}

// Persister is a serially-accessed stack of ringstore.HashRing layers.
type Persister struct {
	layers []*ringstore.HashRing
	upkeep UpkeepFunc

	tickets   map[uint64]*ticket
	ticketSeq atomic.Uint64

	jobs   chan func()
	logger log.Logger
}

// ErrQueueFull is returned when the serial worker's job backlog is
// saturated.
var ErrQueueFull = errors.New("persister: job queue is full")

// New builds a persister with a freshly formatted in-memory layer stack
// and starts its single serial worker. Callers needing durable storage
// back individual layers' regions with a memory-mapped file before
// passing them to a lower-level constructor (see ringstore.NewHashRing);
// this entry point is the common in-memory case used by tests and by
// leaf layers that are deliberately ephemeral.
func New(cfg Config, logger log.Logger) *Persister {
	layers := make([]*ringstore.HashRing, len(cfg.Layers))
	for i, lc := range cfg.Layers {
		region := make([]byte, ringstore.RegionBytes(lc.BucketCount, lc.Capacity))
		layers[i] = ringstore.NewHashRing(region, lc.BucketCount, ringstore.DefaultHasher)
	}

	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 1024
	}

	p := &Persister{
		layers:  layers,
		tickets: make(map[uint64]*ticket),
		jobs:    make(chan func(), depth),
		logger:  logger,
	}
	go p.worker()
	return p
}

// NewFromLayers builds a persister over already-constructed HashRing
// layers (e.g. ones backed by memory-mapped files opened by the caller).
func NewFromLayers(layers []*ringstore.HashRing, logger log.Logger) *Persister {
	p := &Persister{
		layers:  layers,
		tickets: make(map[uint64]*ticket),
		jobs:    make(chan func(), 1024),
		logger:  logger,
	}
	go p.worker()
	return p
}

// SetUpkeep installs the callback leaf compaction invokes on each live
// element it visits (spec.md §4.9). Must be called before any
// compaction pass runs; not safe to change concurrently with one.
func (p *Persister) SetUpkeep(fn UpkeepFunc) { p.upkeep = fn }

func (p *Persister) worker() {
	for job := range p.jobs {
		job()
	}
}

// do enqueues fn on the serial worker and blocks until it has run,
// giving Persister's exported methods a synchronous call signature over
// an internally-serialized implementation (mirrors friggdb/pool.Pool's
// job/done-channel pattern, collapsed to a single worker).
func (p *Persister) do(fn func()) error {
	done := make(chan struct{})
	select {
	case p.jobs <- func() { fn(); close(done) }:
	default:
		return ErrQueueFull
	}
	<-done
	return nil
}

// LayerCount is the number of layers in the stack.
func (p *Persister) LayerCount() int { return len(p.layers) }

// Get returns the value currently stored under key, searching layers
// root-to-leaf (mirrors persister::on_get). At most one layer should
// ever hold a live copy of a given key; compaction and Put both
// maintain that invariant.
func (p *Persister) Get(key []byte) (value []byte, found bool, err error) {
	metricGetTotal.Inc()
	doErr := p.do(func() {
		value, found, err = p.locate(key)
	})
	if doErr != nil {
		return nil, false, doErr
	}
	return value, found, err
}

func (p *Persister) locate(key []byte) (value []byte, found bool, err error) {
	for _, layer := range p.layers {
		v, lerr := layer.Locate(key)
		if lerr == nil {
			return v, true, nil
		}
		if !errors.Is(lerr, ringstore.ErrNotFound) {
			return nil, false, lerr
		}
	}
	return nil, false, nil
}

func (p *Persister) locateLayer(key []byte) (layerIdx int, value []byte, found bool, err error) {
	for i, layer := range p.layers {
		v, lerr := layer.Locate(key)
		if lerr == nil {
			return i, v, true, nil
		}
		if !errors.Is(lerr, ringstore.ErrNotFound) {
			return 0, nil, false, lerr
		}
	}
	return 0, nil, false, nil
}

// Put merges remote into whatever is currently stored locally under key
// (nil if nothing is), via merge, and writes the merged value to the
// root layer. If a prior copy lived in a deeper layer, it is dropped
// there once the merged copy lands in root. Mirrors persister::on_put,
// minus its in-place-rewrite fast path (see DESIGN.md) — every write
// here reallocates, which is simpler and still correct, just less
// space-efficient on update-heavy keys.
func (p *Persister) Put(key, remote []byte, merge MergeFunc) (merged []byte, result clock.MergeResult, err error) {
	metricPutTotal.Inc()
	doErr := p.do(func() {
		layerIdx, local, found, lerr := p.locateLayer(key)
		if lerr != nil {
			err = lerr
			return
		}

		var localValue []byte
		if found {
			localValue = local
		}

		merged, result, err = merge(localValue, remote)
		if err != nil {
			return
		}
		if found && !result.LocalWasUpdated {
			// remote is stale relative to local; write is aborted.
			return
		}

		if perr := p.layers[0].Put(key, merged); perr != nil {
			err = perr
			return
		}
		if found && layerIdx != 0 {
			_ = p.layers[layerIdx].Delete(key)
		}
	})
	if doErr != nil {
		return nil, clock.MergeResult{}, doErr
	}
	return merged, result, err
}

// Drop marks whichever layer holds key's live element dead. Its space
// is reclaimed later, in ring order, by a compaction pass.
func (p *Persister) Drop(key []byte) (found bool, err error) {
	metricDropTotal.Inc()
	doErr := p.do(func() {
		for _, layer := range p.layers {
			derr := layer.Delete(key)
			if derr == nil {
				found = true
				return
			}
			if !errors.Is(derr, ringstore.ErrNotFound) {
				err = derr
				return
			}
		}
	})
	if doErr != nil {
		return false, doErr
	}
	return found, err
}

// IterateBegin allocates a fresh iteration ticket positioned at the
// first live element in the stack (walking the leaf layer head-to-tail,
// then each shallower layer in turn, finally the root — mirrors
// persister::begin_iteration / step_iterator). The ticket records a ring
// position (layer and byte offset); compaction passes do not update it,
// so a position that compaction reclaims in the meantime is not tracked.
func (p *Persister) IterateBegin() uint64 {
	var id uint64
	_ = p.do(func() {
		it := &ticket{layerIdx: len(p.layers) - 1}
		p.advanceTicket(it)
		id = p.ticketSeq.Inc()
		p.tickets[id] = it
	})
	return id
}

// IterateNext returns the element a ticket is currently positioned at
// and advances it to the next one. ok is false once iteration has
// completed, at which point the ticket is released.
func (p *Persister) IterateNext(id uint64) (key, value []byte, ok bool, err error) {
	doErr := p.do(func() {
		it, exists := p.tickets[id]
		if !exists || it.layerIdx < 0 {
			delete(p.tickets, id)
			return
		}

		key, value, err = p.layers[it.layerIdx].ElementAt(it.offset)
		if err != nil {
			delete(p.tickets, id)
			return
		}
		ok = true

		p.advanceTicket(it)
		if it.layerIdx < 0 {
			delete(p.tickets, id)
		}
	})
	if doErr != nil {
		return nil, nil, false, doErr
	}
	return key, value, ok, err
}

// advanceTicket moves it to the next live, non-continuation, non-padding packet,
// crossing from the current layer to the next shallower one once the
// current layer's tail is reached. Sets layerIdx to -1 once every layer
// has been exhausted down to the root. Mirrors persister::step_iterator.
func (p *Persister) advanceTicket(it *ticket) {
	for {
		if !it.hasOffset {
			for it.layerIdx >= 0 {
				if off, ok := p.layers[it.layerIdx].HeadOffset(); ok {
					it.offset = off
					it.hasOffset = true
					break
				}
				it.layerIdx--
			}
			if !it.hasOffset {
				it.layerIdx = -1
				return
			}
		} else {
			next, ok := p.layers[it.layerIdx].NextOffset(it.offset)
			if ok {
				it.offset = next
			} else {
				it.hasOffset = false
				it.layerIdx--
				continue
			}
		}

		pkt := p.layers[it.layerIdx].PacketAt(it.offset)
		if !pkt.IsDead() && !pkt.ContinuesSequence() && !pkt.IsPadding() {
			return
		}
	}
}

// innerCompaction compacts one non-leaf layer: reclaims its head if
// already dead, or spills a live head element down into the next layer
// and reclaims it here. Returns bytes freed in this layer, or 0 if
// nothing happened (including when the next layer's Put fails, e.g. the
// element is larger than that layer). A full next layer does not refuse
// the spill: its Put reclaims that layer's own oldest packets, live or
// dead, to make room.
func (p *Persister) innerCompaction(layerIdx int) uint32 {
	layer := p.layers[layerIdx]
	if layer.IsEmpty() {
		return 0
	}
	if layer.HeadIsDead() {
		freed, _ := layer.ReclaimHead()
		return freed
	}

	key, value, err := layer.HeadKeyValue()
	if err != nil {
		level.Error(p.logger).Log("msg", "persister: corrupt element during compaction", "layer", layerIdx, "err", err)
		return 0
	}

	next := p.layers[layerIdx+1]
	if err := next.Put(key, value); err != nil {
		return 0
	}

	layer.MarkHeadDead()
	freed, _ := layer.ReclaimHead()
	return freed
}

// leafCompaction compacts the last layer: reclaims a dead head outright,
// or runs the upkeep callback over a live head element and either drops
// it or rewrites it at the ring's tail (preserving it, since the leaf
// layer has nowhere further to spill to). Mirrors persister::leaf_compaction.
func (p *Persister) leafCompaction() uint32 {
	layer := p.layers[len(p.layers)-1]
	if layer.IsEmpty() {
		return 0
	}
	if layer.HeadIsDead() {
		freed, _ := layer.ReclaimHead()
		return freed
	}

	key, value, err := layer.HeadKeyValue()
	if err != nil {
		level.Error(p.logger).Log("msg", "persister: corrupt element during leaf compaction", "err", err)
		return 0
	}

	keep := true
	if p.upkeep != nil {
		value, keep = p.upkeep(key, value)
	}

	layer.MarkHeadDead()
	freed, _ := layer.ReclaimHead()

	if keep {
		if err := layer.Put(key, value); err != nil {
			level.Error(p.logger).Log("msg", "persister: leaf compaction re-write failed", "err", err)
		}
	}
	return freed
}

// topDownCompactionPass runs inner compaction over layers root-to-leaf,
// stopping at the first layer that actually freed bytes, falling back
// to leaf compaction if none did. Mirrors persister::top_down_compaction.
func (p *Persister) topDownCompactionPass() uint32 {
	for i := 0; i+1 < len(p.layers); i++ {
		if freed := p.innerCompaction(i); freed > 0 {
			return freed
		}
	}
	return p.leafCompaction()
}

// RunCompactionPass runs a single top-down compaction pass, spilling at
// most one layer's worth of head elements further down the stack. A
// background caller (see StartCompactionLoop) runs this periodically to
// keep the root layer from filling with live data faster than writes
// can reclaim space for new ones.
func (p *Persister) RunCompactionPass() (bytesFreed uint32) {
	_ = p.do(func() {
		bytesFreed = p.topDownCompactionPass()
		metricCompactionBytesTotal.Add(float64(bytesFreed))
		metricCompactionRunsTotal.WithLabelValues("top_down").Inc()
	})
	return
}

// BottomUpCompaction runs one full bottom-up pass: leaf compaction once,
// then inner compaction for every non-leaf layer from the deepest to
// the root. Mirrors persister::on_bottom_up_compaction — used to drain
// and rebalance the whole stack, e.g. before a layer resize.
func (p *Persister) BottomUpCompaction() {
	_ = p.do(func() {
		freed := p.leafCompaction()
		for i := len(p.layers) - 2; i >= 0; i-- {
			freed += p.innerCompaction(i)
		}
		metricCompactionBytesTotal.Add(float64(freed))
		metricCompactionRunsTotal.WithLabelValues("bottom_up").Inc()
	})
}

// StartCompactionLoop runs RunCompactionPass on a ticker until ctx is
// canceled. Grounded on friggdb's ticker-driven runBlockListPollLoop
// (friggdb/friggdb.go) — background maintenance via a simple ticker
// loop rather than blocking synchronously inside Put, which is this
// port's deliberate simplification of persister::on_put's inline
// compaction retry loop (see DESIGN.md).
func (p *Persister) StartCompactionLoop(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.RunCompactionPass()
			}
		}
	}()
}
