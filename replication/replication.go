// Package replication implements the peer fan-out pipeline of spec.md
// §4.7: REPLICATE RPC construction, quorum accounting (delegated to
// request.State, which owns the exactly-once latch), read-side merge and
// read repair, and forwarding, grounded on
// original_source/.../server/replication.cpp and
// server/command/basic_replicate.cpp.
package replication

import (
	"context"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/samoadb/samoa/api"
	"github.com/samoadb/samoa/cluster"
	"github.com/samoadb/samoa/request"
)

var (
	metricReplicationSuccess = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "samoa", Subsystem: "replication", Name: "peer_success_total",
		Help: "Number of peer replication RPCs that completed successfully.",
	})
	metricReplicationFailure = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "samoa", Subsystem: "replication", Name: "peer_failure_total",
		Help: "Number of peer replication RPCs that failed or erred.",
	})
)

// PeerResult is one peer partition's RPC completion.
type PeerResult struct {
	Partition *cluster.Partition
	Response  *api.SamoaResponse
	Err       error
}

// RequestBuilder builds the REPLICATE request to send to one peer
// partition, given the sender's view of the route (spec.md §4.7: "key,
// table_uuid, primary_partition_uuid (the peer's partition from the
// sender's viewpoint), peer_partition_uuid list").
type RequestBuilder func(peer *cluster.Partition) *api.SamoaRequest

// fanOut dispatches one goroutine per peer partition and returns a
// buffered channel of their completions. The channel's capacity equals
// the peer count so that a caller which stops reading early (because
// quorum was already reached) never blocks a still-running goroutine —
// matching §5's cancellation model: "all in-flight replication for that
// request becomes orphaned (not cancelled — completions are simply
// discarded)."
func fanOut(ctx context.Context, transport Transport, peers []*cluster.Partition, build RequestBuilder) <-chan PeerResult {
	ch := make(chan PeerResult, len(peers))
	for _, p := range peers {
		p := p
		go func() {
			resp, err := transport.Send(ctx, p.ServerUUID, build(p))
			ch <- PeerResult{Partition: p, Response: resp, Err: err}
		}()
	}
	return ch
}

// ReplicatedWrite fans a write out to every peer partition in st, feeding
// each completion through request.State's quorum latch, and returns once
// the latch fires (quorum met, or every peer has completed). Remaining
// in-flight peer completions are left to drain into the buffered channel
// and are never consumed, per the orphaning semantics above.
func ReplicatedWrite(ctx context.Context, st *request.State, transport Transport, build RequestBuilder, logger log.Logger) {
	if len(st.PeerPartitions) == 0 {
		return
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	ch := fanOut(ctx, transport, st.PeerPartitions, build)
	for range st.PeerPartitions {
		res := <-ch
		var done bool
		if res.Err != nil || res.Response == nil || !res.Response.Success {
			metricReplicationFailure.Inc()
			level.Debug(logger).Log("msg", "peer replicate failed", "partition", res.Partition.UUID, "err", res.Err)
			done = st.PeerReplicationFailure()
		} else {
			metricReplicationSuccess.Inc()
			done = st.PeerReplicationSuccess()
		}
		if done {
			return
		}
	}
}

// RecordMerge reconciles a peer's data block into the accumulated
// RemoteRecord (the datatype's consistent merge, spec.md §4.7's
// read-side merge step). It reports whether the merge actually changed
// remote (a "read hit" worth repairing) and whether the merge showed the
// *local* side (whatever RemoteRecord held before this call) to be more
// recent than the peer's, which should trigger a reverse replicated write
// back to that peer.
type RecordMerge func(remote, peerData []byte) (merged []byte, changed bool, localWasNewer bool, err error)

// ReadRepairTarget names a peer whose record was found stale during
// read-side merge and should receive a reverse replicated write.
type ReadRepairTarget struct {
	Partition *cluster.Partition
	Merged    []byte
}

// ReplicatedRead fans a read out to every peer partition, merging each
// data-bearing response into RemoteRecord via merge, and returns the
// final merged record plus the set of peers whose copy should be
// repaired with it (spec.md §4.7's read-side merge + read repair).
func ReplicatedRead(ctx context.Context, st *request.State, transport Transport, build RequestBuilder, merge RecordMerge, logger log.Logger) (remote []byte, repair []ReadRepairTarget, err error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if len(st.PeerPartitions) == 0 {
		return st.RemoteRecord, nil, nil
	}

	ch := fanOut(ctx, transport, st.PeerPartitions, build)
	remote = st.RemoteRecord

	for range st.PeerPartitions {
		res := <-ch
		var done bool
		if res.Err != nil || res.Response == nil || !res.Response.Success {
			metricReplicationFailure.Inc()
			done = st.PeerReplicationFailure()
			if done {
				break
			}
			continue
		}

		metricReplicationSuccess.Inc()

		if len(res.Response.DataBlock) > 0 {
			merged, changed, localWasNewer, mergeErr := merge(remote, res.Response.DataBlock)
			if mergeErr != nil {
				level.Debug(logger).Log("msg", "peer record merge failed", "partition", res.Partition.UUID, "err", mergeErr)
			} else {
				remote = merged
				if changed {
					st.SetPeerReadHit()
				}
				if localWasNewer {
					repair = append(repair, ReadRepairTarget{Partition: res.Partition, Merged: remote})
				}
			}
		}

		done = st.PeerReplicationSuccess()
		if done {
			break
		}
	}

	st.RemoteRecord = remote
	return remote, repair, nil
}

// SelectForwardTarget picks the lowest-latency connected peer among
// candidates, for forwarding a request that landed on a node owning no
// local primary partition for the key (spec.md §4.7 "Forwarding").
// Returns nil if no candidate is currently connected.
func SelectForwardTarget(candidates []*cluster.Partition, latency cluster.LatencyLookup) *cluster.Partition {
	var best *cluster.Partition
	bestMS := int(^uint(0) >> 1)
	for _, p := range candidates {
		ms, connected := latency.LatencyMS(p.ServerUUID)
		if connected && ms < bestMS {
			bestMS = ms
			best = p
		}
	}
	return best
}

// Forward sends req verbatim to target and returns its response,
// mirroring spec.md §4.7: "it is forwarded verbatim to the lowest-latency
// peer that does [own a local primary], and its response is forwarded
// back."
func Forward(ctx context.Context, transport Transport, target *cluster.Partition, req *api.SamoaRequest) (*api.SamoaResponse, error) {
	if target == nil {
		return nil, api.NewStateError(api.ErrNoPeerAvailable, "no connected peer available for forwarding")
	}
	return transport.Send(ctx, target.ServerUUID, req)
}
