package cluster

import (
	"github.com/google/uuid"
)

// Peer is this server's record of another server in the cluster (the
// runtime analog of peer_set's per-server entries): address and whether it
// is a seed (seeds are never pruned by the required-peers rule below, per
// spec.md §4.8).
type Peer struct {
	ServerUUID uuid.UUID
	Address    string
	Seed       bool
}

// ClusterState is an immutable-per-snapshot view of the whole cluster:
// every table this server knows of, plus the peer servers required to
// reach all of their partitions (spec.md §4.8, server/cluster_state.hpp).
//
// Unlike the C++ original's copy-on-write snapshot model (a fresh
// cluster_state built on every change, with operations pinning a
// reference for their duration), this Go port mutates ClusterState
// in place under the exclusive access of a single-writer service
// (package gossip's transaction serializer) — matching §5's guarantee
// that "within the cluster-state service, transactions are strictly
// serialized; readers may observe any committed state but never a
// partial one" without needing a second allocation per mutation.
type ClusterState struct {
	LamportTS uint64
	Tables    map[uuid.UUID]*Table
	Peers     map[uuid.UUID]*Peer
}

// NewClusterState returns an empty cluster state.
func NewClusterState() *ClusterState {
	return &ClusterState{
		Tables: make(map[uuid.UUID]*Table),
		Peers:  make(map[uuid.UUID]*Peer),
	}
}

// RequiredPeers computes the set of peer server uuids referenced by any
// non-dropped partition of any non-dropped table (spec.md §4.8's
// "required peers" set) — every server whose data we might need to talk
// to for replication or routing purposes.
func (cs *ClusterState) RequiredPeers(selfUUID uuid.UUID) map[uuid.UUID]bool {
	required := make(map[uuid.UUID]bool)
	for _, t := range cs.Tables {
		for _, p := range t.Ring {
			if p.Dropped || p.ServerUUID == selfUUID {
				continue
			}
			required[p.ServerUUID] = true
		}
	}
	return required
}

// Merge reconciles a peer's cluster state into cs, per spec.md §4.8:
//   - tables are merged one by one via Table.Merge, with tables the peer
//     knows that we don't being adopted outright;
//   - afterward, peer records not in the required set are dropped (unless
//     marked seed), and a record is added for every required peer we're
//     missing, copied from the peer's own self-description when available.
//
// Returns whether cs was modified.
func (cs *ClusterState) Merge(peer *ClusterState, selfUUID uuid.UUID) bool {
	dirty := false

	for id, peerTable := range peer.Tables {
		if local, ok := cs.Tables[id]; ok {
			if local.Merge(peerTable) {
				dirty = true
			}
		} else {
			cs.Tables[id] = peerTable
			dirty = true
		}
	}

	if peer.LamportTS > cs.LamportTS {
		cs.LamportTS = peer.LamportTS
	}

	required := cs.RequiredPeers(selfUUID)

	for id, p := range cs.Peers {
		if !required[id] && !p.Seed {
			delete(cs.Peers, id)
			dirty = true
		}
	}
	for id := range required {
		if _, ok := cs.Peers[id]; ok {
			continue
		}
		if peerSelf, ok := peer.Peers[id]; ok {
			cp := *peerSelf
			cs.Peers[id] = &cp
		} else {
			cs.Peers[id] = &Peer{ServerUUID: id}
		}
		dirty = true
	}

	return dirty
}
