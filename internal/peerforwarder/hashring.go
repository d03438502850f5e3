// Package peerforwarder implements consistent-hash partitioning of events
// across peer nodes (C4), so that stateful processors needing
// cross-event correlation (C6) see every event for a given identification
// key on the same node.
package peerforwarder

import (
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

type ringEntry struct {
	hash uint64
	peer string
}

// HashRing is a consistent hash over a set of peer endpoints, with
// virtualNodesPerPeer replicas per peer smoothing the key distribution.
type HashRing struct {
	mu           sync.RWMutex
	virtualNodes int
	entries      []ringEntry
	peers        []string
}

func NewHashRing(peers []string, virtualNodesPerPeer int) *HashRing {
	if virtualNodesPerPeer <= 0 {
		virtualNodesPerPeer = 100
	}
	r := &HashRing{virtualNodes: virtualNodesPerPeer}
	r.Update(peers)
	return r
}

// Update rebuilds the ring for a new peer membership list.
func (r *HashRing) Update(peers []string) {
	entries := make([]ringEntry, 0, len(peers)*r.virtualNodes)
	for _, p := range peers {
		for v := 0; v < r.virtualNodes; v++ {
			h := xxhash.Sum64String(fmt.Sprintf("%s#%d", p, v))
			entries = append(entries, ringEntry{hash: h, peer: p})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].hash < entries[j].hash })

	r.mu.Lock()
	r.entries = entries
	r.peers = append([]string(nil), peers...)
	r.mu.Unlock()
}

// Get returns the peer a key maps to, walking clockwise from the key's
// hash position. ok is false when the ring has no peers.
func (r *HashRing) Get(key string) (peer string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.entries) == 0 {
		return "", false
	}
	h := xxhash.Sum64String(key)
	idx := sort.Search(len(r.entries), func(i int) bool { return r.entries[i].hash >= h })
	if idx == len(r.entries) {
		idx = 0
	}
	return r.entries[idx].peer, true
}

// Peers returns the current peer membership.
func (r *HashRing) Peers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.peers...)
}
