package peerforwarder

import (
	"strings"

	"github.com/dataprepper/corepipe/internal/event"
)

// separator cannot appear in rendered field values; it is the ASCII unit
// separator, per spec §4.3.
const separator = "\x1f"

// DiscoveryMode selects how peer membership is determined. Only local_node
// is special-cased by New; every other mode (static, dns, aws_cloud_map)
// builds the ring from the peer list it is given, with no live discovery.
type DiscoveryMode string

const (
	DiscoveryLocalNode DiscoveryMode = "local_node"
	DiscoveryStatic    DiscoveryMode = "static"
)

// Forwarder partitions a batch of records into the subset that stays local
// and the subsets that must be sent to each remote peer.
type Forwarder interface {
	Forward(identificationKeys []string, batch []event.Record) (local []event.Record, remote map[string][]event.Record)
}

// RingForwarder partitions events by a consistent hash over the configured
// peer endpoints.
type RingForwarder struct {
	ring      *HashRing
	localPeer string
}

func NewRingForwarder(ring *HashRing, localPeer string) *RingForwarder {
	return &RingForwarder{ring: ring, localPeer: localPeer}
}

// partitionKey concatenates the string renderings of the identification
// key fields with a separator that cannot appear in the values. If any key
// is missing from the event, ok is false and the event is treated as local.
func partitionKey(r event.Record, identificationKeys []string) (string, bool) {
	parts := make([]string, 0, len(identificationKeys))
	for _, k := range identificationKeys {
		v, ok, err := r.Data.Get(k)
		if err != nil || !ok {
			return "", false
		}
		parts = append(parts, v.Render())
	}
	return strings.Join(parts, separator), true
}

func (f *RingForwarder) Forward(identificationKeys []string, batch []event.Record) (local []event.Record, remote map[string][]event.Record) {
	remote = make(map[string][]event.Record)
	for _, r := range batch {
		key, ok := partitionKey(r, identificationKeys)
		if !ok {
			local = append(local, r)
			continue
		}
		peer, ok := f.ring.Get(key)
		if !ok || peer == f.localPeer {
			local = append(local, r)
			continue
		}
		remote[peer] = append(remote[peer], r)
	}
	return local, remote
}

// LocalPeerForwarder short-circuits all events to local processing. It is
// used when discovery_mode is local_node, or when only one peer (the local
// node itself) is configured.
type LocalPeerForwarder struct{}

func (LocalPeerForwarder) Forward(_ []string, batch []event.Record) (local []event.Record, remote map[string][]event.Record) {
	return batch, nil
}

// New selects a Forwarder implementation for the given discovery mode and
// peer membership, per spec §4.3's LocalPeerForwarder short-circuit.
func New(mode DiscoveryMode, peers []string, localPeer string, virtualNodesPerPeer int) Forwarder {
	if mode == DiscoveryLocalNode || len(peers) <= 1 {
		return LocalPeerForwarder{}
	}
	return NewRingForwarder(NewHashRing(peers, virtualNodesPerPeer), localPeer)
}
