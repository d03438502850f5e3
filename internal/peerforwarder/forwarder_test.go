package peerforwarder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataprepper/corepipe/internal/event"
)

func TestHashRingDeterministicAcrossNodes(t *testing.T) {
	peers := []string{"node-0", "node-1"}
	ringA := NewHashRing(peers, 100)
	ringB := NewHashRing(peers, 100)

	for _, key := range []string{"T1", "T2", "abc", "traceId=xyz"} {
		pa, okA := ringA.Get(key)
		pb, okB := ringB.Get(key)
		require.True(t, okA)
		require.True(t, okB)
		assert.Equal(t, pa, pb, "peer selection must be deterministic and identical across nodes")
	}
}

func mkRecordWithTrace(id string) event.Record {
	e := event.New("span")
	_ = e.Put("traceId", event.StringValue(id))
	return event.NewRecord(e)
}

func TestPartitionKeyMissingFieldIsLocal(t *testing.T) {
	e := event.New("span")
	r := event.NewRecord(e)
	_, ok := partitionKey(r, []string{"traceId"})
	assert.False(t, ok, "missing identification key field must be treated as local")
}

func TestRingForwarderPartitionsLocalAndRemote(t *testing.T) {
	peers := []string{"node-0", "node-1"}
	ring := NewHashRing(peers, 100)

	// find a key that resolves to node-1 and one that resolves to node-0
	var toNode1, toNode0 string
	for i := 0; i < 10000; i++ {
		key := event.StringValue(stringFromInt(i)).Render()
		p, _ := ring.Get(key)
		if p == "node-1" && toNode1 == "" {
			toNode1 = key
		}
		if p == "node-0" && toNode0 == "" {
			toNode0 = key
		}
		if toNode0 != "" && toNode1 != "" {
			break
		}
	}
	require.NotEmpty(t, toNode1)
	require.NotEmpty(t, toNode0)

	fwd0 := NewRingForwarder(ring, "node-0")
	batch := []event.Record{mkRecordWithTrace(toNode1), mkRecordWithTrace(toNode0)}
	local, remote := fwd0.Forward([]string{"traceId"}, batch)

	assert.Len(t, local, 1)
	assert.Len(t, remote["node-1"], 1)
}

func TestLocalPeerForwarderShortCircuits(t *testing.T) {
	f := New(DiscoveryLocalNode, []string{"node-0"}, "node-0", 100)
	batch := []event.Record{mkRecordWithTrace("T1")}
	local, remote := f.Forward([]string{"traceId"}, batch)
	assert.Len(t, local, 1)
	assert.Empty(t, remote)
}

func TestNewShortCircuitsForSinglePeer(t *testing.T) {
	f := New(DiscoveryStatic, []string{"node-0"}, "node-0", 100)
	_, ok := f.(LocalPeerForwarder)
	assert.True(t, ok)
}

func stringFromInt(i int) string {
	digits := "0123456789"
	if i == 0 {
		return "0"
	}
	var out []byte
	for i > 0 {
		out = append([]byte{digits[i%10]}, out...)
		i /= 10
	}
	return string(out)
}
