package peerforwarder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataprepper/corepipe/internal/event"
	"github.com/dataprepper/corepipe/internal/infrastructure/async"
)

func TestProcessorPassesLocalRecordsThrough(t *testing.T) {
	var fellBack []*event.Event
	client := NewRPCClient(time.Second)
	dispatcher := NewOutboundDispatcher("p", "peer_forwarder", client, func(events []*event.Event) {
		fellBack = append(fellBack, events...)
	}, async.BatchConfig{MaxBatchSize: 10, FlushInterval: 10 * time.Millisecond}, 0)
	defer dispatcher.Shutdown()

	proc := NewProcessor(LocalPeerForwarder{}, dispatcher, []string{"traceId"})

	batch := []event.Record{mkRecordWithTrace("t1"), mkRecordWithTrace("t2")}
	out, err := proc.Execute(batch)
	require.NoError(t, err)
	assert.Len(t, out, 2)
	assert.Empty(t, fellBack)
}

func TestProcessorThreadAffinityIsFalse(t *testing.T) {
	proc := NewProcessor(LocalPeerForwarder{}, nil, nil)
	assert.False(t, proc.ThreadAffinity())
	assert.True(t, proc.IsReadyForShutdown())
}
