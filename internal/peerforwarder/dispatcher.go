package peerforwarder

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dataprepper/corepipe/internal/event"
	"github.com/dataprepper/corepipe/internal/infrastructure/async"
)

// LocalFallback receives events that could not be delivered to a peer and
// must instead be processed on this node, per spec §4.3/§6: "Non-2xx
// responses cause the sender to fall back to local processing of those
// events after logging."
type LocalFallback func(events []*event.Event)

// OutboundDispatcher batches outgoing events per destination peer using the
// generic async.Batcher, governed by the peer-forwarder's
// target_batch_size / target_batch_timeout_ms configuration — a direct
// reuse of the teacher's BatchConfig{MaxBatchSize, FlushInterval} shape.
type OutboundDispatcher struct {
	pipelineName string
	pluginID     string
	client       *RPCClient
	fallback     LocalFallback
	cfg          async.BatchConfig
	logger       zerolog.Logger
	// pacer paces per-peer RPC batch dispatch; nil (unpaced) when no rate
	// is configured.
	pacer *rate.Limiter

	mu       sync.Mutex
	batchers map[string]*async.Batcher[*event.Event]

	fallbackEvents prometheus.Counter
	dispatched     prometheus.Counter
}

// NewOutboundDispatcher wires a dispatcher. maxBatchesPerSecond paces RPC
// dispatch per peer batcher flush; zero means unpaced.
func NewOutboundDispatcher(pipelineName, pluginID string, client *RPCClient, fallback LocalFallback, cfg async.BatchConfig, maxBatchesPerSecond float64) *OutboundDispatcher {
	labels := prometheus.Labels{"pipeline": pipelineName, "plugin": pluginID}
	var pacer *rate.Limiter
	if maxBatchesPerSecond > 0 {
		pacer = rate.NewLimiter(rate.Limit(maxBatchesPerSecond), 1)
	}
	return &OutboundDispatcher{
		pipelineName: pipelineName,
		pluginID:     pluginID,
		client:       client,
		fallback:     fallback,
		cfg:          cfg,
		logger:       log.With().Str("component", "peerforwarder-dispatcher").Str("pipeline", pipelineName).Logger(),
		pacer:        pacer,
		batchers:     make(map[string]*async.Batcher[*event.Event]),
		fallbackEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerforwarder_fallback_events_total", Help: "Events that fell back to local processing after a forward failure.", ConstLabels: labels,
		}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerforwarder_dispatched_events_total", Help: "Events successfully dispatched to a peer.", ConstLabels: labels,
		}),
	}
}

func (d *OutboundDispatcher) Collectors() []prometheus.Collector {
	return []prometheus.Collector{d.fallbackEvents, d.dispatched}
}

func (d *OutboundDispatcher) batcherFor(peer string) *async.Batcher[*event.Event] {
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.batchers[peer]; ok {
		return b
	}
	b := async.NewBatcher(func(ctx context.Context, batch []*event.Event) error {
		if d.pacer != nil {
			if err := d.pacer.Wait(ctx); err != nil {
				return err
			}
		}
		if err := d.client.Send(ctx, peer, d.pipelineName, d.pluginID, batch); err != nil {
			d.logger.Warn().Err(err).Str("peer", peer).Int("events", len(batch)).Msg("forward failed, falling back to local processing")
			d.fallbackEvents.Add(float64(len(batch)))
			d.fallback(batch)
			return nil
		}
		d.dispatched.Add(float64(len(batch)))
		return nil
	}, d.cfg)
	_ = b.Start(context.Background())
	d.batchers[peer] = b
	return b
}

// Enqueue submits events destined for peer into that peer's batcher.
func (d *OutboundDispatcher) Enqueue(peer string, records []event.Record) {
	b := d.batcherFor(peer)
	events := make([]*event.Event, len(records))
	for i, r := range records {
		events[i] = r.Data
	}
	if err := b.SubmitBatch(context.Background(), events); err != nil {
		d.logger.Warn().Err(err).Str("peer", peer).Msg("dispatcher buffer full, falling back to local processing")
		d.fallbackEvents.Add(float64(len(events)))
		d.fallback(events)
	}
}

// Shutdown drains and stops every per-peer batcher.
func (d *OutboundDispatcher) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, b := range d.batchers {
		_ = b.Flush(ctx)
		_ = b.Stop(ctx)
	}
}
