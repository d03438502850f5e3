package bulk

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/dataprepper/corepipe/internal/event"
	"github.com/dataprepper/corepipe/internal/pipeline"
)

// RetryPolicy is the exponential-backoff-with-jitter shape for bulk
// resubmission, mirroring the base/max/jitter configuration the rest of
// this codebase uses for retry scheduling.
type RetryPolicy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
	MaxAttempts int
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay << attempt
	if d <= 0 || d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter {
		d = time.Duration(rand.Int63n(int64(d)/2+1)) + d/2
	}
	return d
}

// Config parameterizes the bulk sink, per spec §6.
type Config struct {
	PluginID           string
	PipelineName       string
	BaseIndexName      string
	MaxBulkSizeBytes   int64
	FlushInterval      time.Duration
	Retry              RetryPolicy
	DeadLetterFilePath string
	// MaxRequestsPerSecond paces bulk submissions across all worker sinks
	// sharing one cluster/HTTP client, per spec §5's "one shared HTTP
	// client" resource policy. Zero means unpaced.
	MaxRequestsPerSecond float64
}

// Sink is the shared top-level bulk sink. It provisions the target index
// once, then hands each pipeline worker its own WorkerSink so that bulk
// accumulation stays worker-local, per spec §5.
type Sink struct {
	cfg     Config
	cluster Cluster
	index   *IndexManager
	dlq     *DeadLetterWriter
	logger  zerolog.Logger

	provisionOnce sync.Once
	provisionErr  error
	resolvedIndex string

	workersMu sync.Mutex
	workers   []*WorkerSink

	// pacer throttles Bulk submissions to MaxRequestsPerSecond; nil
	// (unpaced) when MaxRequestsPerSecond is zero.
	pacer *rate.Limiter

	// idempotency, when set, remembers acknowledged creates across process
	// restarts; see IdempotencyCache.
	idempotency IdempotencyCache

	bulkRequests prometheus.Counter
	bulkRetries  prometheus.Counter
	dlqWrites    prometheus.Counter
	flushLatency prometheus.Histogram
}

func NewSink(cfg Config, cluster Cluster, index *IndexManager, dlq *DeadLetterWriter, logger zerolog.Logger) *Sink {
	labels := prometheus.Labels{"plugin_id": cfg.PluginID}
	var pacer *rate.Limiter
	if cfg.MaxRequestsPerSecond > 0 {
		pacer = rate.NewLimiter(rate.Limit(cfg.MaxRequestsPerSecond), 1)
	}
	return &Sink{
		cfg:         cfg,
		cluster:     cluster,
		index:       index,
		dlq:         dlq,
		logger:      logger.With().Str("plugin_id", cfg.PluginID).Logger(),
		pacer:       pacer,
		idempotency: NoopIdempotencyCache{},
		bulkRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bulk_sink_requests_total", Help: "Bulk requests submitted to the cluster.", ConstLabels: labels,
		}),
		bulkRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bulk_sink_retries_total", Help: "Bulk operations resubmitted after a retryable failure.", ConstLabels: labels,
		}),
		dlqWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bulk_sink_dlq_writes_total", Help: "Operations routed to the dead-letter file.", ConstLabels: labels,
		}),
		flushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "bulk_sink_flush_latency_seconds", Help: "Latency of a single bulk flush round trip.", ConstLabels: labels,
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// WithIdempotencyCache attaches a cache of previously-acknowledged create
// operations. The sink records each successful create-with-id in it; it
// does not read the cache back, so retried creates are classified from the
// cluster's response alone. Returns the receiver for chaining at
// construction time.
func (s *Sink) WithIdempotencyCache(cache IdempotencyCache) *Sink {
	s.idempotency = cache
	return s
}

func (s *Sink) Collectors() []prometheus.Collector {
	return []prometheus.Collector{s.bulkRequests, s.bulkRetries, s.dlqWrites, s.flushLatency}
}

func (s *Sink) ensureProvisioned(ctx context.Context) error {
	s.provisionOnce.Do(func() {
		resolved, err := s.index.Ensure(ctx, s.cfg.BaseIndexName)
		s.resolvedIndex = resolved
		s.provisionErr = err
	})
	return s.provisionErr
}

// ForWorker implements pipeline.WorkerScoped.
func (s *Sink) ForWorker(id int) pipeline.Sink {
	w := &WorkerSink{
		sink:        s,
		workerID:    id,
		accumulator: NewAccumulatingBulkRequest(),
	}
	s.workersMu.Lock()
	s.workers = append(s.workers, w)
	s.workersMu.Unlock()
	return w
}

// Output is never called directly on the shared Sink in practice — the
// executor always routes through ForWorker — but is implemented so Sink
// itself satisfies pipeline.Sink for configurations with a single worker.
func (s *Sink) Output(batch []event.Record) error {
	return s.ForWorker(0).Output(batch)
}

// Shutdown flushes and closes every worker accumulator, then the
// dead-letter file.
func (s *Sink) Shutdown() error {
	s.workersMu.Lock()
	workers := append([]*WorkerSink(nil), s.workers...)
	s.workersMu.Unlock()

	var firstErr error
	for _, w := range workers {
		if err := w.shutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.dlq != nil {
		if err := s.dlq.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WorkerSink is the per-worker bulk accumulator returned by ForWorker. It
// is only ever touched by the single worker goroutine it was handed to, so
// it needs no internal locking.
type WorkerSink struct {
	sink        *Sink
	workerID    int
	accumulator *AccumulatingBulkRequest
}

// Output accumulates each record as a bulk operation, flushing whenever
// the next record would push the accumulator past MaxBulkSizeBytes, per
// spec §4.4/§8 property 3.
func (w *WorkerSink) Output(batch []event.Record) error {
	ctx := context.Background()
	if err := w.sink.ensureProvisioned(ctx); err != nil {
		return fmt.Errorf("bulk sink: %w", err)
	}

	for _, r := range batch {
		doc, err := r.Data.ToJSONString()
		if err != nil {
			w.dlqImmediate(ctx, Operation{TargetIndex: w.sink.resolvedIndex, Action: ActionIndex}, "serialization_error", err.Error(), 0)
			continue
		}
		documentID := ""
		if id, ok, err := r.Data.Get("document_id"); err == nil && ok && id.Kind() == event.KindString {
			documentID, _ = id.AsString()
		}
		action := ActionIndex
		if a, ok, err := r.Data.Get("bulk_action"); err == nil && ok && a.Kind() == event.KindString {
			if s, _ := a.AsString(); s == "create" {
				action = ActionCreate
			}
		}

		op, err := NewOperation(action, w.sink.resolvedIndex, documentID, doc)
		if err != nil {
			w.dlqImmediate(ctx, op, "serialization_error", err.Error(), 0)
			continue
		}

		if w.accumulator.WouldExceed(op, w.sink.cfg.MaxBulkSizeBytes) {
			if err := w.flush(ctx, true); err != nil {
				w.sink.logger.Error().Err(err).Msg("bulk flush failed")
			}
		}
		w.accumulator.Add(op)
	}
	return nil
}

func (w *WorkerSink) dlqImmediate(ctx context.Context, op Operation, kind, message string, attempt int) {
	w.sink.dlqWrites.Inc()
	if w.sink.dlq == nil {
		return
	}
	if err := w.sink.dlq.Write(shutdownTimeOrNow(ctx), op, kind, message, attempt); err != nil {
		w.sink.logger.Error().Err(err).Msg("dlq write failed")
	}
}

// shutdownTimeOrNow exists only so the DLQ write call site reads cleanly.
func shutdownTimeOrNow(_ context.Context) time.Time { return time.Now() }

// flush submits the accumulated operations. When allowRetry is true,
// retryable failures are resubmitted with backoff up to Retry.MaxAttempts
// before being routed to the dead-letter file; this is the normal
// end-of-threshold and end-of-input path. When false — used only from
// shutdown — exactly one submission attempt is made and anything left
// over is dead-lettered immediately as "shutdown in progress", per spec
// §9: a pipeline tearing down does not keep retrying against a cluster it
// may no longer be able to reach.
func (w *WorkerSink) flush(ctx context.Context, allowRetry bool) error {
	if w.accumulator.Empty() {
		return nil
	}
	ops := w.accumulator.Operations
	w.accumulator = NewAccumulatingBulkRequest()

	attempt := 0
	for {
		req := &AccumulatingBulkRequest{}
		for _, op := range ops {
			req.Add(op)
		}
		payload, err := req.Payload()
		if err != nil {
			return fmt.Errorf("bulk sink: render payload: %w", err)
		}

		if w.sink.pacer != nil {
			if err := w.sink.pacer.Wait(ctx); err != nil {
				return fmt.Errorf("bulk sink: rate limiter: %w", err)
			}
		}

		start := time.Now()
		resp, err := w.sink.cluster.Bulk(ctx, payload)
		w.sink.flushLatency.Observe(time.Since(start).Seconds())
		w.sink.bulkRequests.Inc()

		if err != nil {
			if !allowRetry || attempt >= w.sink.cfg.Retry.MaxAttempts {
				for _, op := range ops {
					w.dlqImmediate(ctx, op, "network_error", err.Error(), attempt)
				}
				return nil
			}
			attempt++
			w.sink.bulkRetries.Inc()
			time.Sleep(w.sink.cfg.Retry.delay(attempt))
			continue
		}

		var retry []Operation
		for i, entry := range resp.Entries {
			if i >= len(ops) {
				break
			}
			op := ops[i]
			switch Classify(op, entry) {
			case OutcomeSuccess:
				if op.Action == ActionCreate && op.DocumentID != "" {
					if err := w.sink.idempotency.MarkSeen(ctx, op.TargetIndex, op.DocumentID); err != nil {
						w.sink.logger.Debug().Err(err).Msg("idempotency cache write failed")
					}
				}
			case OutcomeRetryable:
				retry = append(retry, op)
			case OutcomeNonRetryable:
				w.dlqImmediate(ctx, op, string(entry.ErrorKind), entry.Message, attempt)
			}
		}

		if len(retry) == 0 {
			return nil
		}
		if !allowRetry || attempt >= w.sink.cfg.Retry.MaxAttempts {
			for _, op := range retry {
				kind := "shutdown_in_progress"
				msg := "shutdown in progress"
				if allowRetry {
					kind, msg = "max_attempts_exceeded", "retry attempts exhausted"
				}
				w.dlqImmediate(ctx, op, kind, msg, attempt)
			}
			return nil
		}
		attempt++
		w.sink.bulkRetries.Add(float64(len(retry)))
		time.Sleep(w.sink.cfg.Retry.delay(attempt))
		ops = retry
	}
}

// shutdown performs the abrupt-shutdown flush path described on flush.
func (w *WorkerSink) shutdown() error {
	return w.flush(context.Background(), false)
}

// Shutdown implements pipeline.Sink for the per-worker handle. The
// executor only calls Shutdown on the shared Sink (which fans out to
// every worker's shutdown()); this exists so WorkerSink itself satisfies
// the interface it is handed out as.
func (w *WorkerSink) Shutdown() error { return nil }
