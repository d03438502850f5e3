// Package buffer implements the bounded many-producer/many-consumer queue
// (C2) at the heart of every pipeline: a source writes records into it, and
// the pipeline's workers read batches out and checkpoint them once the
// downstream processors and sinks have consumed them.
package buffer

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dataprepper/corepipe/internal/event"
)

// Token is the opaque checkpoint token assigned to a batch at read time.
type Token struct {
	id uuid.UUID
}

func (t Token) String() string { return t.id.String() }

type outstandingBatch struct {
	records      []event.Record
	checkpointed bool
	timer        *time.Timer
}

// Buffer is a fixed-capacity, fixed-batch-size queue of event.Record. It is
// safe for concurrent use by multiple writers and multiple readers.
type Buffer struct {
	name             string
	capacity         int
	batchSize        int
	visibilityTimeout time.Duration

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []event.Record
	inFlight int
	closed  bool

	outstanding map[uuid.UUID]*outstandingBatch

	metrics *metrics
}

// Config parameterizes a Buffer at construction. Capacity and batch size
// are fixed for the buffer's lifetime.
type Config struct {
	Name              string
	Capacity          int
	BatchSize         int
	VisibilityTimeout time.Duration
}

func New(cfg Config) *Buffer {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 512
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Second
	}
	b := &Buffer{
		name:              cfg.Name,
		capacity:          cfg.Capacity,
		batchSize:         cfg.BatchSize,
		visibilityTimeout: cfg.VisibilityTimeout,
		outstanding:       make(map[uuid.UUID]*outstandingBatch),
		metrics:           newMetrics(cfg.Name),
	}
	b.cond = sync.NewCond(&b.mu)
	b.metrics.capacity.Set(float64(cfg.Capacity))
	return b
}

// Write enqueues a single record, blocking until capacity is available, the
// buffer shuts down, or timeout elapses.
func (b *Buffer) Write(r event.Record, timeout time.Duration) error {
	return b.WriteAll([]event.Record{r}, timeout)
}

// WriteAll enqueues every record in records as a single all-or-nothing
// operation against remaining capacity.
func (b *Buffer) WriteAll(records []event.Record, timeout time.Duration) error {
	if len(records) == 0 {
		return nil
	}
	deadline := time.Now().Add(timeout)

	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		if b.closed {
			return ErrShutdown
		}
		if b.capacity-b.inFlight >= len(records) {
			b.queue = append(b.queue, records...)
			b.inFlight += len(records)
			b.metrics.inFlight.Set(float64(b.inFlight))
			b.metrics.written.Add(float64(len(records)))
			b.cond.Broadcast()
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			b.metrics.fullErrors.Inc()
			return ErrBufferFull
		}
		b.waitOrTimeout(remaining)
	}
}

// waitOrTimeout blocks on the condition variable for at most d, waking
// spuriously at most once via a timer goroutine. Caller must hold b.mu.
func (b *Buffer) waitOrTimeout(d time.Duration) {
	done := make(chan struct{})
	timer := time.AfterFunc(d, func() {
		close(done)
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer timer.Stop()
	b.cond.Wait()
	select {
	case <-done:
	default:
	}
}

// Read returns up to maxBatch records and a checkpoint token identifying
// them. It returns immediately once the buffer has accumulated at least
// batch_size records (the buffer's own configured threshold); otherwise it
// waits up to timeout and returns whatever is available, which may be
// fewer than maxBatch or even empty.
func (b *Buffer) Read(maxBatch int, timeout time.Duration) ([]event.Record, Token, error) {
	deadline := time.Now().Add(timeout)

	b.mu.Lock()
	defer b.mu.Unlock()

	for {
		ready := len(b.queue) >= b.batchSize || time.Now().After(deadline) || (b.closed && len(b.queue) > 0)
		if ready && len(b.queue) > 0 {
			n := maxBatch
			if n > len(b.queue) {
				n = len(b.queue)
			}
			batch := make([]event.Record, n)
			copy(batch, b.queue[:n])
			b.queue = b.queue[n:]

			id := uuid.New()
			b.outstanding[id] = &outstandingBatch{records: batch}
			b.scheduleVisibilityTimeout(id)
			b.metrics.read.Add(float64(n))
			return batch, Token{id: id}, nil
		}
		if b.closed && len(b.queue) == 0 {
			return nil, Token{}, ErrShutdown
		}
		if time.Now().After(deadline) {
			return nil, Token{}, nil
		}
		b.waitOrTimeout(time.Until(deadline))
	}
}

// scheduleVisibilityTimeout requeues a batch's records if it is never
// checkpointed within the buffer's visibility timeout. Caller must hold b.mu.
func (b *Buffer) scheduleVisibilityTimeout(id uuid.UUID) {
	ob := b.outstanding[id]
	ob.timer = time.AfterFunc(b.visibilityTimeout, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		ob, ok := b.outstanding[id]
		if !ok || ob.checkpointed {
			return
		}
		delete(b.outstanding, id)
		// inFlight already accounts for these records; prepend them so they
		// are the next batch read, preserving their relative order.
		b.queue = append(append([]event.Record{}, ob.records...), b.queue...)
		b.metrics.redelivered.Add(float64(len(ob.records)))
		b.cond.Broadcast()
	})
}

// Checkpoint marks a batch complete, releasing its capacity. A token that
// does not correspond to an outstanding batch (unknown or already
// checkpointed) is reported via ErrUnknownToken.
func (b *Buffer) Checkpoint(t Token) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ob, ok := b.outstanding[t.id]
	if !ok || ob.checkpointed {
		return ErrUnknownToken
	}
	ob.checkpointed = true
	if ob.timer != nil {
		ob.timer.Stop()
	}
	delete(b.outstanding, t.id)
	b.inFlight -= len(ob.records)
	b.metrics.inFlight.Set(float64(b.inFlight))
	b.metrics.checkpointed.Add(float64(len(ob.records)))
	b.cond.Broadcast()
	return nil
}

// IsEmpty reports whether there are no records waiting to be read.
func (b *Buffer) IsEmpty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue) == 0
}

// IsFull reports whether the buffer is at capacity (no un-checkpointed
// headroom remains).
func (b *Buffer) IsFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inFlight >= b.capacity
}

// InFlight returns the current count of written-but-not-yet-checkpointed
// records, the quantity the buffer conservation property bounds by capacity.
func (b *Buffer) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inFlight
}

// Shutdown drains pending writers with ErrShutdown and lets outstanding
// reads finish via Checkpoint; subsequent Write calls fail with
// ErrShutdown immediately, and Read calls once the queue is empty.
func (b *Buffer) Shutdown() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

type metrics struct {
	capacity    prometheus.Gauge
	inFlight    prometheus.Gauge
	written     prometheus.Counter
	read        prometheus.Counter
	checkpointed prometheus.Counter
	redelivered prometheus.Counter
	fullErrors  prometheus.Counter
}

func newMetrics(name string) *metrics {
	labels := prometheus.Labels{"buffer": name}
	return &metrics{
		capacity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_buffer_capacity", Help: "Configured buffer capacity.", ConstLabels: labels,
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_buffer_in_flight", Help: "Records written but not yet checkpointed.", ConstLabels: labels,
		}),
		written: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_buffer_written_total", Help: "Total records written.", ConstLabels: labels,
		}),
		read: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_buffer_read_total", Help: "Total records read into a batch.", ConstLabels: labels,
		}),
		checkpointed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_buffer_checkpointed_total", Help: "Total records checkpointed.", ConstLabels: labels,
		}),
		redelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_buffer_redelivered_total", Help: "Total records redelivered after visibility timeout.", ConstLabels: labels,
		}),
		fullErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_buffer_full_errors_total", Help: "Total writes that failed with BufferFullError.", ConstLabels: labels,
		}),
	}
}

// Collectors returns the buffer's Prometheus collectors for registration.
func (b *Buffer) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		b.metrics.capacity, b.metrics.inFlight, b.metrics.written,
		b.metrics.read, b.metrics.checkpointed, b.metrics.redelivered, b.metrics.fullErrors,
	}
}
