package pipeline

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dataprepper/corepipe/internal/buffer"
	"github.com/dataprepper/corepipe/internal/event"
	drainlog "github.com/dataprepper/corepipe/internal/log"
)

// Config parameterizes an Executor. Workers, ReadBatchSize, and ReadTimeout
// correspond to spec §6's `workers`, `read_batch_size`, `read_timeout_ms`.
type Config struct {
	Name          string
	Workers       int
	ReadBatchSize int
	ReadTimeout   time.Duration
}

// Executor runs Config.Workers worker goroutines over a single buffer,
// processor chain, and sink set, per spec §4.2.
type Executor struct {
	cfg Config
	buf *buffer.Buffer

	processors     []Processor
	processorLocks []*sync.Mutex // non-nil only for thread-affine processors

	sinks []Sink

	logger zerolog.Logger

	wg       sync.WaitGroup
	stopping chan struct{}
	stopOnce sync.Once

	recordsDropped prometheus.Counter
	batchesRun     prometheus.Counter
}

func New(cfg Config, buf *buffer.Buffer, processors []Processor, sinks []Sink) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.ReadBatchSize <= 0 {
		cfg.ReadBatchSize = 128
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = time.Second
	}
	locks := make([]*sync.Mutex, len(processors))
	for i, p := range processors {
		if p.ThreadAffinity() {
			locks[i] = &sync.Mutex{}
		}
	}
	labels := prometheus.Labels{"pipeline": cfg.Name}
	return &Executor{
		cfg:            cfg,
		buf:            buf,
		processors:     processors,
		processorLocks: locks,
		sinks:          sinks,
		logger:         log.With().Str("pipeline", cfg.Name).Logger(),
		stopping:       make(chan struct{}),
		recordsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_records_dropped_total", Help: "Records dropped due to processor failure.", ConstLabels: labels,
		}),
		batchesRun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_batches_processed_total", Help: "Batches that completed the processor chain.", ConstLabels: labels,
		}),
	}
}

// Collectors returns the executor's Prometheus collectors for registration.
func (x *Executor) Collectors() []prometheus.Collector {
	return []prometheus.Collector{x.recordsDropped, x.batchesRun}
}

// Start launches the worker pool. It returns immediately; workers run until
// Shutdown is called.
func (x *Executor) Start() {
	for i := 0; i < x.cfg.Workers; i++ {
		x.wg.Add(1)
		go x.runWorker(i)
	}
}

func (x *Executor) runWorker(id int) {
	defer x.wg.Done()
	workerLog := x.logger.With().Int("worker", id).Logger()

	sinks := make([]Sink, len(x.sinks))
	for i, s := range x.sinks {
		if ws, ok := s.(WorkerScoped); ok {
			sinks[i] = ws.ForWorker(id)
		} else {
			sinks[i] = s
		}
	}

	processors := make([]Processor, len(x.processors))
	for i, p := range x.processors {
		if ps, ok := p.(ProcessorWorkerScoped); ok {
			processors[i] = ps.ForWorker(id)
		} else {
			processors[i] = p
		}
	}

	for {
		select {
		case <-x.stopping:
			if x.readyToStop() {
				return
			}
		default:
		}

		batch, token, err := x.buf.Read(x.cfg.ReadBatchSize, x.cfg.ReadTimeout)
		if err != nil {
			// Shutdown: keep looping until the buffer is drained and every
			// processor reports ready, then exit.
			if x.readyToStop() {
				return
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}

		// Run the chain on every tick, even an empty one: stateful
		// processors (e.g. the service-map window rotation) need every
		// worker to call Execute in lockstep so a CyclicBarrier rendezvous
		// never strands a worker that happened to read an empty batch.
		out := x.runChain(batch, processors, workerLog)
		x.fanOut(out, sinks, workerLog)

		if len(batch) > 0 {
			if err := x.buf.Checkpoint(token); err != nil {
				workerLog.Warn().Err(err).Msg("checkpoint failed")
			}
			x.batchesRun.Inc()
		}
	}
}

func (x *Executor) runChain(batch []event.Record, processors []Processor, l zerolog.Logger) []event.Record {
	cur := batch
	for i, p := range processors {
		var out []event.Record
		var err error
		if lock := x.processorLocks[i]; lock != nil {
			lock.Lock()
			out, err = p.Execute(cur)
			lock.Unlock()
		} else {
			out, err = p.Execute(cur)
		}
		if err != nil {
			l.Warn().Err(err).Int("processor", i).Int("records", len(cur)).Msg("processor failed, dropping batch")
			x.recordsDropped.Add(float64(len(cur)))
			return nil
		}
		cur = out
	}
	return cur
}

func (x *Executor) fanOut(batch []event.Record, sinks []Sink, l zerolog.Logger) {
	if len(batch) == 0 {
		return
	}
	for i, s := range sinks {
		if err := s.Output(batch); err != nil {
			// Sink failures are not retried at the executor level; sinks
			// implement their own retry/DLQ discipline.
			l.Error().Err(err).Int("sink", i).Msg("sink output failed")
		}
	}
}

func (x *Executor) readyToStop() bool {
	if !x.buf.IsEmpty() {
		return false
	}
	for _, p := range x.processors {
		if !p.IsReadyForShutdown() {
			return false
		}
	}
	return true
}

// Shutdown runs the two-phase shutdown protocol: PrepareForShutdown is
// broadcast to every processor, the buffer is shut down to new writes,
// workers drain it until it is empty and every processor is ready, then
// Shutdown is called on the sinks and then on the processors.
func (x *Executor) Shutdown() error {
	for _, p := range x.processors {
		p.PrepareForShutdown()
	}

	drain := drainlog.NewDrainLogger(x.cfg.Name, x.buf, x.logger, 5*time.Second)
	drain.Start()

	x.buf.Shutdown()

	x.stopOnce.Do(func() { close(x.stopping) })
	x.wg.Wait()
	drain.Stop()

	var firstErr error
	for _, s := range x.sinks {
		if err := s.Shutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, p := range x.processors {
		if err := p.Shutdown(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
