// Package pipeline implements the pipeline executor (C3): the worker pool
// that reads batches off a buffer, runs a processor chain, and fans the
// result out to every configured sink.
package pipeline

import "github.com/dataprepper/corepipe/internal/event"

// Source produces records and writes them into the pipeline's buffer. It is
// driven independently of the worker pool; the executor only reads from the
// buffer the source feeds.
type Source interface {
	Start() error
	Shutdown() error
}

// Processor transforms a batch of records, and may add, drop, or replace
// records. A processor that requires exclusive access across workers (e.g.
// one coordinating shared state) reports ThreadAffinity() == true, and the
// executor runs its Execute calls under a dedicated per-processor lock.
type Processor interface {
	Execute(batch []event.Record) ([]event.Record, error)
	ThreadAffinity() bool
	PrepareForShutdown()
	IsReadyForShutdown() bool
	Shutdown() error
}

// Sink consumes the processor chain's output. Sinks implement their own
// retry and dead-letter discipline; a Sink failure is logged by the
// executor but never retried or treated as fatal at the executor level.
type Sink interface {
	Output(batch []event.Record) error
	Shutdown() error
}

// WorkerScoped is implemented by sinks that hold worker-local state (e.g.
// a per-worker bulk accumulator). The executor calls ForWorker once per
// worker at startup and fans output to the returned Sink instead of the
// shared instance, so accumulation never crosses worker goroutines.
type WorkerScoped interface {
	ForWorker(id int) Sink
}

// ProcessorWorkerScoped is implemented by processors whose Execute must
// know which worker is calling it (e.g. a barrier-coordinated stateful
// processor that shards its window by worker id). The executor calls
// ForWorker once per worker at startup and routes that worker's batches
// to the returned Processor instead of the shared instance.
type ProcessorWorkerScoped interface {
	ForWorker(id int) Processor
}
