// Package log provides the executor's headless shutdown-drain logger: a
// ticker-driven progress report with an ETA estimate, the same idea as an
// interactive progress bar but emitted as structured log lines since the
// pipeline runs with no attached terminal.
package log

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DrainSource reports how many records are still in flight. The executor's
// buffer satisfies this via InFlight().
type DrainSource interface {
	InFlight() int
}

// DrainLogger periodically logs the remaining in-flight record count and an
// ETA to empty, while the executor's Shutdown waits for workers to finish
// draining the buffer.
type DrainLogger struct {
	name     string
	source   DrainSource
	logger   zerolog.Logger
	interval time.Duration

	mu        sync.Mutex
	startedAt time.Time
	startInFlight int

	stop chan struct{}
	done chan struct{}
}

// NewDrainLogger builds a drain logger that ticks once per interval.
func NewDrainLogger(name string, source DrainSource, logger zerolog.Logger, interval time.Duration) *DrainLogger {
	if interval <= 0 {
		interval = time.Second
	}
	return &DrainLogger{
		name:     name,
		source:   source,
		logger:   logger,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins logging drain progress in the background. Call Stop when
// the drain completes.
func (d *DrainLogger) Start() {
	d.mu.Lock()
	d.startedAt = time.Now()
	d.startInFlight = d.source.InFlight()
	d.mu.Unlock()

	go d.run()
}

func (d *DrainLogger) run() {
	defer close(d.done)
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.logProgress()
		}
	}
}

func (d *DrainLogger) logProgress() {
	d.mu.Lock()
	startedAt := d.startedAt
	startInFlight := d.startInFlight
	d.mu.Unlock()

	remaining := d.source.InFlight()
	if startInFlight <= 0 {
		d.logger.Info().Str("pipeline", d.name).Int("remaining", remaining).Msg("draining in-flight records")
		return
	}

	drained := startInFlight - remaining
	elapsed := time.Since(startedAt)
	event := d.logger.Info().Str("pipeline", d.name).Int("remaining", remaining).Int("total", startInFlight).Dur("elapsed", elapsed.Round(time.Second))

	if drained > 0 {
		rate := float64(drained) / elapsed.Seconds()
		if rate > 0 {
			eta := time.Duration(float64(remaining)/rate) * time.Second
			event = event.Dur("eta", eta.Round(time.Second))
		}
	}
	event.Msg("draining in-flight records")
}

// Stop halts background logging and blocks until the logging goroutine has
// exited.
func (d *DrainLogger) Stop() {
	close(d.stop)
	<-d.done
}
