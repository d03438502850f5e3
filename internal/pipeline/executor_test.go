package pipeline

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataprepper/corepipe/internal/buffer"
	"github.com/dataprepper/corepipe/internal/event"
)

type countingSink struct {
	mu    sync.Mutex
	count int
	fail  bool
}

func (s *countingSink) Output(batch []event.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink boom")
	}
	s.count += len(batch)
	return nil
}
func (s *countingSink) Shutdown() error { return nil }

type passthroughProcessor struct {
	ready int32
}

func (p *passthroughProcessor) Execute(batch []event.Record) ([]event.Record, error) { return batch, nil }
func (p *passthroughProcessor) ThreadAffinity() bool                                 { return false }
func (p *passthroughProcessor) PrepareForShutdown()                                  { atomic.StoreInt32(&p.ready, 1) }
func (p *passthroughProcessor) IsReadyForShutdown() bool                             { return atomic.LoadInt32(&p.ready) == 1 }
func (p *passthroughProcessor) Shutdown() error                                      { return nil }

type failingProcessor struct{ passthroughProcessor }

func (p *failingProcessor) Execute(batch []event.Record) ([]event.Record, error) {
	return nil, errors.New("processor boom")
}

func mkRecord() event.Record {
	return event.NewRecord(event.New("log"))
}

func TestExecutorEndToEnd(t *testing.T) {
	buf := buffer.New(buffer.Config{Capacity: 100, BatchSize: 1})
	sink := &countingSink{}
	proc := &passthroughProcessor{}
	ex := New(Config{Name: "test", Workers: 2, ReadBatchSize: 10, ReadTimeout: 50 * time.Millisecond}, buf, []Processor{proc}, []Sink{sink})
	ex.Start()

	for i := 0; i < 20; i++ {
		require.NoError(t, buf.Write(mkRecord(), time.Second))
	}

	assert.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.count == 20
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, ex.Shutdown())
}

func TestExecutorDropsBatchOnProcessorError(t *testing.T) {
	buf := buffer.New(buffer.Config{Capacity: 10, BatchSize: 1})
	sink := &countingSink{}
	proc := &failingProcessor{}
	ex := New(Config{Name: "test", Workers: 1, ReadBatchSize: 10, ReadTimeout: 20 * time.Millisecond}, buf, []Processor{proc}, []Sink{sink})
	ex.Start()

	require.NoError(t, buf.Write(mkRecord(), time.Second))
	time.Sleep(100 * time.Millisecond)

	sink.mu.Lock()
	assert.Equal(t, 0, sink.count, "dropped batch should never reach the sink")
	sink.mu.Unlock()

	require.NoError(t, ex.Shutdown())
}

func TestExecutorSinkFailureIsNotFatal(t *testing.T) {
	buf := buffer.New(buffer.Config{Capacity: 10, BatchSize: 1})
	sink := &countingSink{fail: true}
	proc := &passthroughProcessor{}
	ex := New(Config{Name: "test", Workers: 1, ReadBatchSize: 10, ReadTimeout: 20 * time.Millisecond}, buf, []Processor{proc}, []Sink{sink})
	ex.Start()

	require.NoError(t, buf.Write(mkRecord(), time.Second))
	time.Sleep(50 * time.Millisecond)

	// executor keeps running despite the sink error
	require.NoError(t, ex.Shutdown())
}
