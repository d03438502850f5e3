package buffer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataprepper/corepipe/internal/event"
)

func rec(n int) event.Record {
	e := event.New("log")
	_ = e.Put("n", event.IntValue(int64(n)))
	return event.NewRecord(e)
}

// S6 — Buffer backpressure: capacity 4, write_timeout=100ms, no readers.
func TestBackpressureS6(t *testing.T) {
	b := New(Config{Capacity: 4, BatchSize: 128})
	for i := 0; i < 4; i++ {
		require.NoError(t, b.Write(rec(i), 100*time.Millisecond))
	}
	start := time.Now()
	err := b.Write(rec(4), 100*time.Millisecond)
	elapsed := time.Since(start)
	assert.ErrorIs(t, err, ErrBufferFull)
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
}

func TestWriteAllIsAtomicAgainstCapacity(t *testing.T) {
	b := New(Config{Capacity: 4, BatchSize: 128})
	require.NoError(t, b.Write(rec(0), time.Second))
	records := []event.Record{rec(1), rec(2), rec(3), rec(4)}
	err := b.WriteAll(records, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrBufferFull)
	assert.Equal(t, 1, b.InFlight(), "partial write must not have occurred")
}

func TestReadCheckpointReleasesCapacity(t *testing.T) {
	b := New(Config{Capacity: 2, BatchSize: 1})
	require.NoError(t, b.Write(rec(0), time.Second))

	batch, token, err := b.Read(10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, 1, b.InFlight(), "capacity is released at checkpoint, not at read")

	require.NoError(t, b.Checkpoint(token))
	assert.Equal(t, 0, b.InFlight())
}

func TestReadReturnsImmediatelyAtBatchSize(t *testing.T) {
	b := New(Config{Capacity: 10, BatchSize: 3})
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Write(rec(i), time.Second))
	}
	start := time.Now()
	batch, _, err := b.Read(10, time.Second)
	elapsed := time.Since(start)
	require.NoError(t, err)
	assert.Len(t, batch, 3)
	assert.Less(t, elapsed, 200*time.Millisecond, "should not wait the full timeout once batch_size is reached")
}

func TestReadTimesOutWithFewerThanMaxBatch(t *testing.T) {
	b := New(Config{Capacity: 10, BatchSize: 5})
	require.NoError(t, b.Write(rec(0), time.Second))
	batch, token, err := b.Read(10, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, batch, 1)
	_ = b.Checkpoint(token)
}

func TestUnknownTokenCheckpoint(t *testing.T) {
	b := New(Config{Capacity: 4, BatchSize: 1})
	err := b.Checkpoint(Token{})
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestVisibilityTimeoutRedelivers(t *testing.T) {
	b := New(Config{Capacity: 4, BatchSize: 1, VisibilityTimeout: 30 * time.Millisecond})
	require.NoError(t, b.Write(rec(0), time.Second))

	batch, _, err := b.Read(10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	// never checkpointed; should be redelivered
	time.Sleep(60 * time.Millisecond)
	redelivered, _, err := b.Read(10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, redelivered, 1)
}

func TestShutdownDrainsWritersAndReaders(t *testing.T) {
	b := New(Config{Capacity: 4, BatchSize: 1})
	require.NoError(t, b.Write(rec(0), time.Second))
	b.Shutdown()

	// existing queued record is still readable after shutdown begins
	batch, token, err := b.Read(10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.NoError(t, b.Checkpoint(token))

	// queue now empty: reads and writes fail with shutdown
	_, _, err = b.Read(10, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrShutdown)

	err = b.Write(rec(1), 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrShutdown)
}

// Buffer conservation: for any sequence of write/checkpoint, in-flight <= capacity.
func TestBufferConservationProperty(t *testing.T) {
	b := New(Config{Capacity: 8, BatchSize: 2})
	for round := 0; round < 20; round++ {
		_ = b.Write(rec(round), 20*time.Millisecond)
		assert.LessOrEqual(t, b.InFlight(), 8)
		if round%3 == 0 {
			batch, token, err := b.Read(8, 10*time.Millisecond)
			if err == nil && len(batch) > 0 {
				_ = b.Checkpoint(token)
			}
		}
		assert.LessOrEqual(t, b.InFlight(), 8)
	}
}
