package servicemap

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataprepper/corepipe/internal/event"
)

func spanRecord(spanID, service, traceID, parentID, kind, name string) event.Record {
	e := event.New("span")
	_ = e.Put(fieldSpanID, event.StringValue(spanID))
	_ = e.Put(fieldServiceName, event.StringValue(service))
	_ = e.Put(fieldTraceID, event.StringValue(traceID))
	_ = e.Put(fieldKind, event.StringValue(kind))
	_ = e.Put(fieldName, event.StringValue(name))
	if parentID != "" {
		_ = e.Put(fieldParentSpanID, event.StringValue(parentID))
	}
	return event.NewRecord(e)
}

func fieldString(t *testing.T, r event.Record, key string) string {
	t.Helper()
	v, ok, err := r.Data.Get(key)
	require.NoError(t, err)
	require.True(t, ok, "missing field %s", key)
	s, err := v.AsString()
	require.NoError(t, err)
	return s
}

// TestServiceMapTwoWindowJoin covers S4: a parent/child span pair joined
// across an evaluation boundary emits exactly one destination and one
// target relationship.
func TestServiceMapTwoWindowJoin(t *testing.T) {
	group, err := NewProcessorGroup(Config{WindowDuration: 150 * time.Millisecond, DBPath: t.TempDir(), Workers: 2}, "test", zerolog.Nop())
	require.NoError(t, err)

	workerA := NewProcessor(group).ForWorker(0)
	workerB := NewProcessor(group).ForWorker(1)

	_, err = workerA.Execute([]event.Record{spanRecord("A", "front", "T1", "", "SERVER", "rootOp")})
	require.NoError(t, err)

	time.Sleep(40 * time.Millisecond)
	_, err = workerB.Execute([]event.Record{spanRecord("B", "back", "T1", "A", "SERVER", "childOp")})
	require.NoError(t, err)

	time.Sleep(150 * time.Millisecond) // cross the window boundary

	var outA, outB []event.Record
	var errA, errB error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		outA, errA = workerA.Execute([]event.Record{spanRecord("C", "front", "T2", "", "SERVER", "noise")})
	}()
	go func() {
		defer wg.Done()
		outB, errB = workerB.Execute(nil)
	}()
	wg.Wait()
	require.NoError(t, errA)
	require.NoError(t, errB)

	emitted := append(outA, outB...)
	require.Len(t, emitted, 2, "exactly one destination and one target relationship must be emitted")

	var sawDestination, sawTarget bool
	for _, rec := range emitted {
		caller := fieldString(t, rec, "callerService")
		callee := fieldString(t, rec, "calleeService")
		traceGroup := fieldString(t, rec, "traceGroupName")
		assert.Equal(t, "rootOp", traceGroup)
		assert.Equal(t, "back", callee)
		if caller == "front" {
			sawDestination = true
		}
		if caller == "back" {
			sawTarget = true
		}
	}
	assert.True(t, sawDestination)
	assert.True(t, sawTarget)

	// Property 7: rotation moved pre-rotation current (A, B) into previous,
	// and current started empty again, so it holds only C, inserted after
	// the rotation.
	n, err := group.spans.Current().Size()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	prev, err := group.spans.Previous().Size()
	require.NoError(t, err)
	assert.Equal(t, 2, prev)

	// Property 6: running evaluation again over the same already-seen pair
	// emits nothing new.
	time.Sleep(150 * time.Millisecond)
	var outA2, outB2 []event.Record
	wg.Add(2)
	go func() {
		defer wg.Done()
		outA2, _ = workerA.Execute(nil)
	}()
	go func() {
		defer wg.Done()
		outB2, _ = workerB.Execute(nil)
	}()
	wg.Wait()
	assert.Empty(t, append(outA2, outB2...), "re-evaluating the same joined pair must not re-emit it")
}

func TestWindowRotationResetsCurrent(t *testing.T) {
	pair, err := openWindowPair(t.TempDir(), "db", time.Now())
	require.NoError(t, err)
	defer pair.Close()

	require.NoError(t, pair.Current().Put([]byte("k"), []byte("v")))
	n, err := pair.Current().Size()
	require.NoError(t, err)
	require.Equal(t, 1, n)

	require.NoError(t, pair.Rotate(time.Now()))

	prevSize, err := pair.Previous().Size()
	require.NoError(t, err)
	assert.Equal(t, 1, prevSize, "previous must equal the pre-rotation current")

	curSize, err := pair.Current().Size()
	require.NoError(t, err)
	assert.Equal(t, 0, curSize, "current must be empty after rotation")
}
