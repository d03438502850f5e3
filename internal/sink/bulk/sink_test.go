package bulk

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataprepper/corepipe/internal/event"
)

// fakeCluster is an in-memory Cluster used across the bulk sink tests. Each
// call to Bulk consumes one scripted response from responses, in order.
type fakeCluster struct {
	mu         sync.Mutex
	responses  []Response
	bulkErrs   []error
	bulkCalls  [][]byte
	indexed    map[string]bool
	aliases    map[string]bool
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{indexed: map[string]bool{}, aliases: map[string]bool{}}
}

func (f *fakeCluster) Bulk(ctx context.Context, payload []byte) (Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulkCalls = append(f.bulkCalls, payload)
	idx := len(f.bulkCalls) - 1
	var err error
	if idx < len(f.bulkErrs) {
		err = f.bulkErrs[idx]
	}
	if idx < len(f.responses) {
		return f.responses[idx], err
	}
	return Response{}, err
}

func (f *fakeCluster) IndexExists(ctx context.Context, name string) (bool, error) {
	return f.indexed[name], nil
}
func (f *fakeCluster) EnsureIndex(ctx context.Context, name string) error {
	f.indexed[name] = true
	return nil
}
func (f *fakeCluster) TemplateExists(ctx context.Context, name string) (bool, error) { return true, nil }
func (f *fakeCluster) PutTemplate(ctx context.Context, name string, body []byte) error { return nil }
func (f *fakeCluster) PutISMPolicy(ctx context.Context, name string, body []byte) (bool, error) {
	return false, nil
}
func (f *fakeCluster) AliasExists(ctx context.Context, alias string) (bool, error) {
	return f.aliases[alias], nil
}
func (f *fakeCluster) PutAlias(ctx context.Context, alias, writeIndex string) error {
	f.aliases[alias] = true
	f.indexed[writeIndex] = true
	return nil
}

func mkLogEvent(id, message string) event.Record {
	e := event.New("log")
	_ = e.Put("message", event.StringValue(message))
	if id != "" {
		_ = e.Put("document_id", event.StringValue(id))
	}
	return event.NewRecord(e)
}

func newTestSink(t *testing.T, cluster Cluster, cfg Config) (*Sink, *IndexManager) {
	t.Helper()
	dlqPath := t.TempDir() + "/dlq.ndjson"
	dlq, err := NewDeadLetterWriter(dlqPath, cfg.PluginID, cfg.PipelineName)
	require.NoError(t, err)
	idx := NewIndexManager(IndexManagerConfig{Strategy: StrategyPlain}, cluster, zerolog.Nop())
	s := NewSink(cfg, cluster, idx, dlq, zerolog.Nop())
	return s, idx
}

func baseConfig() Config {
	return Config{
		PluginID:         "test-bulk",
		PipelineName:     "test-pipeline",
		BaseIndexName:    "logs",
		MaxBulkSizeBytes: 1 << 20,
		FlushInterval:    time.Second,
		Retry:            RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, MaxAttempts: 3},
	}
}

// TestBulkFlushOnSizeThreshold covers a reduced form of S1: accumulation past the configured
// byte threshold triggers an automatic flush.
func TestBulkFlushOnSizeThreshold(t *testing.T) {
	cluster := newFakeCluster()
	cfg := baseConfig()
	cfg.MaxBulkSizeBytes = 1 // any two operations exceed this
	s, _ := newTestSink(t, cluster, cfg)

	worker := s.ForWorker(0)
	batch := []event.Record{mkLogEvent("1", "a"), mkLogEvent("2", "b")}
	require.NoError(t, worker.Output(batch))

	assert.GreaterOrEqual(t, len(cluster.bulkCalls), 1, "exceeding the size threshold must trigger a flush before shutdown")
}

// TestVersionConflictOnCreateIsSuccess covers S2: a version_conflict
// response to a create with an explicit document id is treated as an
// idempotent success, not an error.
func TestVersionConflictOnCreateIsSuccess(t *testing.T) {
	op := Operation{Action: ActionCreate, DocumentID: "abc", TargetIndex: "logs"}
	outcome := Classify(op, ResponseEntry{ErrorKind: ErrorVersionConflict})
	assert.Equal(t, OutcomeSuccess, outcome)

	opNoID := Operation{Action: ActionIndex, TargetIndex: "logs"}
	assert.Equal(t, OutcomeNonRetryable, Classify(opNoID, ResponseEntry{ErrorKind: ErrorVersionConflict}))
}

// TestDocumentLevelFailureRoutesToDLQ covers S3: a mapping/document-level
// failure is written to the dead-letter file rather than retried.
func TestDocumentLevelFailureRoutesToDLQ(t *testing.T) {
	cluster := newFakeCluster()
	cluster.responses = []Response{
		{Entries: []ResponseEntry{{ErrorKind: ErrorDocumentLevel, Message: "mapper_parsing_exception"}}},
	}
	cfg := baseConfig()
	dlqPath := t.TempDir() + "/dlq.ndjson"
	dlq, err := NewDeadLetterWriter(dlqPath, cfg.PluginID, cfg.PipelineName)
	require.NoError(t, err)
	idx := NewIndexManager(IndexManagerConfig{Strategy: StrategyPlain}, cluster, zerolog.Nop())
	s := NewSink(cfg, cluster, idx, dlq, zerolog.Nop())

	worker := s.ForWorker(0)
	require.NoError(t, worker.Output([]event.Record{mkLogEvent("bad-doc", "x")}))
	require.NoError(t, s.Shutdown())

	data, err := os.ReadFile(dlqPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "document_level")
}

// TestRetryableFailureIsResubmittedThenDLQdOnExhaustion covers property 5:
// a retryable failure is resubmitted up to MaxAttempts, then dead-lettered.
func TestRetryableFailureIsResubmittedThenDLQdOnExhaustion(t *testing.T) {
	cluster := newFakeCluster()
	for i := 0; i < 5; i++ {
		cluster.responses = append(cluster.responses, Response{
			Entries: []ResponseEntry{{ErrorKind: ErrorTooManyRequests}},
		})
	}
	cfg := baseConfig()
	cfg.Retry.MaxAttempts = 2
	dlqPath := t.TempDir() + "/dlq.ndjson"
	dlq, err := NewDeadLetterWriter(dlqPath, cfg.PluginID, cfg.PipelineName)
	require.NoError(t, err)
	idx := NewIndexManager(IndexManagerConfig{Strategy: StrategyPlain}, cluster, zerolog.Nop())
	s := NewSink(cfg, cluster, idx, dlq, zerolog.Nop())

	op, err := NewOperation(ActionIndex, "logs", "r1", `{"message":"x"}`)
	require.NoError(t, err)
	w := &WorkerSink{sink: s, workerID: 0, accumulator: NewAccumulatingBulkRequest()}
	w.accumulator.Add(op)

	require.NoError(t, w.flush(context.Background(), true))

	assert.Equal(t, 3, len(cluster.bulkCalls), "must stop resubmitting once MaxAttempts is exhausted")
	data, err := os.ReadFile(dlqPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "max_attempts_exceeded")
}

// TestByteEstimateMatchesPayloadLength covers property 3: the accumulator's
// byte estimate never diverges from the rendered wire payload length.
func TestByteEstimateMatchesPayloadLength(t *testing.T) {
	req := NewAccumulatingBulkRequest()
	for i := 0; i < 10; i++ {
		op, err := NewOperation(ActionIndex, "logs", "", `{"message":"hello world"}`)
		require.NoError(t, err)
		req.Add(op)
	}
	payload, err := req.Payload()
	require.NoError(t, err)
	assert.Equal(t, req.EstimatedSizeBytes, len(payload))
}

// TestShutdownDoesNotRetryNetworkFailure covers the abrupt-shutdown path:
// a single failed attempt at shutdown goes straight to the DLQ instead of
// retrying with backoff.
func TestShutdownDoesNotRetryNetworkFailure(t *testing.T) {
	cluster := newFakeCluster()
	cluster.bulkErrs = []error{assertErr{}}
	cfg := baseConfig()
	s, _ := newTestSink(t, cluster, cfg)

	worker := s.ForWorker(0)
	require.NoError(t, worker.Output([]event.Record{mkLogEvent("s1", "x")}))
	require.NoError(t, s.Shutdown())

	assert.Len(t, cluster.bulkCalls, 1, "shutdown must not retry a failed flush")
}

type assertErr struct{}

func (assertErr) Error() string { return "network unreachable" }
