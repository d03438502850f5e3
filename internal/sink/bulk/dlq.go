package bulk

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// DLQEntry is the newline-delimited JSON record format written to the
// dead-letter file: `{"document", "failure", "attempt", "pluginId",
// "pipelineName", "timestamp"}` per spec §4.4/§6, plus the operation's
// index/action/documentId for operator troubleshooting.
type DLQEntry struct {
	PluginID     string `json:"pluginId"`
	PipelineName string `json:"pipelineName"`
	Timestamp    string `json:"timestamp"`
	Index        string `json:"index"`
	Action       string `json:"action"`
	DocumentID   string `json:"documentId,omitempty"`
	Document     string `json:"document"`
	Failure      string `json:"failure"`
	Attempt      int    `json:"attempt"`
}

// DeadLetterWriter appends failed operations to a newline-delimited JSON
// file, opened once and kept append-only for the sink's lifetime.
type DeadLetterWriter struct {
	pluginID     string
	pipelineName string

	mu sync.Mutex
	f  *os.File
}

func NewDeadLetterWriter(path, pluginID, pipelineName string) (*DeadLetterWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("bulk: open dlq file: %w", err)
	}
	return &DeadLetterWriter{pluginID: pluginID, pipelineName: pipelineName, f: f}, nil
}

// Write appends one entry per failed operation. now is injected by the
// caller so the writer stays free of wall-clock reads. failureKind
// classifies the failure (e.g. "network_error", "document_level") and is
// folded into the "failure" message since the wire format carries a single
// failure string, not a separate kind field.
func (w *DeadLetterWriter) Write(now time.Time, op Operation, failureKind, message string, attempt int) error {
	failure := failureKind
	if message != "" && message != failureKind {
		failure = fmt.Sprintf("%s: %s", failureKind, message)
	}
	entry := DLQEntry{
		PluginID:     w.pluginID,
		PipelineName: w.pipelineName,
		Timestamp:    now.UTC().Format(time.RFC3339Nano),
		Index:        op.TargetIndex,
		Action:       string(op.Action),
		DocumentID:   op.DocumentID,
		Document:     op.Document,
		Failure:      failure,
		Attempt:      attempt,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("bulk: marshal dlq entry: %w", err)
	}
	line = append(line, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.Write(line); err != nil {
		return fmt.Errorf("bulk: write dlq entry: %w", err)
	}
	return nil
}

func (w *DeadLetterWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
