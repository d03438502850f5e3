package peerforwarder

import (
	"fmt"
	"sync"

	"github.com/dataprepper/corepipe/internal/buffer"
)

type registryKey struct {
	pipeline string
	plugin   string
}

// ReceiveBufferRegistry is the two-level (pipeline_name, plugin_id) →
// buffer mapping spec §9 calls for in place of back-references: no
// component holds a pointer back to its owner, callers look the buffer up
// by composite key.
type ReceiveBufferRegistry struct {
	mu      sync.Mutex
	buffers map[registryKey]*buffer.Buffer
}

func NewReceiveBufferRegistry() *ReceiveBufferRegistry {
	return &ReceiveBufferRegistry{buffers: make(map[registryKey]*buffer.Buffer)}
}

// GetOrCreate returns the receive buffer for (pipeline, plugin), creating
// it with cfg on first use.
func (r *ReceiveBufferRegistry) GetOrCreate(pipeline, plugin string, cfg buffer.Config) *buffer.Buffer {
	key := registryKey{pipeline: pipeline, plugin: plugin}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buffers[key]; ok {
		return b
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("%s/%s/receive", pipeline, plugin)
	}
	b := buffer.New(cfg)
	r.buffers[key] = b
	return b
}

// Get returns the receive buffer for (pipeline, plugin) if it was already
// created.
func (r *ReceiveBufferRegistry) Get(pipeline, plugin string) (*buffer.Buffer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buffers[registryKey{pipeline: pipeline, plugin: plugin}]
	return b, ok
}

// Shutdown shuts down every registered receive buffer.
func (r *ReceiveBufferRegistry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range r.buffers {
		b.Shutdown()
	}
}
