// Package config loads and validates the YAML-driven configuration for
// every pipeline component, following the teacher's providers.go pattern:
// one struct tree per component, a Load function that fills defaults, and
// a Validate method that rejects an inconsistent configuration before
// anything starts.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// PipelineConfig is the top-level document loaded from the file named on
// the CLI, per spec §6.
type PipelineConfig struct {
	Name        string              `yaml:"name"`
	Workers     int                 `yaml:"workers"`
	ReadBatchSize int               `yaml:"read_batch_size"`
	ReadTimeoutMS int               `yaml:"read_timeout_ms"`
	DelayMS     int                 `yaml:"delay"`
	Buffer      BufferConfig        `yaml:"buffer"`
	BulkSink    *BulkSinkConfig     `yaml:"bulk_sink"`
	ServiceMap  *ServiceMapConfig   `yaml:"service_map"`
	PeerForwarder *PeerForwarderConfig `yaml:"peer_forwarder"`
}

// BufferConfig is spec §6's buffer option group.
type BufferConfig struct {
	BufferSize int `yaml:"buffer_size"`
	BatchSize  int `yaml:"batch_size"`
}

func (c *PipelineConfig) applyDefaults() {
	if c.Workers == 0 {
		c.Workers = 1
	}
	if c.ReadBatchSize == 0 {
		c.ReadBatchSize = 128
	}
	if c.ReadTimeoutMS == 0 {
		c.ReadTimeoutMS = 1000
	}
	if c.DelayMS == 0 {
		c.DelayMS = 3000
	}
	if c.Buffer.BufferSize == 0 {
		c.Buffer.BufferSize = 512
	}
	if c.Buffer.BatchSize == 0 {
		c.Buffer.BatchSize = 128
	}
	if c.BulkSink != nil {
		c.BulkSink.applyDefaults()
	}
	if c.ServiceMap != nil {
		c.ServiceMap.applyDefaults()
	}
	if c.PeerForwarder != nil {
		c.PeerForwarder.applyDefaults()
	}
}

// Load reads, defaults, and validates a pipeline configuration file.
func Load(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg PipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *PipelineConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.Buffer.BufferSize <= 0 {
		return fmt.Errorf("buffer.buffer_size must be positive, got %d", c.Buffer.BufferSize)
	}
	if c.Buffer.BatchSize <= 0 || c.Buffer.BatchSize > c.Buffer.BufferSize {
		return fmt.Errorf("buffer.batch_size must be in (0, buffer_size], got %d", c.Buffer.BatchSize)
	}
	if c.BulkSink != nil {
		if err := c.BulkSink.Validate(); err != nil {
			return fmt.Errorf("bulk_sink: %w", err)
		}
	}
	if c.ServiceMap != nil {
		if err := c.ServiceMap.Validate(); err != nil {
			return fmt.Errorf("service_map: %w", err)
		}
	}
	if c.PeerForwarder != nil {
		if err := c.PeerForwarder.Validate(); err != nil {
			return fmt.Errorf("peer_forwarder: %w", err)
		}
	}
	return nil
}

func (c *PipelineConfig) ReadTimeout() time.Duration { return time.Duration(c.ReadTimeoutMS) * time.Millisecond }
func (c *PipelineConfig) Delay() time.Duration       { return time.Duration(c.DelayMS) * time.Millisecond }
