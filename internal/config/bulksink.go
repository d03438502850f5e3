package config

import (
	"fmt"
	"time"
)

// IndexType selects the bulk sink's provisioning strategy, per spec §6.
type IndexType string

const (
	IndexTypeTraceAnalyticsRaw        IndexType = "trace-analytics-raw"
	IndexTypeTraceAnalyticsServiceMap IndexType = "trace-analytics-service-map"
	IndexTypeCustom                   IndexType = "custom"
	IndexTypeManagementDisabled       IndexType = "management-disabled"
)

// RetryBackoffConfig is the teacher's BackoffConfig{Base, Max, Jitter}
// shape, reused for bulk-sink resubmission scheduling.
type RetryBackoffConfig struct {
	BaseMS     int  `yaml:"base_ms"`
	MaxMS      int  `yaml:"max_ms"`
	Jitter     bool `yaml:"jitter"`
	MaxRetries int  `yaml:"max_retries"` // 0 means unbounded, per spec §6's "[∞]" default
}

func (b *RetryBackoffConfig) applyDefaults() {
	if b.BaseMS == 0 {
		b.BaseMS = 100
	}
	if b.MaxMS == 0 {
		b.MaxMS = 30_000
	}
}

func (b *RetryBackoffConfig) Validate() error {
	if b.BaseMS <= 0 {
		return fmt.Errorf("base_ms must be positive, got %d", b.BaseMS)
	}
	if b.MaxMS < b.BaseMS {
		return fmt.Errorf("max_ms (%d) must be >= base_ms (%d)", b.MaxMS, b.BaseMS)
	}
	if b.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", b.MaxRetries)
	}
	return nil
}

// AWSSigV4Config carries the `aws_sigv4` option named but left undefined
// by the distilled spec (see SPEC_FULL.md §4).
type AWSSigV4Config struct {
	Region  string `yaml:"region"`
	Service string `yaml:"service"`
}

// IdempotencyCacheConfig is the optional Redis-backed duplicate-create
// cache described in SPEC_FULL.md §3. Disabled unless Addr is set.
type IdempotencyCacheConfig struct {
	Addr   string `yaml:"addr"`
	TTLSec int    `yaml:"ttl_sec"`
}

// IndexLedgerConfig is the optional Postgres-backed warm-restart ledger
// described in SPEC_FULL.md §3. Disabled unless DSN is set.
type IndexLedgerConfig struct {
	DSN           string `yaml:"dsn"`
	TimeoutMS     int    `yaml:"timeout_ms"`
}

// BulkSinkConfig is spec §6's bulk sink option group.
type BulkSinkConfig struct {
	Hosts              []string                `yaml:"hosts"`
	Username           string                  `yaml:"username"`
	Password           string                  `yaml:"password"`
	AWSSigV4           *AWSSigV4Config         `yaml:"aws_sigv4"`
	Cert               string                  `yaml:"cert"`
	SocketTimeoutMS    int                     `yaml:"socket_timeout_ms"`
	ConnectTimeoutMS   int                     `yaml:"connect_timeout_ms"`
	Index              string                  `yaml:"index"`
	IndexType          IndexType               `yaml:"index_type"`
	TemplateFile       string                  `yaml:"template_file"`
	DocumentIDField    string                  `yaml:"document_id_field"`
	Action             string                  `yaml:"action"`
	BulkSizeMB         int                     `yaml:"bulk_size_mb"`
	DLQFile            string                  `yaml:"dlq_file"`
	Retry              RetryBackoffConfig      `yaml:"retry"`
	ISMPolicyFile      string                  `yaml:"ism_policy_file"`
	MaxRequestsPerSec  float64                 `yaml:"max_requests_per_sec"`
	IdempotencyCache   *IdempotencyCacheConfig `yaml:"idempotency_cache"`
	IndexLedger        *IndexLedgerConfig      `yaml:"index_ledger"`
}

func (c *BulkSinkConfig) applyDefaults() {
	if c.Action == "" {
		c.Action = "index"
	}
	if c.BulkSizeMB == 0 {
		c.BulkSizeMB = 5
	}
	if c.SocketTimeoutMS == 0 {
		c.SocketTimeoutMS = 10_000
	}
	if c.ConnectTimeoutMS == 0 {
		c.ConnectTimeoutMS = 5_000
	}
	c.Retry.applyDefaults()
	if c.IdempotencyCache != nil && c.IdempotencyCache.TTLSec == 0 {
		c.IdempotencyCache.TTLSec = 3600
	}
	if c.IndexLedger != nil && c.IndexLedger.TimeoutMS == 0 {
		c.IndexLedger.TimeoutMS = 5_000
	}
}

func (c *BulkSinkConfig) Validate() error {
	if len(c.Hosts) == 0 {
		return fmt.Errorf("hosts must have at least one entry")
	}
	if c.Index == "" {
		return fmt.Errorf("index is required")
	}
	switch c.IndexType {
	case IndexTypeTraceAnalyticsRaw, IndexTypeTraceAnalyticsServiceMap, IndexTypeCustom, IndexTypeManagementDisabled, "":
	default:
		return fmt.Errorf("index_type %q is not recognized", c.IndexType)
	}
	if c.Action != "index" && c.Action != "create" {
		return fmt.Errorf("action must be 'index' or 'create', got %q", c.Action)
	}
	if c.BulkSizeMB <= 0 {
		return fmt.Errorf("bulk_size_mb must be positive, got %d", c.BulkSizeMB)
	}
	if c.Username != "" && c.AWSSigV4 != nil {
		return fmt.Errorf("username/password and aws_sigv4 are mutually exclusive")
	}
	if c.AWSSigV4 != nil && c.AWSSigV4.Region == "" {
		return fmt.Errorf("aws_sigv4.region is required")
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	return nil
}

func (c *BulkSinkConfig) BulkSizeBytes() int64 { return int64(c.BulkSizeMB) * 1024 * 1024 }
func (c *BulkSinkConfig) SocketTimeout() time.Duration {
	return time.Duration(c.SocketTimeoutMS) * time.Millisecond
}
func (c *BulkSinkConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}
