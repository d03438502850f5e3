package config

import (
	"fmt"
	"time"
)

// DiscoveryMode selects how the peer forwarder finds its peer set, per
// spec §6.
type DiscoveryMode string

const (
	DiscoveryLocalNode   DiscoveryMode = "local_node"
	DiscoveryStatic      DiscoveryMode = "static"
	DiscoveryDNS         DiscoveryMode = "dns"
	DiscoveryAWSCloudMap DiscoveryMode = "aws_cloud_map"
)

// TLSConfig carries the peer forwarder's transport security options.
type TLSConfig struct {
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	TrustedCAFile      string `yaml:"trusted_ca_file"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// PeerForwarderConfig is spec §6's peer forwarder option group.
type PeerForwarderConfig struct {
	DiscoveryMode         DiscoveryMode `yaml:"discovery_mode"`
	StaticEndpoints       []string      `yaml:"static_endpoints"`
	Port                  int           `yaml:"port"`
	TLS                   TLSConfig     `yaml:"tls"`
	TargetBatchSize       int           `yaml:"target_batch_size"`
	TargetBatchTimeoutMS  int           `yaml:"target_batch_timeout_ms"`
	VirtualNodesPerPeer   int           `yaml:"virtual_nodes_per_peer"`
	MaxBatchesPerSecond   float64       `yaml:"max_batches_per_second"`
}

func (c *PeerForwarderConfig) applyDefaults() {
	if c.DiscoveryMode == "" {
		c.DiscoveryMode = DiscoveryLocalNode
	}
	if c.Port == 0 {
		c.Port = 4994
	}
	if c.TargetBatchSize == 0 {
		c.TargetBatchSize = 48
	}
	if c.TargetBatchTimeoutMS == 0 {
		c.TargetBatchTimeoutMS = 3000
	}
	if c.VirtualNodesPerPeer == 0 {
		c.VirtualNodesPerPeer = 100
	}
}

func (c *PeerForwarderConfig) Validate() error {
	switch c.DiscoveryMode {
	case DiscoveryLocalNode, DiscoveryStatic, DiscoveryDNS, DiscoveryAWSCloudMap:
	default:
		return fmt.Errorf("discovery_mode %q is not recognized", c.DiscoveryMode)
	}
	if c.DiscoveryMode == DiscoveryStatic && len(c.StaticEndpoints) == 0 {
		return fmt.Errorf("static_endpoints is required when discovery_mode is 'static'")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be in (0, 65535], got %d", c.Port)
	}
	if c.TargetBatchSize <= 0 {
		return fmt.Errorf("target_batch_size must be positive, got %d", c.TargetBatchSize)
	}
	if c.VirtualNodesPerPeer <= 0 {
		return fmt.Errorf("virtual_nodes_per_peer must be positive, got %d", c.VirtualNodesPerPeer)
	}
	return nil
}

func (c *PeerForwarderConfig) TargetBatchTimeout() time.Duration {
	return time.Duration(c.TargetBatchTimeoutMS) * time.Millisecond
}
