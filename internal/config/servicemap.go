package config

import (
	"fmt"
	"time"
)

// ServiceMapConfig is spec §6's service-map processor option group.
type ServiceMapConfig struct {
	WindowDurationSeconds int    `yaml:"window_duration_seconds"`
	DBPath                string `yaml:"db_path"`
}

func (c *ServiceMapConfig) applyDefaults() {
	if c.WindowDurationSeconds == 0 {
		c.WindowDurationSeconds = 180
	}
	if c.DBPath == "" {
		c.DBPath = "/tmp/data-prepper/service-map"
	}
}

func (c *ServiceMapConfig) Validate() error {
	if c.WindowDurationSeconds <= 0 {
		return fmt.Errorf("window_duration_seconds must be positive, got %d", c.WindowDurationSeconds)
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path cannot be empty")
	}
	return nil
}

func (c *ServiceMapConfig) WindowDuration() time.Duration {
	return time.Duration(c.WindowDurationSeconds) * time.Second
}
