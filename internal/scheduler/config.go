package scheduler

import (
	"time"
)

// Config controls scheduler intervals and per-job timeouts.
type Config struct {
	RunInterval       time.Duration
	JobTimeout        time.Duration
	ReconcileInterval time.Duration
	DisabledJobs      []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       10 * time.Minute,
		JobTimeout:        15 * time.Minute,
		ReconcileInterval: 24 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = defaults.ReconcileInterval
	}
	return c
}
