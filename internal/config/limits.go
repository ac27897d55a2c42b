package config

import "fmt"

// SchedulerConfig bounds the priority queue.
type SchedulerConfig struct {
	MaxQueueDepth         int    `yaml:"max_queue_depth" json:"max_queue_depth"`                 // Submit rejects beyond this
	Retention             int    `yaml:"retention" json:"retention"`                             // Terminal slots kept for introspection
	BackgroundSoftTimeout string `yaml:"background_soft_timeout" json:"background_soft_timeout"` // Self-cancel for background work
	DrainTimeout          string `yaml:"drain_timeout" json:"drain_timeout"`
	StreamWindow          int    `yaml:"stream_window" json:"stream_window"` // Results an engine may run ahead of the slowest stream
	MaxResults            int    `yaml:"max_results" json:"max_results"`     // Partial results buffered per execution
}

// CacheConfig bounds the runtime cache.
type CacheConfig struct {
	Capacity        int    `yaml:"capacity" json:"capacity"`
	IdleThreshold   string `yaml:"idle_threshold" json:"idle_threshold"`
	JanitorInterval string `yaml:"janitor_interval" json:"janitor_interval"`
	OSReserveMB     int    `yaml:"os_reserve_mb" json:"os_reserve_mb"` // Floor added to every local footprint
}

// OSReserveBytes returns the OS reserve floor in bytes.
func (c CacheConfig) OSReserveBytes() uint64 {
	return uint64(c.OSReserveMB) << 20
}

// ValidateLimits checks that scheduler and cache limits are within acceptable ranges.
func (c *Config) ValidateLimits() error {
	if c.Scheduler.MaxQueueDepth < 1 {
		return fmt.Errorf("scheduler.max_queue_depth must be >= 1")
	}
	if c.Scheduler.Retention < 0 {
		return fmt.Errorf("scheduler.retention must be >= 0")
	}
	if c.Scheduler.StreamWindow < 0 || c.Scheduler.MaxResults < 0 {
		return fmt.Errorf("scheduler.stream_window and scheduler.max_results must be >= 0")
	}
	if c.Cache.Capacity < 1 {
		return fmt.Errorf("cache.capacity must be >= 1")
	}
	if c.Cache.OSReserveMB < 0 {
		return fmt.Errorf("cache.os_reserve_mb must be >= 0")
	}
	return nil
}
