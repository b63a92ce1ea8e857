package snapshot

import (
	"time"

	"github.com/skystack/allocd/internal/config"
)

// Config controls the snapshot/burn-rate worker loop.
type Config struct {
	Interval      time.Duration
	RunTimeout    time.Duration
	SourceTimeout time.Duration
	Thresholds    []int
}

func DefaultConfig() Config {
	return Config{
		Interval:      12 * time.Hour,
		RunTimeout:    30 * time.Minute,
		SourceTimeout: 5 * time.Minute,
		Thresholds:    []int{50, 90},
	}
}

// FromAppConfig maps process configuration onto the worker config.
func FromAppConfig(cfg config.Config) Config {
	return Config{
		Interval:      cfg.Snapshot.Interval,
		RunTimeout:    cfg.Snapshot.RunTimeout,
		SourceTimeout: cfg.Snapshot.SourceTimeout,
		Thresholds:    cfg.Snapshot.Thresholds,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = defaults.Interval
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaults.RunTimeout
	}
	if c.SourceTimeout <= 0 {
		c.SourceTimeout = defaults.SourceTimeout
	}
	if len(c.Thresholds) == 0 {
		c.Thresholds = defaults.Thresholds
	}
	return c
}
