// Package worker runs background maintenance for the routing cache:
// sweeping expired weather rows, rebuilding the geo node index, and
// reloading feature flags. Jobs arrive over Pub/Sub or a timer.
package worker

import (
	"time"
)

// Job type names accepted on the intake subscription.
const (
	JobWeatherSweep = "weather_sweep"
	JobGeoRebuild   = "geo_rebuild"
	JobFlagsReload  = "flags_reload"
)

// MaintenanceConfig tunes the maintenance jobs.
type MaintenanceConfig struct {
	// SweepGrace keeps weather rows past their logical expiry for this
	// long before the sweep removes them, covering the stale-serve
	// window with margin.
	// Default: 2 hours.
	SweepGrace time.Duration

	// ScanLimit bounds one sweep's Redis key scan.
	// Default: 5000.
	ScanLimit int

	// Timeout bounds each job run.
	// Default: 30 seconds.
	Timeout time.Duration
}

// DefaultMaintenanceConfig returns the default job tuning.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		SweepGrace: 2 * time.Hour,
		ScanLimit:  5000,
		Timeout:    30 * time.Second,
	}
}

func (c MaintenanceConfig) withDefaults() MaintenanceConfig {
	d := DefaultMaintenanceConfig()
	if c.SweepGrace <= 0 {
		c.SweepGrace = d.SweepGrace
	}
	if c.ScanLimit <= 0 {
		c.ScanLimit = d.ScanLimit
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	return c
}
