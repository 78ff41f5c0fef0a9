package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// WeatherStore deletes expired weather rows.
type WeatherStore interface {
	WeatherDeleteExpired(ctx context.Context, grace time.Duration) (int64, error)
}

// KeyScanner walks and prunes Redis keys. The kvcache client
// implements it.
type KeyScanner interface {
	ScanKeys(ctx context.Context, pattern string, limit int) ([]string, error)
	TTL(ctx context.Context, key string) (time.Duration, bool, error)
	Del(ctx context.Context, keys ...string) error
}

// GeoLoader rebuilds the geo node index from the graph tables.
type GeoLoader interface {
	Load(ctx context.Context) (int, error)
}

// FlagCache drops the cached feature flag values.
type FlagCache interface {
	InvalidateCache()
}

// Maintenance owns the job implementations. Services are optional;
// a job whose dependency is nil reports an error instead of running.
type Maintenance struct {
	config MaintenanceConfig
	logger zerolog.Logger

	weather WeatherStore
	scanner KeyScanner
	geo     GeoLoader
	flags   FlagCache

	metrics *MaintenanceMetrics
}

// MaintenanceMetrics accumulates job statistics across runs.
type MaintenanceMetrics struct {
	mu sync.RWMutex

	SweepsRun       int64
	RowsDeleted     int64
	KeysDeleted     int64
	GeoRebuilds     int64
	NodesLoaded     int64
	FlagReloads     int64
	FailedJobs      int64
	LastJobType     string
	LastRunAt       time.Time
	LastRunDuration time.Duration
}

// MaintenanceDeps holds everything needed to build a Maintenance.
type MaintenanceDeps struct {
	Config  MaintenanceConfig
	Logger  zerolog.Logger
	Weather WeatherStore
	Scanner KeyScanner
	Geo     GeoLoader
	Flags   FlagCache
}

// NewMaintenance creates the maintenance job runner.
func NewMaintenance(deps MaintenanceDeps) *Maintenance {
	return &Maintenance{
		config:  deps.Config.withDefaults(),
		logger:  deps.Logger.With().Str("component", "worker").Logger(),
		weather: deps.Weather,
		scanner: deps.Scanner,
		geo:     deps.Geo,
		flags:   deps.Flags,
		metrics: &MaintenanceMetrics{},
	}
}

// Run dispatches one job by type. checkOnly turns destructive jobs
// into dry runs that report what they would do.
func (m *Maintenance) Run(ctx context.Context, jobType string, checkOnly bool) error {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
	defer cancel()

	var err error
	switch jobType {
	case JobWeatherSweep:
		err = m.runWeatherSweep(ctx, checkOnly)
	case JobGeoRebuild:
		err = m.runGeoRebuild(ctx, checkOnly)
	case JobFlagsReload:
		err = m.runFlagsReload(checkOnly)
	default:
		err = fmt.Errorf("unknown job type %q", jobType)
	}

	m.finishRun(jobType, time.Since(start), err)
	return err
}

// runWeatherSweep removes weather rows past expiry plus grace and
// prunes weather keys that lost their Redis TTL. Redis expiry handles
// the common case; the scan only catches keys written without one.
func (m *Maintenance) runWeatherSweep(ctx context.Context, checkOnly bool) error {
	if m.weather == nil || m.scanner == nil {
		return fmt.Errorf("weather sweep not configured")
	}

	var rows int64
	if !checkOnly {
		var err error
		rows, err = m.weather.WeatherDeleteExpired(ctx, m.config.SweepGrace)
		if err != nil {
			return fmt.Errorf("deleting expired weather rows: %w", err)
		}
	}

	keys, err := m.scanner.ScanKeys(ctx, "weather:*", m.config.ScanLimit)
	if err != nil {
		return fmt.Errorf("scanning weather keys: %w", err)
	}

	var orphans []string
	for _, key := range keys {
		_, hasTTL, err := m.scanner.TTL(ctx, key)
		if err != nil {
			return fmt.Errorf("checking ttl of %s: %w", key, err)
		}
		if !hasTTL {
			orphans = append(orphans, key)
		}
	}
	if !checkOnly && len(orphans) > 0 {
		if err := m.scanner.Del(ctx, orphans...); err != nil {
			return fmt.Errorf("deleting orphaned weather keys: %w", err)
		}
	}

	m.metrics.mu.Lock()
	m.metrics.SweepsRun++
	if !checkOnly {
		m.metrics.RowsDeleted += rows
		m.metrics.KeysDeleted += int64(len(orphans))
	}
	m.metrics.mu.Unlock()

	m.logger.Info().
		Bool("check_only", checkOnly).
		Int64("rows_deleted", rows).
		Int("orphan_keys", len(orphans)).
		Msg("weather sweep completed")
	return nil
}

func (m *Maintenance) runGeoRebuild(ctx context.Context, checkOnly bool) error {
	if m.geo == nil {
		return fmt.Errorf("geo rebuild not configured")
	}
	if checkOnly {
		m.logger.Info().Msg("geo rebuild check: loader configured")
		return nil
	}

	n, err := m.geo.Load(ctx)
	if err != nil {
		return fmt.Errorf("rebuilding geo node index: %w", err)
	}

	m.metrics.mu.Lock()
	m.metrics.GeoRebuilds++
	m.metrics.NodesLoaded += int64(n)
	m.metrics.mu.Unlock()

	m.logger.Info().Int("nodes", n).Msg("geo node index rebuilt")
	return nil
}

func (m *Maintenance) runFlagsReload(checkOnly bool) error {
	if m.flags == nil {
		return fmt.Errorf("flags reload not configured")
	}
	if checkOnly {
		return nil
	}

	m.flags.InvalidateCache()

	m.metrics.mu.Lock()
	m.metrics.FlagReloads++
	m.metrics.mu.Unlock()

	m.logger.Info().Msg("feature flag cache invalidated")
	return nil
}

func (m *Maintenance) finishRun(jobType string, dur time.Duration, err error) {
	m.metrics.mu.Lock()
	defer m.metrics.mu.Unlock()
	if err != nil {
		m.metrics.FailedJobs++
	}
	m.metrics.LastJobType = jobType
	m.metrics.LastRunAt = time.Now()
	m.metrics.LastRunDuration = dur
}

// GetMetrics returns a copy of the accumulated metrics.
func (m *Maintenance) GetMetrics() MaintenanceMetrics {
	m.metrics.mu.RLock()
	defer m.metrics.mu.RUnlock()
	return MaintenanceMetrics{
		SweepsRun:       m.metrics.SweepsRun,
		RowsDeleted:     m.metrics.RowsDeleted,
		KeysDeleted:     m.metrics.KeysDeleted,
		GeoRebuilds:     m.metrics.GeoRebuilds,
		NodesLoaded:     m.metrics.NodesLoaded,
		FlagReloads:     m.metrics.FlagReloads,
		FailedJobs:      m.metrics.FailedJobs,
		LastJobType:     m.metrics.LastJobType,
		LastRunAt:       m.metrics.LastRunAt,
		LastRunDuration: m.metrics.LastRunDuration,
	}
}

// MetricsSnapshot returns the metrics as a map for the status
// endpoint.
func (m *Maintenance) MetricsSnapshot() map[string]interface{} {
	s := m.GetMetrics()
	return map[string]interface{}{
		"sweeps_run":        s.SweepsRun,
		"rows_deleted":      s.RowsDeleted,
		"keys_deleted":      s.KeysDeleted,
		"geo_rebuilds":      s.GeoRebuilds,
		"nodes_loaded":      s.NodesLoaded,
		"flag_reloads":      s.FlagReloads,
		"failed_jobs":       s.FailedJobs,
		"last_job_type":     s.LastJobType,
		"last_run_at":       s.LastRunAt,
		"last_run_duration": s.LastRunDuration.String(),
	}
}
