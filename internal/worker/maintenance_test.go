package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubWeatherStore struct {
	deleted int64
	grace   time.Duration
	calls   int
	err     error
}

func (s *stubWeatherStore) WeatherDeleteExpired(_ context.Context, grace time.Duration) (int64, error) {
	s.calls++
	s.grace = grace
	return s.deleted, s.err
}

type stubScanner struct {
	keys    []string
	noTTL   map[string]bool
	deleted []string
	scanErr error
}

func (s *stubScanner) ScanKeys(_ context.Context, _ string, _ int) ([]string, error) {
	return s.keys, s.scanErr
}

func (s *stubScanner) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	if s.noTTL[key] {
		return 0, false, nil
	}
	return time.Hour, true, nil
}

func (s *stubScanner) Del(_ context.Context, keys ...string) error {
	s.deleted = append(s.deleted, keys...)
	return nil
}

type stubGeoLoader struct {
	nodes int
	calls int
	err   error
}

func (s *stubGeoLoader) Load(context.Context) (int, error) {
	s.calls++
	return s.nodes, s.err
}

type stubFlagCache struct{ calls int }

func (s *stubFlagCache) InvalidateCache() { s.calls++ }

type jobDeps struct {
	weather *stubWeatherStore
	scanner *stubScanner
	geo     *stubGeoLoader
	flags   *stubFlagCache
}

func newTestMaintenance() (*Maintenance, *jobDeps) {
	d := &jobDeps{
		weather: &stubWeatherStore{deleted: 12},
		scanner: &stubScanner{
			keys:  []string{"weather:a_x_r", "weather:b_x_r", "weather:c_x_r"},
			noTTL: map[string]bool{"weather:b_x_r": true},
		},
		geo:   &stubGeoLoader{nodes: 812},
		flags: &stubFlagCache{},
	}
	m := NewMaintenance(MaintenanceDeps{
		Logger:  zerolog.Nop(),
		Weather: d.weather,
		Scanner: d.scanner,
		Geo:     d.geo,
		Flags:   d.flags,
	})
	return m, d
}

func TestWeatherSweep(t *testing.T) {
	m, d := newTestMaintenance()

	err := m.Run(context.Background(), JobWeatherSweep, false)
	require.NoError(t, err)

	assert.Equal(t, 1, d.weather.calls)
	assert.Equal(t, 2*time.Hour, d.weather.grace, "default grace")
	assert.Equal(t, []string{"weather:b_x_r"}, d.scanner.deleted, "only the key without a ttl")

	s := m.GetMetrics()
	assert.Equal(t, int64(1), s.SweepsRun)
	assert.Equal(t, int64(12), s.RowsDeleted)
	assert.Equal(t, int64(1), s.KeysDeleted)
	assert.Equal(t, JobWeatherSweep, s.LastJobType)
}

func TestWeatherSweepCheckOnly(t *testing.T) {
	m, d := newTestMaintenance()

	err := m.Run(context.Background(), JobWeatherSweep, true)
	require.NoError(t, err)

	assert.Zero(t, d.weather.calls, "dry run never touches the database")
	assert.Empty(t, d.scanner.deleted)

	s := m.GetMetrics()
	assert.Equal(t, int64(1), s.SweepsRun)
	assert.Zero(t, s.RowsDeleted)
	assert.Zero(t, s.KeysDeleted)
}

func TestWeatherSweepStoreFailure(t *testing.T) {
	m, d := newTestMaintenance()
	d.weather.err = errors.New("pg down")

	err := m.Run(context.Background(), JobWeatherSweep, false)
	assert.Error(t, err)
	assert.Equal(t, int64(1), m.GetMetrics().FailedJobs)
}

func TestGeoRebuild(t *testing.T) {
	m, d := newTestMaintenance()

	err := m.Run(context.Background(), JobGeoRebuild, false)
	require.NoError(t, err)

	assert.Equal(t, 1, d.geo.calls)
	s := m.GetMetrics()
	assert.Equal(t, int64(1), s.GeoRebuilds)
	assert.Equal(t, int64(812), s.NodesLoaded)
}

func TestGeoRebuildCheckOnly(t *testing.T) {
	m, d := newTestMaintenance()

	err := m.Run(context.Background(), JobGeoRebuild, true)
	require.NoError(t, err)
	assert.Zero(t, d.geo.calls)
}

func TestFlagsReload(t *testing.T) {
	m, d := newTestMaintenance()

	err := m.Run(context.Background(), JobFlagsReload, false)
	require.NoError(t, err)

	assert.Equal(t, 1, d.flags.calls)
	assert.Equal(t, int64(1), m.GetMetrics().FlagReloads)
}

func TestUnknownJobType(t *testing.T) {
	m, _ := newTestMaintenance()

	err := m.Run(context.Background(), "repave_everything", false)
	assert.Error(t, err)
	assert.Equal(t, int64(1), m.GetMetrics().FailedJobs)
}

func TestUnconfiguredJob(t *testing.T) {
	m := NewMaintenance(MaintenanceDeps{Logger: zerolog.Nop()})

	assert.Error(t, m.Run(context.Background(), JobWeatherSweep, false))
	assert.Error(t, m.Run(context.Background(), JobGeoRebuild, false))
	assert.Error(t, m.Run(context.Background(), JobFlagsReload, false))
}

func TestMetricsSnapshot(t *testing.T) {
	m, _ := newTestMaintenance()
	require.NoError(t, m.Run(context.Background(), JobWeatherSweep, false))
	require.NoError(t, m.Run(context.Background(), JobGeoRebuild, false))

	snap := m.MetricsSnapshot()
	assert.Equal(t, int64(1), snap["sweeps_run"])
	assert.Equal(t, int64(12), snap["rows_deleted"])
	assert.Equal(t, int64(812), snap["nodes_loaded"])
	assert.Equal(t, JobGeoRebuild, snap["last_job_type"])
	assert.NotEmpty(t, snap["last_run_duration"])
}

func TestConfigDefaults(t *testing.T) {
	cfg := MaintenanceConfig{}.withDefaults()
	assert.Equal(t, 2*time.Hour, cfg.SweepGrace)
	assert.Equal(t, 5000, cfg.ScanLimit)
	assert.Equal(t, 30*time.Second, cfg.Timeout)

	custom := MaintenanceConfig{SweepGrace: time.Hour, ScanLimit: 10, Timeout: time.Second}.withDefaults()
	assert.Equal(t, time.Hour, custom.SweepGrace)
	assert.Equal(t, 10, custom.ScanLimit)
}
