package coalesce

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routecast/routecast/internal/kvcache"
)

func newKV(t *testing.T) (*miniredis.Miniredis, *kvcache.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	kv, err := kvcache.New(context.Background(), mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })

	return mr, kv
}

func TestInProcessCollapse(t *testing.T) {
	g := New(nil, zerolog.Nop())

	var calls atomic.Int64
	fetch := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return []byte("payload"), nil
	}

	const callers = 10
	results := make([][]byte, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			val, _, err := g.Do(context.Background(), "k", time.Second, fetch)
			require.NoError(t, err)
			results[i] = val
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load(), "concurrent callers must collapse to one fetch")
	for _, r := range results {
		assert.Equal(t, []byte("payload"), r)
	}
	assert.Positive(t, g.Stats().Shared)
}

func TestLeaseAcquiredAndReleased(t *testing.T) {
	_, kv := newKV(t)
	g := New(kv, zerolog.Nop())
	ctx := context.Background()

	val, _, err := g.Do(ctx, "weather:abc", time.Second, func(ctx context.Context) ([]byte, error) {
		return []byte("fresh"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), val)
	assert.EqualValues(t, 1, g.Stats().Leases)

	// The lease must be gone; a new acquire succeeds immediately.
	ok, err := kv.SetNX(ctx, "lock:weather:abc", []byte("1"), time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "lease should have been released")
}

func TestFollowerPollsLeaderValue(t *testing.T) {
	_, kv := newKV(t)
	g := New(kv, zerolog.Nop(), WithPollInterval(10*time.Millisecond))
	ctx := context.Background()

	// Another process holds the lease.
	held, err := kv.SetNX(ctx, "lock:weather:xyz", []byte("1"), time.Second)
	require.NoError(t, err)
	require.True(t, held)

	// That process writes the value shortly after we start waiting.
	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = kv.Set(ctx, "weather:xyz", []byte("from-leader"), time.Minute)
	}()

	var calls atomic.Int64
	val, _, err := g.Do(ctx, "weather:xyz", 500*time.Millisecond, func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("should-not-run"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("from-leader"), val)
	assert.Zero(t, calls.Load(), "follower must not fetch while leader delivers")
	assert.EqualValues(t, 1, g.Stats().Polled)
}

func TestTimeoutFallsThroughToFetch(t *testing.T) {
	_, kv := newKV(t)
	g := New(kv, zerolog.Nop(), WithPollInterval(20*time.Millisecond))
	ctx := context.Background()

	// A leader that never writes the value.
	held, err := kv.SetNX(ctx, "lock:stuck", []byte("1"), time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	var calls atomic.Int64
	val, _, err := g.Do(ctx, "stuck", 100*time.Millisecond, func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte("direct"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("direct"), val)
	assert.EqualValues(t, 1, calls.Load())
	assert.Positive(t, g.Stats().Timeouts)
}

func TestKVUnavailableDegradesToDirect(t *testing.T) {
	mr, kv := newKV(t)
	g := New(kv, zerolog.Nop())
	mr.Close()

	val, _, err := g.Do(context.Background(), "k", time.Second, func(ctx context.Context) ([]byte, error) {
		return []byte("direct"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("direct"), val)
	assert.EqualValues(t, 1, g.Stats().Direct)
}

func TestFetchErrorPropagates(t *testing.T) {
	_, kv := newKV(t)
	g := New(kv, zerolog.Nop())

	wantErr := errors.New("upstream down")
	_, _, err := g.Do(context.Background(), "k", time.Second, func(ctx context.Context) ([]byte, error) {
		return nil, wantErr
	})
	require.ErrorIs(t, err, wantErr)

	// An erroring fetch must still release the lease.
	ok, err := kv.SetNX(context.Background(), "lock:k", []byte("1"), time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestContextCancellation(t *testing.T) {
	g := New(nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, _, err := g.Do(ctx, "slow", time.Second, func(ctx context.Context) ([]byte, error) {
		time.Sleep(500 * time.Millisecond)
		return []byte("late"), nil
	})
	require.ErrorIs(t, err, context.Canceled)
}
