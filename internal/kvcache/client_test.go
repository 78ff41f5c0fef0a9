package kvcache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMini(t *testing.T) (*miniredis.Miniredis, *Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	c, err := New(context.Background(), mr.Addr(), WithPoolSize(4))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return mr, c
}

func TestNewRequiresAddr(t *testing.T) {
	_, err := New(context.Background(), "")
	require.Error(t, err)
}

func TestNewFailsOnDeadServer(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := New(context.Background(), addr, WithDialTimeout(100*time.Millisecond))
	require.Error(t, err)
}

func TestGetSet(t *testing.T) {
	mr, c := newMini(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "weather:abc1234_2025010112_t00", []byte(`{"temp":4.5}`), time.Hour))

	val, ok, err := c.Get(ctx, "weather:abc1234_2025010112_t00")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"temp":4.5}`, string(val))

	mr.FastForward(2 * time.Hour)

	_, ok, err = c.Get(ctx, "weather:abc1234_2025010112_t00")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetMissing(t *testing.T) {
	_, c := newMini(t)

	val, ok, err := c.Get(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, val)
}

func TestMGetSkipsMissing(t *testing.T) {
	_, c := newMini(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k1", []byte("v1"), time.Minute))
	require.NoError(t, c.Set(ctx, "k3", []byte("v3"), time.Minute))

	got, err := c.MGet(ctx, []string{"k1", "k2", "k3"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []byte("v1"), got["k1"])
	assert.Equal(t, []byte("v3"), got["k3"])
	_, present := got["k2"]
	assert.False(t, present)
}

func TestMGetEmpty(t *testing.T) {
	_, c := newMini(t)

	got, err := c.MGet(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSetNXLease(t *testing.T) {
	mr, c := newMini(t)
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "lock:route:1:2", []byte("1"), 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "first acquire should win")

	ok, err = c.SetNX(ctx, "lock:route:1:2", []byte("1"), 10*time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "second acquire should lose")

	// Lease expiry frees the lock without an explicit release.
	mr.FastForward(11 * time.Second)

	ok, err = c.SetNX(ctx, "lock:route:1:2", []byte("1"), 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDel(t *testing.T) {
	_, c := newMini(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), time.Minute))

	require.NoError(t, c.Del(ctx, "a", "b", "never-existed"))

	_, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Del(ctx))
}

func TestScanKeys(t *testing.T) {
	_, c := newMini(t)
	ctx := context.Background()

	for _, k := range []string{
		"weather:u8vx1bc_2025010109_t00",
		"weather:u8vx1bc_2025010110_t00",
		"weather:u8vx1bd_2025010109_t00",
		"route:places:1:2",
	} {
		require.NoError(t, c.Set(ctx, k, []byte("x"), time.Hour))
	}

	keys, err := c.ScanKeys(ctx, "weather:u8vx1bc_*", 0)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	for _, k := range keys {
		assert.True(t, strings.HasPrefix(k, "weather:u8vx1bc_"))
	}

	keys, err = c.ScanKeys(ctx, "weather:*", 1)
	require.NoError(t, err)
	assert.Len(t, keys, 1)
}

func TestSetBatchKeepsPerEntryTTL(t *testing.T) {
	mr, c := newMini(t)
	ctx := context.Background()

	entries := []Entry{
		{Key: "w:a", Value: []byte("1"), TTL: time.Minute},
		{Key: "w:b", Value: []byte("2"), TTL: time.Hour},
		{Key: "w:c", Value: []byte("3"), TTL: 2 * time.Hour},
	}
	require.NoError(t, c.SetBatch(ctx, entries))
	require.NoError(t, c.SetBatch(ctx, nil))

	for _, e := range entries {
		val, ok, err := c.Get(ctx, e.Key)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, e.Value, val)
	}

	mr.FastForward(30 * time.Minute)

	_, ok, err := c.Get(ctx, "w:a")
	require.NoError(t, err)
	assert.False(t, ok, "short TTL entry should have expired")

	_, ok, err = c.Get(ctx, "w:b")
	require.NoError(t, err)
	assert.True(t, ok, "long TTL entry should survive")
}

func TestExpireAndTTL(t *testing.T) {
	_, c := newMini(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))

	_, ok, err := c.TTL(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "key without expiry reports no TTL")

	set, err := c.Expire(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.True(t, set)

	d, ok, err := c.TTL(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, time.Minute.Seconds(), d.Seconds(), 2)

	set, err = c.Expire(ctx, "missing", time.Minute)
	require.NoError(t, err)
	assert.False(t, set)
}

func TestSafeKey(t *testing.T) {
	short := "weather:u8vx1bc_2025010112_t00"
	assert.Equal(t, short, safeKey(short))

	long := "place:" + strings.Repeat("x", 600)
	hashed := safeKey(long)
	assert.True(t, strings.HasPrefix(hashed, "place:x:"))
	assert.LessOrEqual(t, len(hashed), maxKeyBytes)
	assert.Equal(t, hashed, safeKey(long), "guard must be deterministic")

	other := "place:" + strings.Repeat("y", 600)
	assert.NotEqual(t, hashed, safeKey(other))

	noColon := strings.Repeat("z", 600)
	assert.True(t, strings.HasPrefix(safeKey(noColon), noColon[:8]))
}

func TestLongKeyRoundTrip(t *testing.T) {
	_, c := newMini(t)
	ctx := context.Background()

	key := "place:" + strings.Repeat("q", 600)
	require.NoError(t, c.Set(ctx, key, []byte("v"), time.Minute))

	val, ok, err := c.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", string(val))

	got, err := c.MGet(ctx, []string{key})
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got[key], "MGet result is keyed by the caller's key, not the hashed one")
}
