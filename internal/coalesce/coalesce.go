// Package coalesce deduplicates concurrent fetches for the same cache key
// across two tiers: an in-process singleflight group collapses callers
// inside one process, and a key-value lease (SET NX EX on lock:{key})
// elects a single fetcher across processes. Followers poll the data key
// rather than blocking on the leader, and fall through to a direct fetch
// after the timeout, accepting possible duplication over a stall.
package coalesce

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultTimeout bounds how long a follower waits for the leader before
// fetching on its own. It is also the lease TTL, so a crashed leader can
// never block followers past it.
const DefaultTimeout = 10 * time.Second

const defaultPollInterval = time.Second

var leaseToken = []byte("1")

// KV is the slice of the key-value client the group needs. A nil KV
// degrades the group to in-process deduplication only.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	SetNX(ctx context.Context, key string, val []byte, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
}

// FetchFunc produces the value for a key. The caller owns writing the
// result to the cache; followers observe that write through their polls.
type FetchFunc func(ctx context.Context) ([]byte, error)

// Option configures a Group.
type Option func(*Group)

// WithPollInterval overrides the follower poll cadence.
func WithPollInterval(d time.Duration) Option {
	return func(g *Group) { g.pollInterval = d }
}

// Group coalesces fetches. One instance serves all keys.
type Group struct {
	sf           singleflight.Group
	kv           KV
	log          zerolog.Logger
	pollInterval time.Duration

	leases   atomic.Int64
	shared   atomic.Int64
	polled   atomic.Int64
	timeouts atomic.Int64
	direct   atomic.Int64
}

// New builds a Group over the given key-value client.
func New(kv KV, log zerolog.Logger, opts ...Option) *Group {
	g := &Group{
		kv:           kv,
		log:          log,
		pollInterval: defaultPollInterval,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Do returns the value for key, executing fetch at most once per process
// per in-flight window and at most once across processes while the lease
// holds. The bool reports whether the result was shared with other callers.
func (g *Group) Do(ctx context.Context, key string, timeout time.Duration, fetch FetchFunc) ([]byte, bool, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ch := g.sf.DoChan(key, func() (interface{}, error) {
		return g.lead(ctx, key, timeout, fetch)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Shared, res.Err
		}
		if res.Shared {
			g.shared.Add(1)
		}
		return res.Val.([]byte), res.Shared, nil

	case <-time.After(timeout):
		// The in-flight execution outlived the window. Detach so later
		// callers start fresh, then fetch directly.
		g.sf.Forget(key)
		g.timeouts.Add(1)
		val, err := fetch(ctx)
		return val, false, err

	case <-ctx.Done():
		g.sf.Forget(key)
		return nil, false, ctx.Err()
	}
}

// lead runs once per in-process flight. It competes for the distributed
// lease; losers poll the data key the remote leader will write.
func (g *Group) lead(ctx context.Context, key string, timeout time.Duration, fetch FetchFunc) (interface{}, error) {
	if g.kv == nil {
		g.direct.Add(1)
		return fetch(ctx)
	}

	lockKey := "lock:" + key

	acquired, err := g.kv.SetNX(ctx, lockKey, leaseToken, timeout)
	if err != nil {
		g.log.Debug().Err(err).Str("key", key).Msg("lease unavailable, fetching directly")
		g.direct.Add(1)
		return fetch(ctx)
	}

	if acquired {
		g.leases.Add(1)
		defer func() {
			if err := g.kv.Del(context.WithoutCancel(ctx), lockKey); err != nil {
				g.log.Debug().Err(err).Str("key", key).Msg("lease release failed")
			}
		}()
		return fetch(ctx)
	}

	if val, ok := g.poll(ctx, key, timeout); ok {
		g.polled.Add(1)
		return val, nil
	}

	g.timeouts.Add(1)
	return fetch(ctx)
}

// poll watches the data key until the leader's write appears or the
// window closes. The first check is immediate: the leader may have
// finished before we arrived.
func (g *Group) poll(ctx context.Context, key string, timeout time.Duration) ([]byte, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(g.pollInterval)
	defer tick.Stop()

	for {
		val, found, err := g.kv.Get(ctx, key)
		if err == nil && found {
			return val, true
		}

		select {
		case <-tick.C:
		case <-deadline.C:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Leases   int64
	Shared   int64
	Polled   int64
	Timeouts int64
	Direct   int64
}

// Stats snapshots the group's counters.
func (g *Group) Stats() Stats {
	return Stats{
		Leases:   g.leases.Load(),
		Shared:   g.shared.Load(),
		Polled:   g.polled.Load(),
		Timeouts: g.timeouts.Load(),
		Direct:   g.direct.Load(),
	}
}
