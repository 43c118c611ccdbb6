package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestAdmitDeniesAfterLimit(t *testing.T) {
	clock := newFakeClock()
	limiter := New(Config{Limit: 5, Window: time.Hour, Now: clock.Now})
	id := Identity{Key: "ip:198.51.100.7"}
	first := clock.Now()

	for i := 0; i < 5; i++ {
		decision := limiter.Admit(id)
		require.True(t, decision.Allowed, "request %d", i+1)
		require.Equal(t, 5-i-1, decision.Remaining)
		require.Equal(t, first.Add(time.Hour), decision.ResetAt)
		clock.Advance(time.Minute)
	}

	denied := limiter.Admit(id)
	require.False(t, denied.Allowed)
	require.Equal(t, 0, denied.Remaining)
	require.Equal(t, first.Add(time.Hour), denied.ResetAt)
	require.Equal(t, 55*time.Minute, denied.RetryAfter)
}

func TestAdmitSlidesWindow(t *testing.T) {
	clock := newFakeClock()
	limiter := New(Config{Limit: 2, Window: time.Hour, Now: clock.Now})
	id := Identity{Key: "ip:203.0.113.9"}

	require.True(t, limiter.Admit(id).Allowed)
	clock.Advance(30 * time.Minute)
	require.True(t, limiter.Admit(id).Allowed)
	require.False(t, limiter.Admit(id).Allowed)

	// The first admission leaves the window exactly one hour later.
	clock.Advance(30 * time.Minute)
	decision := limiter.Admit(id)
	require.True(t, decision.Allowed)
	require.Equal(t, 0, decision.Remaining)
}

func TestPrivilegedIdentityNeverDenied(t *testing.T) {
	limiter := New(Config{Limit: 1, Window: time.Hour})
	id := Identity{Key: "key:secret", Privileged: true}
	for i := 0; i < 100; i++ {
		decision := limiter.Admit(id)
		require.True(t, decision.Allowed)
		require.True(t, decision.Unlimited)
	}
	require.Zero(t, limiter.Len(), "privileged identities must not consume a window")
}

func TestIdentitiesAreIndependent(t *testing.T) {
	limiter := New(Config{Limit: 1, Window: time.Hour})
	require.True(t, limiter.Admit(Identity{Key: "a"}).Allowed)
	require.False(t, limiter.Admit(Identity{Key: "a"}).Allowed)
	require.True(t, limiter.Admit(Identity{Key: "b"}).Allowed)
}

func TestConcurrentAdmitsNeverExceedLimit(t *testing.T) {
	const limit = 25
	limiter := New(Config{Limit: limit, Window: time.Hour})
	id := Identity{Key: "ip:192.0.2.1"}

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Admit(id).Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(limit), admitted.Load())
}

func TestSweepEvictsEmptyWindows(t *testing.T) {
	clock := newFakeClock()
	limiter := New(Config{Limit: 3, Window: time.Hour, Now: clock.Now})
	limiter.Admit(Identity{Key: "old"})
	clock.Advance(45 * time.Minute)
	limiter.Admit(Identity{Key: "fresh"})
	require.Equal(t, 2, limiter.Len())

	clock.Advance(20 * time.Minute)
	require.Equal(t, 1, limiter.Sweep())
	require.Equal(t, 1, limiter.Len())

	clock.Advance(time.Hour)
	require.Equal(t, 1, limiter.Sweep())
	require.Zero(t, limiter.Len())
}

func TestStartAndStopSweep(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := newFakeClock()
	limiter := New(Config{Limit: 1, Window: time.Minute, SweepInterval: 5 * time.Millisecond, Now: clock.Now})
	limiter.Admit(Identity{Key: "transient"})
	clock.Advance(2 * time.Minute)

	limiter.Start(context.Background())
	require.Eventually(t, func() bool { return limiter.Len() == 0 }, time.Second, 5*time.Millisecond)

	limiter.Stop()
	limiter.Stop()
}

func TestStartStopsOnContextCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	limiter := New(Config{Limit: 1, SweepInterval: time.Hour})
	limiter.Start(ctx)
	cancel()
	limiter.Stop()
}
