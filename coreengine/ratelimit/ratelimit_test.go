package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func TestDisabledLimiterAllowsEverything(t *testing.T) {
	l := New(Config{})
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("u1").Allowed)
	}
	assert.Equal(t, 0, l.Keys())

	var nilLimiter *Limiter
	assert.True(t, nilLimiter.Allow("u1").Allowed)
}

func TestMinuteLimit(t *testing.T) {
	clock := newClock()
	l := New(Config{PerMinute: 3}, WithClock(clock.Now))

	for i := 0; i < 3; i++ {
		require.True(t, l.Allow("u1").Allowed, "request %d", i)
	}

	res := l.Allow("u1")
	assert.False(t, res.Allowed)
	assert.Equal(t, "minute", res.Window)
	assert.Equal(t, 3, res.Current)
	assert.Equal(t, 3, res.Limit)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, res.RetryAfter, time.Minute)

	clock.Advance(res.RetryAfter)
	assert.True(t, l.Allow("u1").Allowed)
}

func TestRejectedRequestsAreNotRecorded(t *testing.T) {
	clock := newClock()
	l := New(Config{PerMinute: 1}, WithClock(clock.Now))

	require.True(t, l.Allow("u1").Allowed)
	for i := 0; i < 5; i++ {
		assert.False(t, l.Allow("u1").Allowed)
	}

	clock.Advance(time.Minute)
	assert.True(t, l.Allow("u1").Allowed)
}

func TestHourLimitOutlastsMinute(t *testing.T) {
	clock := newClock()
	l := New(Config{PerMinute: 2, PerHour: 3}, WithClock(clock.Now))

	require.True(t, l.Allow("u1").Allowed)
	require.True(t, l.Allow("u1").Allowed)
	assert.Equal(t, "minute", l.Allow("u1").Window)

	clock.Advance(2 * time.Minute)
	require.True(t, l.Allow("u1").Allowed)

	res := l.Allow("u1")
	assert.False(t, res.Allowed)
	assert.Equal(t, "hour", res.Window)
	assert.Greater(t, res.RetryAfter, 50*time.Minute)
}

func TestKeysAreIndependent(t *testing.T) {
	l := New(Config{PerMinute: 1}, WithClock(newClock().Now))

	assert.True(t, l.Allow("u1").Allowed)
	assert.False(t, l.Allow("u1").Allowed)
	assert.True(t, l.Allow("u2").Allowed)
	assert.Equal(t, 2, l.Keys())
}

func TestReset(t *testing.T) {
	l := New(Config{PerMinute: 1}, WithClock(newClock().Now))

	assert.True(t, l.Allow("u1").Allowed)
	assert.False(t, l.Allow("u1").Allowed)
	l.Reset("u1")
	assert.True(t, l.Allow("u1").Allowed)
}

func TestCleanup(t *testing.T) {
	clock := newClock()
	l := New(Config{PerMinute: 5}, WithClock(clock.Now))

	l.Allow("u1")
	clock.Advance(30 * time.Second)
	l.Allow("u2")
	clock.Advance(45 * time.Second)

	assert.Equal(t, 1, l.Cleanup())
	assert.Equal(t, 1, l.Keys())
}

func TestAllowDropsIdleKeys(t *testing.T) {
	clock := newClock()
	l := New(Config{PerMinute: 5, PerHour: 50}, WithClock(clock.Now))

	for i := 0; i < 1000; i++ {
		require.True(t, l.Allow(fmt.Sprintf("user-%d", i)).Allowed)
	}
	assert.Equal(t, 1000, l.Keys())

	clock.Advance(48 * time.Hour)
	assert.True(t, l.Allow("late").Allowed)
	assert.Equal(t, 1, l.Keys())
}

func TestAllowSweepsAtMostOncePerInterval(t *testing.T) {
	clock := newClock()
	l := New(Config{PerMinute: 5}, WithClock(clock.Now), WithSweepInterval(10*time.Minute))

	l.Allow("u1")
	clock.Advance(2 * time.Minute)
	l.Allow("u2")
	// u1 is idle but the sweep interval has not passed.
	assert.Equal(t, 2, l.Keys())

	clock.Advance(9 * time.Minute)
	l.Allow("u3")
	assert.Equal(t, 1, l.Keys())
}

func TestConcurrentAllow(t *testing.T) {
	l := New(Config{PerMinute: 50}, WithClock(newClock().Now))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("u1").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}
