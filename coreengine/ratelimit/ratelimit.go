// Package ratelimit limits inbound traffic per key using bucketed sliding
// windows. A key is usually a user id.
package ratelimit

import (
	"sort"
	"sync"
	"time"
)

// Config holds per-window limits. A zero limit disables that window.
type Config struct {
	PerMinute int `json:"per_minute" yaml:"per_minute"`
	PerHour   int `json:"per_hour" yaml:"per_hour"`
	PerDay    int `json:"per_day" yaml:"per_day"`
}

// Enabled reports whether any window has a limit.
func (c Config) Enabled() bool {
	return c.PerMinute > 0 || c.PerHour > 0 || c.PerDay > 0
}

// Result is the outcome of Allow.
type Result struct {
	Allowed bool
	// Window names the exceeded window: "minute", "hour" or "day".
	Window     string
	Current    int
	Limit      int
	RetryAfter time.Duration
}

// =============================================================================
// SLIDING WINDOW
// =============================================================================

const bucketsPerWindow = 10

type window struct {
	name    string
	size    time.Duration
	limit   int
	bucket  time.Duration
	buckets map[int64]int
}

func newWindow(name string, size time.Duration, limit int) *window {
	return &window{
		name:    name,
		size:    size,
		limit:   limit,
		bucket:  size / bucketsPerWindow,
		buckets: make(map[int64]int),
	}
}

func (w *window) index(now time.Time) int64 {
	return now.UnixNano() / int64(w.bucket)
}

// prune drops buckets that have left the window and returns the count of
// the rest.
func (w *window) prune(now time.Time) int {
	oldest := w.index(now) - bucketsPerWindow + 1
	count := 0
	for idx, n := range w.buckets {
		if idx < oldest {
			delete(w.buckets, idx)
			continue
		}
		count += n
	}
	return count
}

func (w *window) record(now time.Time) {
	w.buckets[w.index(now)]++
}

// retryAfter returns how long until enough buckets expire to drop the
// count below the limit.
func (w *window) retryAfter(now time.Time, count int) time.Duration {
	idxs := make([]int64, 0, len(w.buckets))
	for idx := range w.buckets {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })

	excess := count - w.limit + 1
	for _, idx := range idxs {
		excess -= w.buckets[idx]
		if excess <= 0 {
			expires := time.Unix(0, (idx+bucketsPerWindow)*int64(w.bucket))
			return expires.Sub(now)
		}
	}
	return w.size
}

// =============================================================================
// LIMITER
// =============================================================================

// DefaultSweepInterval is how often Allow drops idle keys.
const DefaultSweepInterval = time.Minute

// Limiter tracks requests per key. It is safe for concurrent use.
type Limiter struct {
	cfg   Config
	now   func() time.Time
	sweep time.Duration

	mu        sync.Mutex
	keys      map[string][]*window
	lastSweep time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSweepInterval sets how often Allow drops idle keys.
func WithSweepInterval(d time.Duration) Option {
	return func(l *Limiter) { l.sweep = d }
}

// New creates a Limiter.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:   cfg,
		now:   time.Now,
		sweep: DefaultSweepInterval,
		keys:  make(map[string][]*window),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) windows(key string) []*window {
	ws, ok := l.keys[key]
	if ok {
		return ws
	}
	if l.cfg.PerMinute > 0 {
		ws = append(ws, newWindow("minute", time.Minute, l.cfg.PerMinute))
	}
	if l.cfg.PerHour > 0 {
		ws = append(ws, newWindow("hour", time.Hour, l.cfg.PerHour))
	}
	if l.cfg.PerDay > 0 {
		ws = append(ws, newWindow("day", 24*time.Hour, l.cfg.PerDay))
	}
	l.keys[key] = ws
	return ws
}

// Allow checks every window for key and records the request only when all
// of them have room. The first exceeded window, shortest first, is
// reported. Keys idle in every window are dropped at most once per sweep
// interval.
func (l *Limiter) Allow(key string) Result {
	if l == nil || !l.cfg.Enabled() {
		return Result{Allowed: true}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) >= l.sweep {
		l.cleanupLocked(now)
		l.lastSweep = now
	}

	ws := l.windows(key)
	for _, w := range ws {
		count := w.prune(now)
		if count >= w.limit {
			return Result{
				Window:     w.name,
				Current:    count,
				Limit:      w.limit,
				RetryAfter: w.retryAfter(now, count),
			}
		}
	}
	for _, w := range ws {
		w.record(now)
	}
	return Result{Allowed: true}
}

// Reset forgets key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.keys, key)
}

// Cleanup drops keys with no requests left in any window and returns how
// many were removed.
func (l *Limiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cleanupLocked(l.now())
}

func (l *Limiter) cleanupLocked(now time.Time) int {
	removed := 0
	for key, ws := range l.keys {
		total := 0
		for _, w := range ws {
			total += w.prune(now)
		}
		if total == 0 {
			delete(l.keys, key)
			removed++
		}
	}
	return removed
}

// Keys returns the number of tracked keys.
func (l *Limiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}
