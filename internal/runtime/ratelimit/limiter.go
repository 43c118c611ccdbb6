package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultWindow        = time.Hour
	defaultSweepInterval = 10 * time.Minute
)

// Identity is the caller key a window is tracked under. Privileged identities
// bypass the window entirely.
type Identity struct {
	Key        string
	Privileged bool
}

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed    bool
	Unlimited  bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Config sizes the sliding window.
type Config struct {
	Limit         int
	Window        time.Duration
	SweepInterval time.Duration
	// Now overrides the clock in tests.
	Now    func() time.Time
	Logger *slog.Logger
}

// Limiter is a sliding-window admission controller keyed by identity. It owns
// its background sweep and must be stopped by the caller that started it.
type Limiter struct {
	limit         int
	window        time.Duration
	sweepInterval time.Duration
	now           func() time.Time
	logger        *slog.Logger

	mu      sync.Mutex
	windows map[string][]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func New(cfg Config) *Limiter {
	limit := cfg.Limit
	if limit <= 0 {
		limit = 1
	}
	window := cfg.Window
	if window <= 0 {
		window = defaultWindow
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = defaultSweepInterval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		limit:         limit,
		window:        window,
		sweepInterval: sweep,
		now:           now,
		logger:        logger.With(slog.String("agent", "rate_limiter")),
		windows:       make(map[string][]time.Time),
		stopCh:        make(chan struct{}),
	}
}

// Limit reports the configured admissions per window.
func (l *Limiter) Limit() int { return l.limit }

// Window reports the trailing window length.
func (l *Limiter) Window() time.Duration { return l.window }

// Admit prunes the identity's window and either records the request or
// denies it. The check and the append happen under one lock so concurrent
// callers sharing an identity can never exceed the limit.
func (l *Limiter) Admit(id Identity) Decision {
	if id.Privileged {
		return Decision{Allowed: true, Unlimited: true, Limit: l.limit, Remaining: -1}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	stamps := l.prune(l.windows[id.Key], now)

	if len(stamps) >= l.limit {
		l.windows[id.Key] = stamps
		resetAt := stamps[0].Add(l.window)
		retry := resetAt.Sub(now)
		if retry < 0 {
			retry = 0
		}
		return Decision{
			Allowed:    false,
			Limit:      l.limit,
			Remaining:  0,
			ResetAt:    resetAt,
			RetryAfter: retry,
		}
	}

	stamps = append(stamps, now)
	l.windows[id.Key] = stamps
	return Decision{
		Allowed:   true,
		Limit:     l.limit,
		Remaining: l.limit - len(stamps),
		ResetAt:   stamps[0].Add(l.window),
	}
}

// prune drops timestamps at or before now-window. Timestamps are appended in
// order so the survivors are a suffix of the slice.
func (l *Limiter) prune(stamps []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-l.window)
	idx := 0
	for idx < len(stamps) && !stamps[idx].After(cutoff) {
		idx++
	}
	if idx == 0 {
		return stamps
	}
	if idx == len(stamps) {
		return nil
	}
	kept := make([]time.Time, len(stamps)-idx)
	copy(kept, stamps[idx:])
	return kept
}

// Sweep prunes every window and evicts identities left empty. It returns the
// number of identities removed.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	removed := 0
	for key, stamps := range l.windows {
		kept := l.prune(stamps, now)
		if len(kept) == 0 {
			delete(l.windows, key)
			removed++
			continue
		}
		l.windows[key] = kept
	}
	return removed
}

// Len returns the number of identities holding a window.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Start launches the periodic sweep. It stops when ctx is canceled or Stop is
// called.
func (l *Limiter) Start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-l.stopCh:
				return
			case <-ticker.C:
				if removed := l.Sweep(); removed > 0 {
					l.logger.Debug("rate window sweep completed",
						slog.Int("evicted", removed),
						slog.Int("tracked", l.Len()))
				}
			}
		}
	}()
}

// Stop halts the sweep goroutine and waits for it to exit. Safe to call more
// than once.
func (l *Limiter) Stop() {
	l.once.Do(func() {
		close(l.stopCh)
	})
	l.wg.Wait()
}
