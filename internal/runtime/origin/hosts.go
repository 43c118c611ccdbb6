package origin

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	maxTrackedHosts = 4096
	hostIdleTTL     = 10 * time.Minute
)

// hostLimiter paces outbound requests per origin host. Limiters live in a
// bounded LRU so caller-chosen hostnames cannot grow it without limit; an
// evicted host simply starts over with a full burst.
type hostLimiter struct {
	mu       sync.Mutex
	limiters *expirable.LRU[string, *rate.Limiter]
	limit    rate.Limit
	burst    int
}

func newHostLimiter(perSecond float64, burst int) *hostLimiter {
	return newHostLimiterSized(perSecond, burst, maxTrackedHosts, hostIdleTTL)
}

func newHostLimiterSized(perSecond float64, burst, size int, ttl time.Duration) *hostLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &hostLimiter{
		limiters: expirable.NewLRU[string, *rate.Limiter](size, nil, ttl),
		limit:    rate.Limit(perSecond),
		burst:    burst,
	}
}

func (h *hostLimiter) wait(ctx context.Context, host string) error {
	if h == nil {
		return nil
	}
	return h.get(strings.ToLower(host)).Wait(ctx)
}

func (h *hostLimiter) get(host string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	if limiter, ok := h.limiters.Get(host); ok {
		return limiter
	}
	limiter := rate.NewLimiter(h.limit, h.burst)
	h.limiters.Add(host, limiter)
	return limiter
}

func (h *hostLimiter) tracked() int {
	if h == nil {
		return 0
	}
	return h.limiters.Len()
}
