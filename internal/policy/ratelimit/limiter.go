// Package ratelimit gates fetches per host so no host is contacted more often
// than the configured delay.
package ratelimit

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/content-ingest/internal/ingest"
	"github.com/JakeFAU/content-ingest/internal/metrics"
)

// UnknownHost is the bucket for URLs without a parseable authority.
const UnknownHost = "unknown"

// HostThrottle keeps one token bucket per host. It is owned by a single run and
// discarded with it.
type HostThrottle struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	clock    ingest.Clock
	sleeper  ingest.Sleeper
	logger   *zap.Logger
}

// NewHostThrottle creates a throttle that spaces calls to the same host at
// least delay apart. A zero delay disables waiting.
func NewHostThrottle(delay time.Duration, clock ingest.Clock, sleeper ingest.Sleeper, logger *zap.Logger) *HostThrottle {
	limit := rate.Inf
	if delay > 0 {
		limit = rate.Every(delay)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HostThrottle{
		limiters: make(map[string]*rate.Limiter),
		limit:    limit,
		clock:    clock,
		sleeper:  sleeper,
		logger:   logger,
	}
}

// Wait blocks until rawURL's host may be contacted again and claims the slot.
func (t *HostThrottle) Wait(ctx context.Context, rawURL string) error {
	host := HostKey(rawURL)

	t.mu.Lock()
	limiter, ok := t.limiters[host]
	if !ok {
		limiter = rate.NewLimiter(t.limit, 1)
		t.limiters[host] = limiter
	}
	now := t.clock.Now()
	reservation := limiter.ReserveN(now, 1)
	t.mu.Unlock()

	if !reservation.OK() {
		return fmt.Errorf("throttle %s: reservation refused", host)
	}
	wait := reservation.DelayFrom(now)
	if wait <= 0 {
		return nil
	}

	t.logger.Debug("throttling host", zap.String("host", host), zap.Duration("wait", wait))
	if err := t.sleeper.Sleep(ctx, wait); err != nil {
		reservation.CancelAt(t.clock.Now())
		return fmt.Errorf("throttle wait: %w", err)
	}
	metrics.ObserveThrottleWait(host, wait)
	return nil
}

// Hosts reports how many distinct hosts have been gated.
func (t *HostThrottle) Hosts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.limiters)
}

// HostKey returns the URL authority, or UnknownHost when there is none.
func HostKey(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return UnknownHost
	}
	return u.Host
}
