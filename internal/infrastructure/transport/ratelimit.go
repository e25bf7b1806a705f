package transport

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	gwerrors "github.com/routecodex/routecodex/pkg/errors"
)

// RateTable keeps one token bucket per credential. Buckets are created on
// first use from the provider profile's (rpm, burst) hint; a zero rpm means
// unlimited.
type RateTable struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	waitMax time.Duration
}

// NewRateTable creates a table. waitMax bounds how long a caller may block on
// an empty bucket before failing RateLimited.
func NewRateTable(waitMax time.Duration) *RateTable {
	if waitMax <= 0 {
		waitMax = 10 * time.Second
	}
	return &RateTable{
		buckets: make(map[string]*rate.Limiter),
		waitMax: waitMax,
	}
}

// Wait blocks until the credential's bucket grants a token, the wait budget
// runs out, or ctx is cancelled.
func (t *RateTable) Wait(ctx context.Context, credentialID string, rpm, burst int) error {
	if rpm <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}

	t.mu.Lock()
	limiter, ok := t.buckets[credentialID]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)
		t.buckets[credentialID] = limiter
	}
	t.mu.Unlock()

	waitCtx, cancel := context.WithTimeout(ctx, t.waitMax)
	defer cancel()

	if err := limiter.Wait(waitCtx); err != nil {
		if ctx.Err() != nil {
			return gwerrors.NewTimeout("request cancelled while rate limited")
		}
		return gwerrors.NewRateLimited("credential rate limit bucket exhausted", 0)
	}
	return nil
}
