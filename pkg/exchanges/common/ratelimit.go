package common

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// RateLimiter paces requests to a per-minute budget and honours venue
// back-off hints after a 429.
type RateLimiter struct {
	limiter *rate.Limiter

	mu         sync.Mutex
	blockUntil time.Time
}

// NewRateLimiter allows perMinute requests per minute with a small burst.
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 50
	}
	burst := perMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), burst),
	}
}

// Wait blocks until a request may be sent or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.Lock()
	until := rl.blockUntil
	rl.mu.Unlock()

	if d := time.Until(until); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return rl.limiter.Wait(ctx)
}

// Backoff pauses all requests for the reset window reported by the venue.
// resetHeader is milliseconds until the quota refills; empty means one second.
func (rl *RateLimiter) Backoff(resetHeader string) {
	d := time.Second
	if ms, err := strconv.ParseInt(resetHeader, 10, 64); err == nil && ms > 0 {
		d = time.Duration(ms) * time.Millisecond
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if until := time.Now().Add(d); until.After(rl.blockUntil) {
		rl.blockUntil = until
	}
	log.Warn().Str("component", "ratelimit").Dur("backoff", d).Msg("rate limit hit, pausing requests")
}
