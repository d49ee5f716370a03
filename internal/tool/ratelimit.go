package tool

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter is a token bucket shared by every run's CRM calls.
type RateLimiter struct {
	limiter *rate.Limiter
}

func NewRateLimiter(maxBurst int, ratePerMinute float64) *RateLimiter {
	if maxBurst <= 0 {
		maxBurst = 10
	}
	if ratePerMinute <= 0 {
		ratePerMinute = 120
	}
	return &RateLimiter{limiter: rate.NewLimiter(rate.Limit(ratePerMinute/60), maxBurst)}
}

// Wait blocks until a token is available or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	return rl.limiter.Wait(ctx)
}
