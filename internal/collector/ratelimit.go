package collector

import (
	"context"
	"sync"
	"time"

	"DowTracker/internal/model"
)

// TokenBucket is a small token bucket limiter.
type TokenBucket struct {
	rate     float64 // tokens per second
	capacity float64

	mu     sync.Mutex
	tokens float64
	last   time.Time
}

// NewTokenBucket allows perMinute calls per minute with the given burst.
func NewTokenBucket(perMinute, burst int) *TokenBucket {
	rate := float64(perMinute) / 60
	if rate <= 0 {
		rate = 1e-7
	}
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucket{
		rate:     rate,
		capacity: float64(burst),
		tokens:   float64(burst),
		last:     time.Now(),
	}
}

// Wait blocks until a token is available or ctx is done.
func (tb *TokenBucket) Wait(ctx context.Context) error {
	for {
		tb.mu.Lock()
		now := time.Now()
		if elapsed := now.Sub(tb.last).Seconds(); elapsed > 0 {
			tb.tokens += elapsed * tb.rate
			if tb.tokens > tb.capacity {
				tb.tokens = tb.capacity
			}
			tb.last = now
		}
		if tb.tokens >= 1 {
			tb.tokens--
			tb.mu.Unlock()
			return nil
		}
		deficit := 1 - tb.tokens
		tb.mu.Unlock()

		wait := time.Duration(deficit / tb.rate * float64(time.Second))
		if wait <= 0 {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// RateLimited gates every Fetch of F through TB.
type RateLimited struct {
	F  Fetcher
	TB *TokenBucket
}

func (r *RateLimited) Name() string { return r.F.Name() }

func (r *RateLimited) Fetch(ctx context.Context, day model.Day, tickers []string) (map[string]model.PricePoint, error) {
	if r.TB != nil {
		if err := r.TB.Wait(ctx); err != nil {
			return nil, err
		}
	}
	return r.F.Fetch(ctx, day, tickers)
}
