package collector

import (
	"context"
	"time"

	"DowTracker/internal/model"
)

// Fetcher is one stage of the provider chain.
//
// Fetch returns whatever it could find for tickers. A ticker it could not
// price is simply absent from the map. A non-nil error means the whole call
// failed and the caller should move on to the next stage.
type Fetcher interface {
	Name() string
	Fetch(ctx context.Context, day model.Day, tickers []string) (map[string]model.PricePoint, error)
}

// quoteFunc prices a single ticker. ok=false means the feed had nothing for it.
type quoteFunc func(ctx context.Context, ticker string) (p model.PricePoint, ok bool, err error)

// fetchEach runs q for every ticker sequentially and collects the hits.
// Per-ticker errors are dropped unless every ticker failed.
func fetchEach(ctx context.Context, tickers []string, q quoteFunc) (map[string]model.PricePoint, error) {
	out := make(map[string]model.PricePoint, len(tickers))
	var lastErr error
	failed := 0
	for _, tk := range tickers {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		p, ok, err := q(ctx, tk)
		if err != nil {
			lastErr = err
			failed++
			continue
		}
		if ok {
			out[tk] = p
		}
	}
	if failed > 0 && failed == len(tickers) {
		return out, lastErr
	}
	return out, nil
}

func nowIn(loc *time.Location) time.Time {
	if loc == nil {
		return time.Now()
	}
	return time.Now().In(loc)
}

func localize(t time.Time, loc *time.Location) time.Time {
	if loc == nil {
		return t
	}
	return t.In(loc)
}
