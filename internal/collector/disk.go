package collector

import (
	"context"

	"DowTracker/internal/model"
)

// CacheReader is the read side of the cache store.
type CacheReader interface {
	Get(ticker string, day model.Day) (model.CacheEntry, bool)
}

// DiskFetcher is the first stage of every chain: it serves what the cache
// already holds for the day, stale or not. The orchestrator decides freshness.
type DiskFetcher struct {
	Cache CacheReader
}

func (d *DiskFetcher) Name() string { return string(model.SourceDisk) }

func (d *DiskFetcher) Fetch(ctx context.Context, day model.Day, tickers []string) (map[string]model.PricePoint, error) {
	out := make(map[string]model.PricePoint, len(tickers))
	for _, tk := range tickers {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if e, ok := d.Cache.Get(tk, day); ok {
			out[tk] = e.Point
		}
	}
	return out, nil
}
