package collector

import (
	"fmt"
	"time"

	"DowTracker/internal/config"
)

// BuildChain assembles the provider chain in priority order: the disk cache,
// the primary feed, then every credentialed secondary in configured order.
func BuildChain(cfg *config.Config, cache CacheReader) ([]Fetcher, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("chain: timezone: %w", err)
	}
	client := NewHTTPClient(cfg.Proxy, cfg.Fetch.Timeout)

	chain := []Fetcher{&DiskFetcher{Cache: cache}}
	switch cfg.Primary.Kind {
	case "mock":
		chain = append(chain, &MockFetcher{Now: func() time.Time { return time.Now().In(loc) }})
	default:
		chain = append(chain, NewYahooFetcher(client, loc))
	}

	for _, s := range cfg.EnabledSecondaries() {
		f, err := newSecondary(s, client, loc)
		if err != nil {
			return nil, err
		}
		if s.RatePerMinute > 0 {
			f = &RateLimited{F: f, TB: NewTokenBucket(s.RatePerMinute, 1)}
		}
		chain = append(chain, f)
	}
	return chain, nil
}

func newSecondary(s config.Secondary, client HTTPClient, loc *time.Location) (Fetcher, error) {
	switch s.Name {
	case config.FeedFinnhub:
		return NewFinnhubFetcher(client, s.APIKey, s.BaseURL, loc), nil
	case config.FeedPolygon:
		return NewPolygonFetcher(client, s.APIKey, s.BaseURL, loc), nil
	case config.FeedTiingo:
		return NewTiingoFetcher(client, s.APIKey, s.BaseURL, loc), nil
	case config.FeedAlphaVantage:
		return NewAlphaVantageFetcher(client, s.APIKey, s.BaseURL, loc), nil
	case config.FeedREST:
		if s.BaseURL == "" {
			return nil, fmt.Errorf("chain: %s requires base_url", s.Name)
		}
		return NewRESTFetcher(client, s.APIKey, s.BaseURL, loc), nil
	default:
		return nil, fmt.Errorf("chain: unknown secondary %q", s.Name)
	}
}

// Names lists fetcher names in chain order.
func Names(chain []Fetcher) []string {
	out := make([]string, len(chain))
	for i, f := range chain {
		out[i] = f.Name()
	}
	return out
}
