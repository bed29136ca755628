package collector

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"DowTracker/internal/model"
)

const finnhubBaseURL = "https://finnhub.io/api/v1"

// FinnhubFetcher reads the Finnhub quote endpoint.
type FinnhubFetcher struct {
	Client   HTTPClient
	BaseURL  string
	APIKey   string
	Location *time.Location
}

func NewFinnhubFetcher(client HTTPClient, apiKey, baseURL string, loc *time.Location) *FinnhubFetcher {
	if baseURL == "" {
		baseURL = finnhubBaseURL
	}
	return &FinnhubFetcher{Client: client, BaseURL: baseURL, APIKey: apiKey, Location: loc}
}

func (f *FinnhubFetcher) Name() string { return string(model.SourceFinnhub) }

func (f *FinnhubFetcher) Fetch(ctx context.Context, _ model.Day, tickers []string) (map[string]model.PricePoint, error) {
	return fetchEach(ctx, tickers, f.quote)
}

func (f *FinnhubFetcher) quote(ctx context.Context, ticker string) (model.PricePoint, bool, error) {
	q := url.Values{}
	q.Set("symbol", ticker)
	q.Set("token", f.APIKey)
	endpoint := strings.TrimRight(f.BaseURL, "/") + "/quote?" + q.Encode()

	var resp struct {
		Current decimal.Decimal `json:"c"`
		Time    int64           `json:"t"`
	}
	if err := getJSON(ctx, f.Client, endpoint, nil, &resp); err != nil {
		return model.PricePoint{}, false, fmt.Errorf("finnhub %s: %w", ticker, err)
	}
	// Unknown symbols come back as all zeros.
	if !resp.Current.IsPositive() || resp.Time <= 0 {
		return model.PricePoint{}, false, nil
	}
	ts := localize(time.Unix(resp.Time, 0), f.Location)
	return model.NewPricePoint(ticker, ts, resp.Current, model.SourceFinnhub, nowIn(f.Location)), true, nil
}
