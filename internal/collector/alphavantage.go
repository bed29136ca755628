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

const (
	alphaVantageBaseURL = "https://www.alphavantage.co"
	alphaVantageLayout  = "2006-01-02 15:04:05"
)

// AlphaVantageFetcher reads the newest 1-minute bar of TIME_SERIES_INTRADAY.
type AlphaVantageFetcher struct {
	Client   HTTPClient
	BaseURL  string
	APIKey   string
	Location *time.Location
}

func NewAlphaVantageFetcher(client HTTPClient, apiKey, baseURL string, loc *time.Location) *AlphaVantageFetcher {
	if baseURL == "" {
		baseURL = alphaVantageBaseURL
	}
	return &AlphaVantageFetcher{Client: client, BaseURL: baseURL, APIKey: apiKey, Location: loc}
}

func (f *AlphaVantageFetcher) Name() string { return string(model.SourceAlphaVantage) }

type alphaVantageIntraday struct {
	Meta struct {
		TimeZone string `json:"6. Time Zone"`
	} `json:"Meta Data"`
	Series map[string]struct {
		Close decimal.Decimal `json:"4. close"`
	} `json:"Time Series (1min)"`
	Note        string `json:"Note"`
	Information string `json:"Information"`
	Error       string `json:"Error Message"`
}

func (f *AlphaVantageFetcher) Fetch(ctx context.Context, _ model.Day, tickers []string) (map[string]model.PricePoint, error) {
	return fetchEach(ctx, tickers, f.quote)
}

func (f *AlphaVantageFetcher) quote(ctx context.Context, ticker string) (model.PricePoint, bool, error) {
	q := url.Values{}
	q.Set("function", "TIME_SERIES_INTRADAY")
	q.Set("symbol", ticker)
	q.Set("interval", "1min")
	q.Set("outputsize", "compact")
	q.Set("apikey", f.APIKey)
	endpoint := strings.TrimRight(f.BaseURL, "/") + "/query?" + q.Encode()

	var resp alphaVantageIntraday
	if err := getJSON(ctx, f.Client, endpoint, nil, &resp); err != nil {
		return model.PricePoint{}, false, fmt.Errorf("alphavantage %s: %w", ticker, err)
	}
	switch {
	case resp.Note != "" || resp.Information != "":
		return model.PricePoint{}, false, fmt.Errorf("alphavantage %s: %w", ticker, ErrRateLimited)
	case resp.Error != "":
		return model.PricePoint{}, false, fmt.Errorf("alphavantage %s: %s", ticker, resp.Error)
	}

	// Keys share one fixed-width layout, so the lexical max is the newest bar.
	var newest string
	for k := range resp.Series {
		if k > newest {
			newest = k
		}
	}
	if newest == "" {
		return model.PricePoint{}, false, nil
	}
	bar := resp.Series[newest]
	if !bar.Close.IsPositive() {
		return model.PricePoint{}, false, nil
	}

	loc := f.Location
	if resp.Meta.TimeZone != "" {
		if l, err := time.LoadLocation(resp.Meta.TimeZone); err == nil {
			loc = l
		}
	}
	if loc == nil {
		loc = time.UTC
	}
	ts, err := time.ParseInLocation(alphaVantageLayout, newest, loc)
	if err != nil {
		return model.PricePoint{}, false, fmt.Errorf("alphavantage %s: timestamp %q: %w", ticker, newest, err)
	}
	return model.NewPricePoint(ticker, localize(ts, f.Location), bar.Close, model.SourceAlphaVantage, nowIn(f.Location)), true, nil
}
