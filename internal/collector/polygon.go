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

const polygonBaseURL = "https://api.polygon.io"

// PolygonFetcher reads the last trade from Polygon.
type PolygonFetcher struct {
	Client   HTTPClient
	BaseURL  string
	APIKey   string
	Location *time.Location
}

func NewPolygonFetcher(client HTTPClient, apiKey, baseURL string, loc *time.Location) *PolygonFetcher {
	if baseURL == "" {
		baseURL = polygonBaseURL
	}
	return &PolygonFetcher{Client: client, BaseURL: baseURL, APIKey: apiKey, Location: loc}
}

func (f *PolygonFetcher) Name() string { return string(model.SourcePolygon) }

func (f *PolygonFetcher) Fetch(ctx context.Context, _ model.Day, tickers []string) (map[string]model.PricePoint, error) {
	return fetchEach(ctx, tickers, f.quote)
}

func (f *PolygonFetcher) quote(ctx context.Context, ticker string) (model.PricePoint, bool, error) {
	endpoint := fmt.Sprintf("%s/v2/last/trade/%s?apiKey=%s",
		strings.TrimRight(f.BaseURL, "/"), url.PathEscape(ticker), url.QueryEscape(f.APIKey))

	var resp struct {
		Status  string `json:"status"`
		Results *struct {
			Price decimal.Decimal `json:"p"`
			SIPNs int64           `json:"t"`
		} `json:"results"`
	}
	if err := getJSON(ctx, f.Client, endpoint, nil, &resp); err != nil {
		return model.PricePoint{}, false, fmt.Errorf("polygon %s: %w", ticker, err)
	}
	if resp.Results == nil || !resp.Results.Price.IsPositive() || resp.Results.SIPNs <= 0 {
		return model.PricePoint{}, false, nil
	}
	ts := localize(time.Unix(0, resp.Results.SIPNs), f.Location)
	return model.NewPricePoint(ticker, ts, resp.Results.Price, model.SourcePolygon, nowIn(f.Location)), true, nil
}
