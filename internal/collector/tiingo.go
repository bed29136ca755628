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

const tiingoBaseURL = "https://api.tiingo.com"

// TiingoFetcher reads the Tiingo IEX top-of-book endpoint.
type TiingoFetcher struct {
	Client   HTTPClient
	BaseURL  string
	APIKey   string
	Location *time.Location
}

func NewTiingoFetcher(client HTTPClient, apiKey, baseURL string, loc *time.Location) *TiingoFetcher {
	if baseURL == "" {
		baseURL = tiingoBaseURL
	}
	return &TiingoFetcher{Client: client, BaseURL: baseURL, APIKey: apiKey, Location: loc}
}

func (f *TiingoFetcher) Name() string { return string(model.SourceTiingo) }

type tiingoQuote struct {
	Ticker    string              `json:"ticker"`
	Timestamp string              `json:"timestamp"`
	TngoLast  decimal.NullDecimal `json:"tngoLast"`
	Last      decimal.NullDecimal `json:"last"`
}

func (f *TiingoFetcher) Fetch(ctx context.Context, _ model.Day, tickers []string) (map[string]model.PricePoint, error) {
	return fetchEach(ctx, tickers, f.quote)
}

func (f *TiingoFetcher) quote(ctx context.Context, ticker string) (model.PricePoint, bool, error) {
	endpoint := fmt.Sprintf("%s/iex/%s?token=%s",
		strings.TrimRight(f.BaseURL, "/"), url.PathEscape(strings.ToLower(ticker)), url.QueryEscape(f.APIKey))

	var quotes []tiingoQuote
	if err := getJSON(ctx, f.Client, endpoint, nil, &quotes); err != nil {
		return model.PricePoint{}, false, fmt.Errorf("tiingo %s: %w", ticker, err)
	}
	if len(quotes) == 0 {
		return model.PricePoint{}, false, nil
	}

	q := quotes[0]
	price := q.TngoLast
	if !price.Valid || !price.Decimal.IsPositive() {
		price = q.Last
	}
	if !price.Valid || !price.Decimal.IsPositive() {
		return model.PricePoint{}, false, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, q.Timestamp)
	if err != nil {
		return model.PricePoint{}, false, fmt.Errorf("tiingo %s: timestamp %q: %w", ticker, q.Timestamp, err)
	}
	return model.NewPricePoint(ticker, localize(ts, f.Location), price.Decimal, model.SourceTiingo, nowIn(f.Location)), true, nil
}
