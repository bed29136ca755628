package collector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"DowTracker/internal/model"
)

// RESTFetcher implements Fetcher against a generic bearer-auth quote relay
// exposing GET /api/v1/quote?symbol=X.
type RESTFetcher struct {
	BaseURL  string
	APIKey   string
	Client   HTTPClient
	Location *time.Location
}

// NewRESTFetcher creates a relay fetcher.
func NewRESTFetcher(client HTTPClient, apiKey, baseURL string, loc *time.Location) *RESTFetcher {
	return &RESTFetcher{
		BaseURL:  baseURL,
		APIKey:   apiKey,
		Client:   client,
		Location: loc,
	}
}

func (f *RESTFetcher) Name() string { return string(model.SourceREST) }

// restQuote is the expected JSON shape from the relay. Timestamp is unix seconds.
type restQuote struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"`
}

func (f *RESTFetcher) Fetch(ctx context.Context, _ model.Day, tickers []string) (map[string]model.PricePoint, error) {
	return fetchEach(ctx, tickers, f.quote)
}

func (f *RESTFetcher) quote(ctx context.Context, ticker string) (model.PricePoint, bool, error) {
	endpoint := fmt.Sprintf("%s/api/v1/quote?symbol=%s", strings.TrimRight(f.BaseURL, "/"), url.QueryEscape(ticker))
	header := http.Header{}
	if f.APIKey != "" {
		header.Set("Authorization", "Bearer "+f.APIKey)
	}

	var q restQuote
	if err := getJSON(ctx, f.Client, endpoint, header, &q); err != nil {
		return model.PricePoint{}, false, fmt.Errorf("rest %s: %w", ticker, err)
	}
	if !q.Price.IsPositive() || q.Timestamp <= 0 {
		return model.PricePoint{}, false, nil
	}
	if q.Symbol != "" && !strings.EqualFold(q.Symbol, ticker) {
		return model.PricePoint{}, false, fmt.Errorf("rest %s: relay answered for %s", ticker, q.Symbol)
	}
	ts := localize(time.Unix(q.Timestamp, 0), f.Location)
	return model.NewPricePoint(ticker, ts, q.Price, model.SourceREST, nowIn(f.Location)), true, nil
}
