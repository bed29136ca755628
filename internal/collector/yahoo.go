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

const yahooBaseURL = "https://query1.finance.yahoo.com"

// YahooFetcher is the primary feed. It reads the 1-minute chart for the
// current session and takes the last bar with a close.
type YahooFetcher struct {
	Client    HTTPClient
	BaseURL   string
	Location  *time.Location
	SymbolMap map[string]string // internal ticker -> Yahoo symbol
}

// NewYahooFetcher creates the primary fetcher on client.
func NewYahooFetcher(client HTTPClient, loc *time.Location) *YahooFetcher {
	return &YahooFetcher{
		Client:   client,
		BaseURL:  yahooBaseURL,
		Location: loc,
		SymbolMap: map[string]string{
			"DJIA": "^DJI",
			"DJI":  "^DJI",
		},
	}
}

func (f *YahooFetcher) Name() string { return string(model.SourceYahoo) }

func (f *YahooFetcher) yahooSymbol(ticker string) string {
	if mapped, ok := f.SymbolMap[ticker]; ok {
		return mapped
	}
	// Yahoo uses dashes for share classes: BRK.B -> BRK-B.
	return strings.ReplaceAll(ticker, ".", "-")
}

// yahooChart is the response structure from the Yahoo Finance chart API.
type yahooChart struct {
	Chart struct {
		Result []struct {
			Meta struct {
				RegularMarketPrice decimal.Decimal `json:"regularMarketPrice"`
				RegularMarketTime  int64           `json:"regularMarketTime"`
			} `json:"meta"`
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Close []decimal.NullDecimal `json:"close"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

func (f *YahooFetcher) Fetch(ctx context.Context, _ model.Day, tickers []string) (map[string]model.PricePoint, error) {
	return fetchEach(ctx, tickers, f.quote)
}

func (f *YahooFetcher) quote(ctx context.Context, ticker string) (model.PricePoint, bool, error) {
	u := fmt.Sprintf("%s/v8/finance/chart/%s?interval=1m&range=1d&includePrePost=false",
		strings.TrimRight(f.BaseURL, "/"), url.PathEscape(f.yahooSymbol(ticker)))

	var chart yahooChart
	if err := getJSON(ctx, f.Client, u, nil, &chart); err != nil {
		return model.PricePoint{}, false, fmt.Errorf("yahoo %s: %w", ticker, err)
	}
	if chart.Chart.Error != nil {
		return model.PricePoint{}, false, fmt.Errorf("yahoo %s: api error: %s", ticker, chart.Chart.Error.Description)
	}
	if len(chart.Chart.Result) == 0 {
		return model.PricePoint{}, false, nil
	}

	result := chart.Chart.Result[0]
	captured := nowIn(f.Location)
	if len(result.Indicators.Quote) > 0 {
		closes := result.Indicators.Quote[0].Close
		for i := len(result.Timestamp) - 1; i >= 0; i-- {
			if i >= len(closes) {
				continue
			}
			c := closes[i]
			if !c.Valid || !c.Decimal.IsPositive() {
				continue // null bar
			}
			ts := localize(time.Unix(result.Timestamp[i], 0), f.Location)
			return model.NewPricePoint(ticker, ts, c.Decimal, model.SourceYahoo, captured), true, nil
		}
	}

	// No intraday bars yet; fall back to the quote in the chart meta.
	if m := result.Meta; m.RegularMarketPrice.IsPositive() && m.RegularMarketTime > 0 {
		ts := localize(time.Unix(m.RegularMarketTime, 0), f.Location)
		return model.NewPricePoint(ticker, ts, m.RegularMarketPrice, model.SourceYahoo, captured), true, nil
	}
	return model.PricePoint{}, false, nil
}
