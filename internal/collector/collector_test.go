package collector_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"DowTracker/internal/collector"
	"DowTracker/internal/config"
	"DowTracker/internal/model"
)

const day = model.Day("2026-10-15")

// 2026-10-15 10:00 and 10:01 America/New_York.
const (
	ts1000 = 1792072800
	ts1001 = 1792072860
)

func newYork(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	return loc
}

func respond(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"application/json"}},
	}
}

func TestYahooFetcher_LastNonNullClose(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	client := NewMockHTTPClient(ctrl)
	loc := newYork(t)

	client.EXPECT().
		Do(gomock.Any()).
		DoAndReturn(func(req *http.Request) (*http.Response, error) {
			require.Contains(t, req.URL.Path, "/v8/finance/chart/BRK-B")
			require.Equal(t, "1m", req.URL.Query().Get("interval"))
			return respond(http.StatusOK, `{"chart":{"result":[{
				"meta":{"regularMarketPrice":1,"regularMarketTime":1},
				"timestamp":[1792072800,1792072860],
				"indicators":{"quote":[{"close":[412.37,null]}]}}]}}`), nil
		}).
		Times(1)

	f := collector.NewYahooFetcher(client, loc)
	got, err := f.Fetch(context.Background(), day, []string{"BRK.B"})
	require.NoError(t, err)

	p, ok := got["BRK.B"]
	require.True(t, ok)
	require.Equal(t, "412.37", p.Price.String())
	require.Equal(t, model.SourceYahoo, p.Source)
	require.True(t, p.Timestamp.Equal(time.Unix(ts1000, 0)))
	require.Equal(t, loc, p.Timestamp.Location())
}

func TestYahooFetcher_MetaFallbackAndAPIError(t *testing.T) {
	t.Parallel()
	ctrl := gomock.NewController(t)
	client := NewMockHTTPClient(ctrl)

	gomock.InOrder(
		client.EXPECT().Do(gomock.Any()).Return(respond(http.StatusOK, `{"chart":{"result":[{
			"meta":{"regularMarketPrice":187.5,"regularMarketTime":1792072860},
			"timestamp":[],"indicators":{"quote":[{"close":[]}]}}]}}`), nil),
		client.EXPECT().Do(gomock.Any()).Return(respond(http.StatusOK,
			`{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found"}}}`), nil),
	)

	f := collector.NewYahooFetcher(client, newYork(t))
	got, err := f.Fetch(context.Background(), day, []string{"AAPL", "ZZZZ"})
	require.NoError(t, err, "one failed ticker must not fail the call")
	require.Len(t, got, 1)
	require.Equal(t, "187.5", got["AAPL"].Price.String())
}

func TestFetchers_SecondaryFeeds(t *testing.T) {
	t.Parallel()
	loc := newYork(t)

	tests := []struct {
		name   string
		build  func(collector.HTTPClient) collector.Fetcher
		check  func(t *testing.T, req *http.Request)
		body   string
		price  string
		unix   int64
		source model.Source
	}{
		{
			name:  "finnhub",
			build: func(c collector.HTTPClient) collector.Fetcher { return collector.NewFinnhubFetcher(c, "fk", "", loc) },
			check: func(t *testing.T, req *http.Request) {
				require.Equal(t, "/api/v1/quote", req.URL.Path)
				require.Equal(t, "fk", req.URL.Query().Get("token"))
			},
			body:   `{"c":231.05,"d":1.2,"t":1792072860}`,
			price:  "231.05",
			unix:   ts1001,
			source: model.SourceFinnhub,
		},
		{
			name:  "polygon",
			build: func(c collector.HTTPClient) collector.Fetcher { return collector.NewPolygonFetcher(c, "pk", "", loc) },
			check: func(t *testing.T, req *http.Request) {
				require.Equal(t, "/v2/last/trade/AAA", req.URL.Path)
				require.Equal(t, "pk", req.URL.Query().Get("apiKey"))
			},
			body:   `{"status":"OK","results":{"p":99.101,"t":1792072860123456789}}`,
			price:  "99.101",
			unix:   ts1001,
			source: model.SourcePolygon,
		},
		{
			name:  "tiingo falls back to last",
			build: func(c collector.HTTPClient) collector.Fetcher { return collector.NewTiingoFetcher(c, "tk", "", loc) },
			check: func(t *testing.T, req *http.Request) {
				require.Equal(t, "/iex/aaa", req.URL.Path)
			},
			body:   `[{"ticker":"AAA","timestamp":"2026-10-15T10:01:12.5-04:00","tngoLast":null,"last":50.5}]`,
			price:  "50.5",
			unix:   ts1001,
			source: model.SourceTiingo,
		},
		{
			name:  "alphavantage newest bar",
			build: func(c collector.HTTPClient) collector.Fetcher { return collector.NewAlphaVantageFetcher(c, "ak", "", loc) },
			check: func(t *testing.T, req *http.Request) {
				require.Equal(t, "TIME_SERIES_INTRADAY", req.URL.Query().Get("function"))
				require.Equal(t, "1min", req.URL.Query().Get("interval"))
			},
			body: `{"Meta Data":{"6. Time Zone":"US/Eastern"},"Time Series (1min)":{
				"2026-10-15 10:00:00":{"4. close":"10.0000"},
				"2026-10-15 10:01:00":{"4. close":"10.2500"}}}`,
			price:  "10.25",
			unix:   ts1001,
			source: model.SourceAlphaVantage,
		},
		{
			name:  "rest relay",
			build: func(c collector.HTTPClient) collector.Fetcher { return collector.NewRESTFetcher(c, "rk", "https://relay.test/", loc) },
			check: func(t *testing.T, req *http.Request) {
				require.Equal(t, "relay.test", req.URL.Host)
				require.Equal(t, "/api/v1/quote", req.URL.Path)
				require.Equal(t, "Bearer rk", req.Header.Get("Authorization"))
			},
			body:   `{"symbol":"AAA","price":"77.70","timestamp":1792072860}`,
			price:  "77.7",
			unix:   ts1001,
			source: model.SourceREST,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctrl := gomock.NewController(t)
			client := NewMockHTTPClient(ctrl)
			client.EXPECT().
				Do(gomock.Any()).
				DoAndReturn(func(req *http.Request) (*http.Response, error) {
					tt.check(t, req)
					return respond(http.StatusOK, tt.body), nil
				}).
				Times(1)

			f := tt.build(client)
			require.Equal(t, string(tt.source), f.Name())
			got, err := f.Fetch(context.Background(), day, []string{"AAA"})
			require.NoError(t, err)
			p, ok := got["AAA"]
			require.True(t, ok)
			require.True(t, decimal.RequireFromString(tt.price).Equal(p.Price), "price %s", p.Price)
			require.Equal(t, tt.source, p.Source)
			require.True(t, p.Timestamp.Equal(time.Unix(tt.unix, 0)), "timestamp %s", p.Timestamp)
		})
	}
}

func TestFetchers_AbsentAndFailures(t *testing.T) {
	t.Parallel()
	loc := newYork(t)

	t.Run("finnhub unknown symbol is absent", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		client := NewMockHTTPClient(ctrl)
		client.EXPECT().Do(gomock.Any()).Return(respond(http.StatusOK, `{"c":0,"t":0}`), nil)

		got, err := collector.NewFinnhubFetcher(client, "k", "", loc).Fetch(context.Background(), day, []string{"NOPE"})
		require.NoError(t, err)
		require.Empty(t, got)
	})

	t.Run("429 surfaces as rate limited", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		client := NewMockHTTPClient(ctrl)
		client.EXPECT().Do(gomock.Any()).Return(respond(http.StatusTooManyRequests, `{}`), nil)

		_, err := collector.NewPolygonFetcher(client, "k", "", loc).Fetch(context.Background(), day, []string{"AAA"})
		require.ErrorIs(t, err, collector.ErrRateLimited)
	})

	t.Run("alphavantage throttle note", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		client := NewMockHTTPClient(ctrl)
		client.EXPECT().Do(gomock.Any()).Return(respond(http.StatusOK, `{"Note":"Thank you for using Alpha Vantage!"}`), nil)

		_, err := collector.NewAlphaVantageFetcher(client, "k", "", loc).Fetch(context.Background(), day, []string{"AAA"})
		require.ErrorIs(t, err, collector.ErrRateLimited)
	})

	t.Run("transport error fails the stage", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		client := NewMockHTTPClient(ctrl)
		client.EXPECT().Do(gomock.Any()).Return(nil, errors.New("connection reset"))

		_, err := collector.NewTiingoFetcher(client, "k", "", loc).Fetch(context.Background(), day, []string{"AAA"})
		require.ErrorContains(t, err, "connection reset")
	})

	t.Run("rest relay answering for another symbol", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		client := NewMockHTTPClient(ctrl)
		client.EXPECT().Do(gomock.Any()).Return(respond(http.StatusOK, `{"symbol":"BBB","price":1,"timestamp":1792072860}`), nil)

		_, err := collector.NewRESTFetcher(client, "", "https://relay.test", loc).Fetch(context.Background(), day, []string{"AAA"})
		require.ErrorContains(t, err, "BBB")
	})
}

type fakeCache map[string]model.CacheEntry

func (f fakeCache) Get(ticker string, _ model.Day) (model.CacheEntry, bool) {
	e, ok := f[ticker]
	return e, ok
}

func TestDiskFetcher_ServesCachedPoints(t *testing.T) {
	t.Parallel()
	ts := time.Unix(ts1000, 0)
	cache := fakeCache{
		"AAA": {Point: model.NewPricePoint("AAA", ts, decimal.NewFromInt(10), model.SourceYahoo, ts), Stale: true},
	}

	f := &collector.DiskFetcher{Cache: cache}
	got, err := f.Fetch(context.Background(), day, []string{"AAA", "BBB"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, model.SourceYahoo, got["AAA"].Source, "disk keeps the original source")
}

func TestMockFetcher_FailAndFixedPrices(t *testing.T) {
	t.Parallel()
	now := time.Unix(ts1001, 0)
	m := &collector.MockFetcher{
		Prices: map[string]decimal.Decimal{"AAA": decimal.RequireFromString("12.34")},
		Fail:   map[string]bool{"BBB": true},
		Now:    func() time.Time { return now },
	}
	got, err := m.Fetch(context.Background(), day, []string{"AAA", "BBB", "CCC"})
	require.NoError(t, err)
	require.Equal(t, "12.34", got["AAA"].Price.String())
	require.NotContains(t, got, "BBB")
	require.True(t, got["CCC"].Price.IsPositive())
	require.Equal(t, 1, m.Calls())
}

func TestTokenBucket_WaitHonoursContext(t *testing.T) {
	t.Parallel()
	tb := collector.NewTokenBucket(1, 1)
	require.NoError(t, tb.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, tb.Wait(ctx), context.DeadlineExceeded)

	limited := &collector.RateLimited{F: &collector.MockFetcher{}, TB: tb}
	require.Equal(t, "mock", limited.Name())
	_, err := limited.Fetch(ctx, day, []string{"AAA"})
	require.Error(t, err)
}

func TestBuildChain_Order(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Timezone: "America/New_York"}
	cfg.Fetch.Timeout = time.Second
	cfg.Primary.Kind = "yahoo"
	cfg.Secondaries = []config.Secondary{
		{Name: config.FeedTiingo, APIKey: "t"},
		{Name: config.FeedPolygon},
		{Name: config.FeedFinnhub, APIKey: "f", RatePerMinute: 60},
		{Name: config.FeedREST, APIKey: "r", BaseURL: "https://relay.test"},
	}

	chain, err := collector.BuildChain(cfg, fakeCache{})
	require.NoError(t, err)
	require.Equal(t, []string{"disk", "yahoo", "tiingo", "finnhub", "rest"}, collector.Names(chain))
	_, limited := chain[3].(*collector.RateLimited)
	require.True(t, limited)

	cfg.Primary.Kind = "mock"
	chain, err = collector.BuildChain(cfg, fakeCache{})
	require.NoError(t, err)
	require.Equal(t, "mock", chain[1].Name())
}
