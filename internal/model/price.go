package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies where a price point came from.
type Source string

const (
	SourceDisk         Source = "disk"
	SourceYahoo        Source = "yahoo"
	SourceFinnhub      Source = "finnhub"
	SourcePolygon      Source = "polygon"
	SourceTiingo       Source = "tiingo"
	SourceAlphaVantage Source = "alphavantage"
	SourceREST         Source = "rest"
	SourceMock         Source = "mock"
)

// PricePoint is a single verbatim price observation for a ticker.
// Timestamp has minute resolution; CapturedAt is when we received it.
type PricePoint struct {
	Ticker     string          `json:"ticker"`
	Timestamp  time.Time       `json:"timestamp"`
	Price      decimal.Decimal `json:"price"`
	Source     Source          `json:"source"`
	CapturedAt time.Time       `json:"captured_at"`
}

// NewPricePoint builds a point with the timestamp truncated to the minute.
func NewPricePoint(ticker string, ts time.Time, price decimal.Decimal, src Source, capturedAt time.Time) PricePoint {
	return PricePoint{
		Ticker:     ticker,
		Timestamp:  ts.Truncate(time.Minute),
		Price:      price,
		Source:     src,
		CapturedAt: capturedAt,
	}
}

// IsZero reports whether the point carries no observation.
func (p PricePoint) IsZero() bool {
	return p.Ticker == "" && p.Timestamp.IsZero()
}

// CacheEntry is the current value for a ticker on a day plus its derived staleness.
type CacheEntry struct {
	Point PricePoint `json:"point"`
	Stale bool       `json:"stale"`
}
