package exporter

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"DowTracker/internal/model"
)

// Source is the read side of the cache store an export is built from.
type Source interface {
	Get(ticker string, day model.Day) (model.CacheEntry, bool)
	Cell(ticker string, day model.Day, bucket int) (model.PricePoint, bool)
	Timetable() model.Timetable
}

// DayLoader is implemented by sources that can hydrate a day they no longer
// hold in memory. Exports of any day but the active one load it first.
type DayLoader interface {
	Load(ctx context.Context, day model.Day) error
	Evict(day model.Day)
}

// Cell is one ticker in one bucket column. A stale cell has no price.
type Cell struct {
	Ticker     string       `json:"ticker"`
	Price      string       `json:"price,omitempty"`
	Source     model.Source `json:"source,omitempty"`
	Timestamp  string       `json:"timestamp,omitempty"`
	CapturedAt string       `json:"captured_at,omitempty"`
	Stale      bool         `json:"stale"`
}

// Column is one bucket of the grid.
type Column struct {
	Index int    `json:"index"`
	Label string `json:"label"`
	Due   bool   `json:"due"`
	Cells []Cell `json:"cells"`
}

// Payload is a snapshot of one day's cache state.
type Payload struct {
	Day        model.Day
	Reason     model.ExportReason
	ExportedAt time.Time
	Universe   []string
	Buckets    [model.BucketCount]Column
	Latest     []Cell
}

// content is what the digest covers: everything except reason and export time.
type content struct {
	Day     model.Day                 `json:"day"`
	Buckets [model.BucketCount]Column `json:"buckets"`
	Latest  []Cell                    `json:"latest"`
}

// BuildPayload snapshots day from src as of now.
func BuildPayload(src Source, day model.Day, universe []string, reason model.ExportReason, now time.Time) *Payload {
	tt := src.Timetable()
	due := dueCount(tt, day, now)

	p := &Payload{
		Day:        day,
		Reason:     reason,
		ExportedAt: now,
		Universe:   append([]string(nil), universe...),
	}
	for i := 0; i < model.BucketCount; i++ {
		col := Column{Index: i, Label: tt.Label(i), Due: i < due, Cells: make([]Cell, 0, len(universe))}
		for _, tk := range universe {
			c := Cell{Ticker: tk, Stale: true}
			if pt, ok := src.Cell(tk, day, i); ok {
				c = cellOf(pt, false)
			}
			col.Cells = append(col.Cells, c)
		}
		p.Buckets[i] = col
	}
	for _, tk := range universe {
		c := Cell{Ticker: tk, Stale: true}
		if e, ok := src.Get(tk, day); ok {
			c = cellOf(e.Point, e.Stale)
		}
		p.Latest = append(p.Latest, c)
	}
	return p
}

func cellOf(pt model.PricePoint, stale bool) Cell {
	return Cell{
		Ticker:     pt.Ticker,
		Price:      pt.Price.String(),
		Source:     pt.Source,
		Timestamp:  pt.Timestamp.Format(time.RFC3339),
		CapturedAt: pt.CapturedAt.Format(time.RFC3339),
		Stale:      stale,
	}
}

// dueCount is how many buckets of day had come due by now.
func dueCount(tt model.Timetable, day model.Day, now time.Time) int {
	today := tt.DayOf(now)
	switch {
	case day < today:
		return model.BucketCount
	case day > today:
		return 0
	default:
		return tt.IndexAt(now) + 1
	}
}

// FinalDue reports whether the closing bucket of day is due at now.
func FinalDue(tt model.Timetable, day model.Day, now time.Time) bool {
	return dueCount(tt, day, now) == model.BucketCount
}

// Content is the canonical encoding of the snapshot. Two payloads over the
// same cache state encode to the same bytes whatever their reason.
func (p *Payload) Content() ([]byte, error) {
	return json.Marshal(content{Day: p.Day, Buckets: p.Buckets, Latest: p.Latest})
}

// Digest is the hex SHA-256 of Content.
func (p *Payload) Digest() (string, error) {
	b, err := p.Content()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// StaleCount is the number of tickers without a fresh latest value.
func (p *Payload) StaleCount() int {
	n := 0
	for _, c := range p.Latest {
		if c.Stale {
			n++
		}
	}
	return n
}
