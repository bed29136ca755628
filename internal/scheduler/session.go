package scheduler

import (
	"sync"

	"DowTracker/internal/model"
)

// CellReader reports which points the store attributes to a bucket column.
type CellReader interface {
	Cell(ticker string, day model.Day, bucket int) (model.PricePoint, bool)
}

type bucketState struct {
	captured bool
	resolved map[string]bool
}

// Session tracks, for one trading day, which tickers each bucket resolved
// and which buckets have been captured.
type Session struct {
	Day      model.Day
	universe []string

	mu      sync.Mutex
	buckets [model.BucketCount]bucketState
}

// NewSession starts an empty session for day.
func NewSession(day model.Day, universe []string) *Session {
	s := &Session{Day: day, universe: append([]string(nil), universe...)}
	for i := range s.buckets {
		s.buckets[i].resolved = make(map[string]bool)
	}
	return s
}

// Rebuild marks as resolved every ticker the store holds a point for in a
// bucket window. Capture flags are left alone.
func (s *Session) Rebuild(cells CellReader) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.buckets {
		for _, tk := range s.universe {
			if _, ok := cells.Cell(tk, s.Day, i); ok {
				s.buckets[i].resolved[tk] = true
			}
		}
	}
}

// Record marks bucket i captured with resolved as its fresh tickers.
func (s *Session) Record(i int, resolved []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buckets[i].captured = true
	for _, tk := range resolved {
		s.buckets[i].resolved[tk] = true
	}
}

// MarkCaptured flags buckets 0..upTo as captured.
func (s *Session) MarkCaptured(upTo int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i <= upTo && i < model.BucketCount; i++ {
		s.buckets[i].captured = true
	}
}

func (s *Session) Captured(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buckets[i].captured
}

// Resolved returns how many tickers bucket i resolved.
func (s *Session) Resolved(i int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets[i].resolved)
}

// Pending returns, in universe order, the tickers bucket i has not resolved
// and for which skip reports false.
func (s *Session) Pending(i int, skip func(string) bool) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, tk := range s.universe {
		if s.buckets[i].resolved[tk] || (skip != nil && skip(tk)) {
			continue
		}
		out = append(out, tk)
	}
	return out
}

// PendingUpTo is the union of Pending over buckets 0..upTo in universe order.
func (s *Session) PendingUpTo(upTo int, skip func(string) bool) []string {
	seen := make(map[string]bool)
	for i := 0; i <= upTo && i < model.BucketCount; i++ {
		for _, tk := range s.Pending(i, skip) {
			seen[tk] = true
		}
	}
	var out []string
	for _, tk := range s.universe {
		if seen[tk] {
			out = append(out, tk)
		}
	}
	return out
}
