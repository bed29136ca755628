package collector

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"DowTracker/internal/model"
)

// MockFetcher returns controllable prices for development and testing.
// Without an explicit price, a ticker gets a stable pseudo price derived from
// its name. Timestamps come from Now.
type MockFetcher struct {
	Prices map[string]decimal.Decimal
	Fail   map[string]bool
	Now    func() time.Time
	Delay  time.Duration

	mu    sync.Mutex
	calls int
}

func (m *MockFetcher) Name() string { return string(model.SourceMock) }

// Calls reports how many Fetch calls were made.
func (m *MockFetcher) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func (m *MockFetcher) Fetch(ctx context.Context, _ model.Day, tickers []string) (map[string]model.PricePoint, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if m.Delay > 0 {
		t := time.NewTimer(m.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	now := time.Now()
	if m.Now != nil {
		now = m.Now()
	}
	out := make(map[string]model.PricePoint, len(tickers))
	for _, tk := range tickers {
		if m.Fail[tk] {
			continue
		}
		price, ok := m.Prices[tk]
		if !ok {
			price = mockPrice(tk)
		}
		out[tk] = model.NewPricePoint(tk, now, price, model.SourceMock, now)
	}
	return out, nil
}

func mockPrice(ticker string) decimal.Decimal {
	h := fnv.New32a()
	_, _ = h.Write([]byte(ticker))
	cents := int64(5000 + h.Sum32()%45000)
	return decimal.New(cents, -2)
}
