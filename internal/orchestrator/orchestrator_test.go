package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"DowTracker/internal/cache"
	"DowTracker/internal/collector"
	"DowTracker/internal/model"
)

const testDay = model.Day("2026-10-15")

type stubFetcher struct {
	name   string
	points map[string]model.PricePoint
	err    error
	delay  time.Duration
	gauge  *gauge

	mu       sync.Mutex
	calls    map[string]int
	inflight map[string]int
	peak     int
}

func newStub(name string, points ...model.PricePoint) *stubFetcher {
	s := &stubFetcher{name: name, points: map[string]model.PricePoint{}, calls: map[string]int{}, inflight: map[string]int{}}
	for _, p := range points {
		s.points[p.Ticker] = p
	}
	return s
}

func (s *stubFetcher) Name() string { return s.name }

func (s *stubFetcher) Fetch(ctx context.Context, _ model.Day, tickers []string) (map[string]model.PricePoint, error) {
	s.mu.Lock()
	for _, tk := range tickers {
		s.calls[tk]++
		s.inflight[tk]++
		if s.inflight[tk] > s.peak {
			s.peak = s.inflight[tk]
		}
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		for _, tk := range tickers {
			s.inflight[tk]--
		}
		s.mu.Unlock()
	}()
	if s.gauge != nil {
		s.gauge.enter(tickers)
		defer s.gauge.leave(tickers)
	}

	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	out := map[string]model.PricePoint{}
	for _, tk := range tickers {
		if p, ok := s.points[tk]; ok {
			out[tk] = p
		}
	}
	return out, nil
}

// gauge tracks in-flight fetches per ticker across several stubs.
type gauge struct {
	mu       sync.Mutex
	inflight map[string]int
	peak     int
}

func newGauge() *gauge { return &gauge{inflight: map[string]int{}} }

func (g *gauge) enter(tickers []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, tk := range tickers {
		g.inflight[tk]++
		g.peak = max(g.peak, g.inflight[tk])
	}
}

func (g *gauge) leave(tickers []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, tk := range tickers {
		g.inflight[tk]--
	}
}

func (g *gauge) highest() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.peak
}

func (s *stubFetcher) callCount(tk string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[tk]
}

// countingStore wraps the real store and counts accepted writes.
type countingStore struct {
	*cache.Store
	putErr error

	mu       sync.Mutex
	accepted map[string]int
}

func (c *countingStore) Put(p model.PricePoint) (bool, error) {
	if c.putErr != nil {
		return false, c.putErr
	}
	ok, err := c.Store.Put(p)
	if ok {
		c.mu.Lock()
		c.accepted[p.Ticker]++
		c.mu.Unlock()
	}
	return ok, err
}

func setup(t *testing.T, hh, mm int) (*countingStore, func(hh, mm int) time.Time) {
	t.Helper()
	tt, err := model.NewTimetable("")
	require.NoError(t, err)
	d := testDay.Date(tt.Location)
	at := func(hh, mm int) time.Time {
		return time.Date(d.Year(), d.Month(), d.Day(), hh, mm, 0, 0, tt.Location)
	}
	now := at(hh, mm)
	s, err := cache.New(t.TempDir(), tt, cache.WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	return &countingStore{Store: s, accepted: map[string]int{}}, at
}

func pp(tk string, ts time.Time, price string, src model.Source) model.PricePoint {
	return model.NewPricePoint(tk, ts, decimal.RequireFromString(price), src, ts)
}

func TestNextPlan(t *testing.T) {
	chain := []string{"disk", "yahoo", "finnhub"}

	p, ok := NextPlan(chain, -1, []string{"AAA", "BBB", "AAA", "CCC"}, map[string]bool{"BBB": true})
	require.True(t, ok)
	require.Equal(t, Plan{Stage: 0, Provider: "disk", Tickers: []string{"AAA", "CCC"}}, p)

	again, _ := NextPlan(chain, -1, []string{"AAA", "BBB", "AAA", "CCC"}, map[string]bool{"BBB": true})
	require.Equal(t, p, again, "planner must be deterministic")

	p, ok = NextPlan(chain, 1, []string{"AAA"}, nil)
	require.True(t, ok)
	require.Equal(t, "finnhub", p.Provider)

	_, ok = NextPlan(chain, 2, []string{"AAA"}, nil)
	require.False(t, ok, "chain exhausted")

	_, ok = NextPlan(chain, -1, []string{"AAA"}, map[string]bool{"AAA": true})
	require.False(t, ok, "nothing remaining")

	_, ok = NextPlan(nil, -1, []string{"AAA"}, nil)
	require.False(t, ok)
}

func TestResolve_PriorityAndFreshness(t *testing.T) {
	store, at := setup(t, 11, 2)
	_, err := store.Store.Put(pp("AAA", at(9, 40), "100", model.SourceYahoo))
	require.NoError(t, err)

	primary := newStub("yahoo",
		pp("AAA", at(11, 1), "101", model.SourceYahoo),
		pp("BBB", at(10, 10), "50", model.SourceYahoo), // older than 10:30, stale for 11:00
	)
	secondary := newStub("finnhub", pp("BBB", at(11, 0), "51", model.SourceFinnhub))
	chain := []collector.Fetcher{&collector.DiskFetcher{Cache: store}, primary, secondary}

	o := New(chain, store, WithTimeout(time.Second))
	res := o.Resolve(context.Background(), testDay, 2, []string{"AAA", "BBB", "CCC"})

	require.Equal(t, model.SourceYahoo, res.Resolved["AAA"].Source)
	require.Equal(t, "101", res.Resolved["AAA"].Price.String())
	require.Equal(t, model.SourceFinnhub, res.Resolved["BBB"].Source)
	require.Equal(t, []string{"CCC"}, res.StillMissing)
	require.Equal(t, []StageFill{
		{Stage: 0, Provider: "disk", Requested: 3, Filled: 0},
		{Stage: 1, Provider: "yahoo", Requested: 3, Filled: 1},
		{Stage: 2, Provider: "finnhub", Requested: 2, Filled: 1},
	}, res.Fills)

	e, ok := store.Get("BBB", testDay)
	require.True(t, ok)
	require.False(t, e.Stale)
	require.Equal(t, 0, secondary.callCount("AAA"), "resolved tickers never reach later stages")
}

func TestResolve_FreshDiskEntryShortCircuits(t *testing.T) {
	store, at := setup(t, 10, 3)
	_, err := store.Store.Put(pp("AAA", at(10, 1), "100", model.SourceFinnhub))
	require.NoError(t, err)

	primary := newStub("yahoo", pp("AAA", at(10, 2), "101", model.SourceYahoo))
	o := New([]collector.Fetcher{&collector.DiskFetcher{Cache: store}, primary}, store)

	res := o.Resolve(context.Background(), testDay, 1, []string{"AAA"})
	require.Empty(t, res.StillMissing)
	require.Equal(t, model.SourceFinnhub, res.Resolved["AAA"].Source)
	require.Equal(t, 0, primary.callCount("AAA"))
	require.Equal(t, 0, store.accepted["AAA"], "disk hits are not rewritten")
}

func TestResolve_StageFailureFallsThrough(t *testing.T) {
	store, at := setup(t, 10, 3)
	primary := newStub("yahoo")
	primary.err = errors.New("yahoo down")
	secondary := newStub("polygon", pp("AAA", at(10, 2), "7", model.SourcePolygon))

	o := New([]collector.Fetcher{primary, secondary}, store)
	res := o.Resolve(context.Background(), testDay, 1, []string{"AAA"})
	require.Equal(t, model.SourcePolygon, res.Resolved["AAA"].Source)
	require.Empty(t, res.StillMissing)
}

func TestResolve_DurabilityFailureLeavesTickerUnresolved(t *testing.T) {
	store, at := setup(t, 10, 3)
	store.putErr = errors.New("disk full")
	primary := newStub("yahoo", pp("AAA", at(10, 2), "7", model.SourceYahoo))

	o := New([]collector.Fetcher{primary}, store)
	res := o.Resolve(context.Background(), testDay, 1, []string{"AAA"})
	require.Empty(t, res.Resolved)
	require.Equal(t, []string{"AAA"}, res.StillMissing)
}

func TestResolve_ConcurrentCallsShareOneFetch(t *testing.T) {
	store, at := setup(t, 10, 3)
	primary := newStub("yahoo",
		pp("AAA", at(10, 2), "7", model.SourceYahoo),
		pp("BBB", at(10, 2), "8", model.SourceYahoo),
	)
	primary.delay = 50 * time.Millisecond
	o := New([]collector.Fetcher{primary}, store, WithTimeout(time.Second))

	var wg sync.WaitGroup
	results := make([]Result, 4)
	for i := range results {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = o.Resolve(context.Background(), testDay, 1, []string{"AAA", "BBB"})
		}()
	}
	wg.Wait()

	require.Equal(t, 1, primary.peak, "a ticker must never be fetched twice at once")
	for _, r := range results {
		require.Len(t, r.Resolved, 2)
	}
	require.Equal(t, 1, store.accepted["AAA"])
	require.Equal(t, 1, store.accepted["BBB"])
}

func TestResolve_FallThroughNeverOverlapsAcrossProviders(t *testing.T) {
	store, at := setup(t, 10, 3)
	g := newGauge()
	primary := newStub("yahoo")
	primary.err = errors.New("yahoo down")
	primary.delay = 100 * time.Millisecond
	primary.gauge = g
	secondary := newStub("polygon", pp("AAA", at(10, 2), "7", model.SourcePolygon))
	secondary.delay = 300 * time.Millisecond
	secondary.gauge = g
	o := New([]collector.Fetcher{primary, secondary}, store, WithTimeout(2*time.Second))

	var wg sync.WaitGroup
	results := make([]Result, 2)
	for i := range results {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			// the second caller arrives while the first has moved on to polygon
			time.Sleep(time.Duration(i) * 150 * time.Millisecond)
			results[i] = o.Resolve(context.Background(), testDay, 1, []string{"AAA"})
		}()
	}
	wg.Wait()

	require.Equal(t, 1, g.highest(), "one fetch per ticker across the whole chain")
	for _, r := range results {
		require.Equal(t, model.SourcePolygon, r.Resolved["AAA"].Source)
	}
	require.Equal(t, 1, primary.callCount("AAA"))
	require.Equal(t, 1, secondary.callCount("AAA"))
	require.Equal(t, 1, store.accepted["AAA"])
}

func TestResolve_WaiterDeadlineDoesNotCancelSharedFetch(t *testing.T) {
	store, at := setup(t, 10, 3)
	primary := newStub("yahoo", pp("AAA", at(10, 2), "7", model.SourceYahoo))
	primary.delay = 80 * time.Millisecond
	o := New([]collector.Fetcher{primary}, store, WithTimeout(time.Second))

	short, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	first := o.Resolve(short, testDay, 1, []string{"AAA"})
	require.Equal(t, []string{"AAA"}, first.StillMissing)

	second := o.Resolve(context.Background(), testDay, 1, []string{"AAA"})
	require.Contains(t, second.Resolved, "AAA")
	require.LessOrEqual(t, primary.callCount("AAA"), 2)
}

func TestResolve_CancelledContextSkipsStages(t *testing.T) {
	store, _ := setup(t, 10, 3)
	primary := newStub("yahoo")
	o := New([]collector.Fetcher{primary}, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := o.Resolve(ctx, testDay, 1, []string{"AAA"})
	require.Equal(t, []string{"AAA"}, res.StillMissing)
	require.Empty(t, res.Fills)
	require.Equal(t, 0, primary.callCount("AAA"))
}
