package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"DowTracker/internal/collector"
	"DowTracker/internal/logger"
	"DowTracker/internal/model"
)

// Store is the part of the cache store the orchestrator writes through.
type Store interface {
	Get(ticker string, day model.Day) (model.CacheEntry, bool)
	Put(p model.PricePoint) (bool, error)
	Timetable() model.Timetable
}

// Metrics receives stage and fetch observations.
type Metrics interface {
	RecordStageFill(provider string, n int)
	RecordFetch(provider string, d time.Duration, err error)
}

type nopMetrics struct{}

func (nopMetrics) RecordStageFill(string, int)              {}
func (nopMetrics) RecordFetch(string, time.Duration, error) {}

var (
	errAbsent = errors.New("absent")
	errStale  = errors.New("not fresh")
	errWrite  = errors.New("cache write")
)

// StageFill reports what one stage of a resolve achieved.
type StageFill struct {
	Stage     int
	Provider  string
	Requested int
	Filled    int
}

// Result is the outcome of Resolve.
type Result struct {
	Resolved     map[string]model.PricePoint
	StillMissing []string
	Fills        []StageFill
}

// Orchestrator walks the provider chain in order until every requested
// ticker has a fresh entry in the store or the chain runs out.
type Orchestrator struct {
	chain   []collector.Fetcher
	names   []string
	store   Store
	timeout time.Duration
	limit   int
	log     *logger.Logger
	metrics Metrics

	sf    singleflight.Group
	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithTimeout bounds each per-ticker fetch and each caller's wait for it.
func WithTimeout(d time.Duration) Option { return func(o *Orchestrator) { o.timeout = d } }

// WithConcurrency caps the fetches in flight within one stage.
func WithConcurrency(n int) Option { return func(o *Orchestrator) { o.limit = n } }

func WithLogger(l *logger.Logger) Option { return func(o *Orchestrator) { o.log = l } }
func WithMetrics(m Metrics) Option       { return func(o *Orchestrator) { o.metrics = m } }

// New creates an Orchestrator over chain, highest priority first.
func New(chain []collector.Fetcher, store Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		chain:   chain,
		names:   collector.Names(chain),
		store:   store,
		timeout: 8 * time.Second,
		limit:   8,
		log:     logger.Nop(),
		metrics: nopMetrics{},
		locks:   make(map[string]*semaphore.Weighted),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.limit < 1 {
		o.limit = 1
	}
	return o
}

// Chain returns the provider names in order.
func (o *Orchestrator) Chain() []string { return append([]string(nil), o.names...) }

// Resolve finds a fresh price for each ticker against bucket on day.
// Failures never escape: a ticker nobody could price ends up in StillMissing.
func (o *Orchestrator) Resolve(ctx context.Context, day model.Day, bucket int, tickers []string) Result {
	res := Result{Resolved: make(map[string]model.PricePoint)}
	done := make(map[string]bool)

	after := -1
	for {
		plan, ok := NextPlan(o.names, after, tickers, done)
		if !ok || ctx.Err() != nil {
			break
		}
		filled := o.runStage(ctx, day, bucket, plan)
		for tk, p := range filled {
			res.Resolved[tk] = p
			done[tk] = true
		}

		fill := StageFill{Stage: plan.Stage, Provider: plan.Provider, Requested: len(plan.Tickers), Filled: len(filled)}
		res.Fills = append(res.Fills, fill)
		o.metrics.RecordStageFill(plan.Provider, fill.Filled)
		o.log.Info("stage fill",
			logger.String("day", day.String()),
			logger.Int("bucket", bucket),
			logger.String("provider", plan.Provider),
			logger.Int("requested", fill.Requested),
			logger.Int("filled", fill.Filled),
		)
		after = plan.Stage
	}

	res.StillMissing = Remaining(tickers, done)
	return res
}

func (o *Orchestrator) runStage(ctx context.Context, day model.Day, bucket int, plan Plan) map[string]model.PricePoint {
	f := o.chain[plan.Stage]
	var (
		mu     sync.Mutex
		filled = make(map[string]model.PricePoint, len(plan.Tickers))
		g      errgroup.Group
	)
	g.SetLimit(o.limit)

	for _, tk := range plan.Tickers {
		tk := tk
		g.Go(func() error {
			p, ok := o.resolveOne(ctx, f, day, bucket, tk)
			if ok {
				mu.Lock()
				filled[tk] = p
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return filled
}

// resolveOne settles tk against bucket through f. The ticker counts as
// resolved when the store's entry is fresh once the shared settle returns.
// Callers for the same provider and ticker share one settle; each bounds its
// own wait.
func (o *Orchestrator) resolveOne(ctx context.Context, f collector.Fetcher, day model.Day, bucket int, tk string) (model.PricePoint, bool) {
	key := fmt.Sprintf("%s|%s|%d|%s", f.Name(), day, bucket, tk)
	ch := o.sf.DoChan(key, func() (any, error) {
		return o.settle(context.WithoutCancel(ctx), f, day, bucket, tk)
	})

	wctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	select {
	case <-wctx.Done():
		return model.PricePoint{}, false
	case r := <-ch:
		if r.Err != nil {
			switch {
			case errors.Is(r.Err, errAbsent), errors.Is(r.Err, errStale):
			case errors.Is(r.Err, errWrite):
				o.log.Warn("cache write failed",
					logger.String("provider", f.Name()),
					logger.String("ticker", tk),
					logger.Err(r.Err),
				)
			default:
				o.log.Debug("fetch failed",
					logger.String("provider", f.Name()),
					logger.String("ticker", tk),
					logger.Err(r.Err),
				)
			}
			return model.PricePoint{}, false
		}
		return r.Val.(model.PricePoint), true
	}
}

// settle holds the ticker's lock across the fetch and the write-through, so
// at most one fetch per ticker is in flight whichever provider is asked. A
// settle that finds the entry already fresh returns it without fetching.
func (o *Orchestrator) settle(ctx context.Context, f collector.Fetcher, day model.Day, bucket int, tk string) (model.PricePoint, error) {
	tt := o.store.Timetable()
	lock := o.tickerLock(tk)

	lctx, cancel := context.WithTimeout(ctx, o.timeout)
	err := lock.Acquire(lctx, 1)
	cancel()
	if err != nil {
		return model.PricePoint{}, err
	}
	defer lock.Release(1)

	if cur, ok := o.store.Get(tk, day); ok && tt.Fresh(cur.Point.Timestamp, day, bucket) {
		return cur.Point, nil
	}

	fctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	start := time.Now()
	got, err := f.Fetch(fctx, day, []string{tk})
	o.metrics.RecordFetch(f.Name(), time.Since(start), err)
	if err != nil {
		return model.PricePoint{}, err
	}
	p, ok := got[tk]
	if !ok {
		return model.PricePoint{}, errAbsent
	}
	if p.Ticker != tk || !tt.Fresh(p.Timestamp, day, bucket) {
		return model.PricePoint{}, errStale
	}

	cur, ok := o.store.Get(tk, day)
	if !ok || p.Timestamp.After(cur.Point.Timestamp) {
		if _, err := o.store.Put(p); err != nil {
			return model.PricePoint{}, fmt.Errorf("%w: %w", errWrite, err)
		}
		cur, ok = o.store.Get(tk, day)
	}
	if !ok || !tt.Fresh(cur.Point.Timestamp, day, bucket) {
		return model.PricePoint{}, errStale
	}
	return cur.Point, nil
}

func (o *Orchestrator) tickerLock(tk string) *semaphore.Weighted {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[tk]
	if !ok {
		l = semaphore.NewWeighted(1)
		o.locks[tk] = l
	}
	return l
}
