package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"DowTracker/internal/logger"
	"DowTracker/internal/model"
	"DowTracker/internal/workerpool"
)

// ErrInvalidPoint is returned by Put for points missing a ticker, timestamp or positive price.
var ErrInvalidPoint = errors.New("cache: invalid price point")

// Store is the durable per-ticker, per-day price cache. Each accepted point
// is appended and fsynced to <dir>/<day>/<ticker>.log before Put returns.
type Store struct {
	dir  string
	tt   model.Timetable
	now  func() time.Time
	log  *logger.Logger
	pool *workerpool.Pool

	mu     sync.RWMutex
	shards map[shardKey]*shard
}

type shardKey struct {
	day    model.Day
	ticker string
}

// shard serializes writes for one (ticker, day) and holds its accepted series.
// A shard is hydrated from its log before the first write compares against it.
type shard struct {
	mu       sync.Mutex
	points   []model.PricePoint
	loaded   bool
	size     int64
	dirReady bool
}

// Option configures a Store.
type Option func(*Store)

func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }
func WithLogger(l *logger.Logger) Option    { return func(s *Store) { s.log = l } }
func WithPool(p *workerpool.Pool) Option    { return func(s *Store) { s.pool = p } }

// New creates a Store rooted at dir.
func New(dir string, tt model.Timetable, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	s := &Store{
		dir:    dir,
		tt:     tt,
		now:    time.Now,
		log:    logger.Nop(),
		shards: make(map[shardKey]*shard),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Timetable returns the bucket timetable staleness is judged against.
func (s *Store) Timetable() model.Timetable { return s.tt }

func (s *Store) shard(day model.Day, ticker string, create bool) *shard {
	key := shardKey{day: day, ticker: ticker}
	s.mu.RLock()
	sh := s.shards[key]
	s.mu.RUnlock()
	if sh != nil || !create {
		return sh
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sh = s.shards[key]; sh == nil {
		sh = &shard{}
		s.shards[key] = sh
	}
	return sh
}

// Get returns the latest point for ticker on day with staleness judged
// against the bucket due now.
func (s *Store) Get(ticker string, day model.Day) (model.CacheEntry, bool) {
	p, ok := s.latest(ticker, day)
	if !ok {
		return model.CacheEntry{}, false
	}
	ref := s.tt.Reference(day, s.now())
	return model.CacheEntry{Point: p, Stale: !s.tt.Fresh(p.Timestamp, day, ref)}, true
}

func (s *Store) latest(ticker string, day model.Day) (model.PricePoint, bool) {
	sh := s.shard(day, ticker, false)
	if sh == nil {
		return model.PricePoint{}, false
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if len(sh.points) == 0 {
		return model.PricePoint{}, false
	}
	return sh.points[len(sh.points)-1], true
}

// Put accepts p if it is newer than the current entry for its ticker and day.
// A rejected stale write returns (false, nil). A durability failure returns
// (false, err) and leaves the in-memory view unchanged.
func (s *Store) Put(p model.PricePoint) (bool, error) {
	if p.Ticker == "" || p.Timestamp.IsZero() || !p.Price.IsPositive() {
		return false, ErrInvalidPoint
	}
	day := s.tt.DayOf(p.Timestamp)
	sh := s.shard(day, p.Ticker, true)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if err := s.hydrate(sh, day, p.Ticker); err != nil {
		return false, fmt.Errorf("persist %s: %w", p.Ticker, err)
	}
	if n := len(sh.points); n > 0 && !p.Timestamp.After(sh.points[n-1].Timestamp) {
		s.log.Debug("stale write rejected",
			logger.String("ticker", p.Ticker),
			logger.String("day", day.String()),
			logger.String("incoming", p.Timestamp.Format(time.RFC3339)),
			logger.String("current", sh.points[n-1].Timestamp.Format(time.RFC3339)),
		)
		return false, nil
	}

	if !sh.dirReady {
		if err := os.MkdirAll(filepath.Join(s.dir, string(day)), 0o755); err != nil {
			return false, fmt.Errorf("persist %s: %w", p.Ticker, err)
		}
		sh.dirReady = true
	}
	size, err := appendRecord(logPath(s.dir, day, p.Ticker), sh.size, p)
	if err != nil {
		return false, fmt.Errorf("persist %s: %w", p.Ticker, err)
	}
	sh.size = size
	sh.points = append(sh.points, p)
	return true, nil
}

// Load hydrates day from disk. Missing files mean no data; garbled lines are
// skipped and a torn tail is truncated back to the last complete line. Only ctx errors are returned.
func (s *Store) Load(ctx context.Context, day model.Day) error {
	entries, err := os.ReadDir(filepath.Join(s.dir, string(day)))
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("cache load: read day dir", logger.String("day", day.String()), logger.Err(err))
		}
		return nil
	}

	var g errgroup.Group
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".log") {
			continue
		}
		ticker := strings.TrimSuffix(name, ".log")
		g.Go(func() error {
			return s.run(ctx, func(context.Context) error {
				s.loadTicker(day, ticker)
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("cache load %s: %w", day, err)
	}
	return nil
}

func (s *Store) run(ctx context.Context, fn func(context.Context) error) error {
	if s.pool == nil {
		return fn(ctx)
	}
	return s.pool.Do(ctx, fn)
}

func (s *Store) loadTicker(day model.Day, ticker string) {
	sh := s.shard(day, ticker, true)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if err := s.hydrate(sh, day, ticker); err != nil {
		s.log.Warn("cache load: read log", logger.String("ticker", ticker), logger.Err(err))
	}
}

// hydrate reads the shard's log once. The caller holds sh.mu.
func (s *Store) hydrate(sh *shard, day model.Day, ticker string) error {
	if sh.loaded {
		return nil
	}
	path := logPath(s.dir, day, ticker)
	contents, err := readLog(path, ticker, s.tt.Location)
	if err != nil {
		return err
	}
	if contents.garbled > 0 {
		s.log.Warn("cache load: skipped garbled records",
			logger.String("ticker", ticker),
			logger.String("day", day.String()),
			logger.Int("garbled", contents.garbled),
		)
	}
	if contents.torn {
		s.log.Warn("cache load: truncating torn tail",
			logger.String("ticker", ticker),
			logger.String("day", day.String()),
			logger.Int("valid_bytes", int(contents.validLen)),
		)
		if err := os.Truncate(path, contents.validLen); err != nil {
			return fmt.Errorf("truncate torn tail: %w", err)
		}
	}
	sh.points = contents.points
	sh.size = contents.validLen
	sh.dirReady = sh.dirReady || contents.exists
	sh.loaded = true
	return nil
}

// StaleTickers returns, in universe order, tickers with no entry on day or
// whose entry is not fresh for bucket.
func (s *Store) StaleTickers(day model.Day, bucket int, universe []string) []string {
	var out []string
	for _, tk := range universe {
		p, ok := s.latest(tk, day)
		if !ok || !s.tt.Fresh(p.Timestamp, day, bucket) {
			out = append(out, tk)
		}
	}
	return out
}

// Cell returns the newest point attributed to bucket's window on day.
func (s *Store) Cell(ticker string, day model.Day, bucket int) (model.PricePoint, bool) {
	sh := s.shard(day, ticker, false)
	if sh == nil {
		return model.PricePoint{}, false
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	for i := len(sh.points) - 1; i >= 0; i-- {
		p := sh.points[i]
		if s.tt.InWindow(p.Timestamp, day, bucket) {
			return p, true
		}
	}
	return model.PricePoint{}, false
}

// Evict drops day from memory. Its logs stay on disk.
func (s *Store) Evict(day model.Day) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.shards {
		if k.day == day {
			delete(s.shards, k)
		}
	}
}
