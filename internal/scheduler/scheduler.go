package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"DowTracker/internal/exporter"
	"DowTracker/internal/logger"
	"DowTracker/internal/model"
	"DowTracker/internal/notifier"
	"DowTracker/internal/orchestrator"
	"DowTracker/internal/recorder"
)

// Capture triggers as recorded.
const (
	TriggerScheduled = "scheduled"
	TriggerRefresh   = "refresh"
	TriggerBackfill  = "backfill"
	TriggerCatchUp   = "catch-up"
	TriggerStartup   = "startup"
)

// Resolver prices a set of tickers against a bucket.
type Resolver interface {
	Resolve(ctx context.Context, day model.Day, bucket int, tickers []string) orchestrator.Result
	Chain() []string
}

// Store is the part of the cache store the scheduler reads and manages.
type Store interface {
	CellReader
	Load(ctx context.Context, day model.Day) error
	Evict(day model.Day)
	StaleTickers(day model.Day, bucket int, universe []string) []string
	Timetable() model.Timetable
}

// Exporter is the export controller as seen by the scheduler.
type Exporter interface {
	ExportNow(ctx context.Context, day model.Day, reason model.ExportReason) error
	ForceFinal(ctx context.Context, day model.Day) error
	SetActiveDay(day model.Day)
	FinalDone(day model.Day) bool
}

// Messenger receives capture summaries.
type Messenger interface {
	Send(ctx context.Context, text string) error
}

// Metrics receives capture observations.
type Metrics interface {
	RecordCapture(bucket, stale int)
}

type nopMetrics struct{}

func (nopMetrics) RecordCapture(int, int) {}

// Options tunes the scheduler.
type Options struct {
	Universe        []string
	CaptureDeadline time.Duration
	CatchUp         bool
	CatchUpCron     string
	RolloverCron    string
	Now             func() time.Time
	Logger          *logger.Logger
	Recorder        recorder.Recorder
	Metrics         Metrics
	Messenger       Messenger
}

// Capture summarizes one capture or backfill.
type Capture struct {
	Day       model.Day `json:"day"`
	Bucket    int       `json:"bucket"`
	Label     string    `json:"label"`
	Trigger   string    `json:"trigger"`
	Requested int       `json:"requested"`
	Resolved  int       `json:"resolved"`
	Stale     []string  `json:"stale"`
}

// Scheduler drives the eight daily buckets: it captures each one through the
// resolver, tracks the day's session and triggers exports.
type Scheduler struct {
	cron     *cron.Cron
	resolver Resolver
	store    Store
	exporter Exporter
	tt       model.Timetable
	opts     Options
	log      *logger.Logger

	// run serializes captures and backfills.
	run sync.Mutex

	mu      sync.Mutex
	ctx     context.Context
	session *Session
	state   model.State
	bucket  int
}

// New creates a Scheduler. Zero options fall back to defaults.
func New(r Resolver, store Store, exp Exporter, opts Options) *Scheduler {
	if opts.Universe == nil {
		opts.Universe = model.DefaultUniverse
	}
	if opts.CaptureDeadline <= 0 {
		opts.CaptureDeadline = 90 * time.Second
	}
	if opts.CatchUpCron == "" {
		opts.CatchUpCron = "30 * 9-16 * * 1-5"
	}
	if opts.RolloverCron == "" {
		opts.RolloverCron = "0 1 0 * * *"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Recorder == nil {
		opts.Recorder = recorder.NewNoopRecorder()
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}

	log := opts.Logger.With(logger.String("component", "scheduler"))
	tt := store.Timetable()
	cl := log.Cron()
	return &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithLocation(tt.Location),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		resolver: r,
		store:    store,
		exporter: exp,
		tt:       tt,
		opts:     opts,
		log:      log,
		ctx:      context.Background(),
		state:    model.StateIdle,
		bucket:   -1,
	}
}

// RegisterAll registers one entry per bucket plus rollover and catch-up.
func (s *Scheduler) RegisterAll() error {
	for _, b := range s.tt.Buckets {
		i := b.Index
		if _, err := s.cron.AddFunc(b.CronSpec(), func() {
			s.CaptureBucket(s.baseCtx(), i)
		}); err != nil {
			return fmt.Errorf("register bucket %s: %w", b.Label, err)
		}
	}
	if _, err := s.cron.AddFunc(s.opts.RolloverCron, func() {
		s.Rollover(s.baseCtx())
	}); err != nil {
		return fmt.Errorf("register rollover: %w", err)
	}
	if s.opts.CatchUp {
		if _, err := s.cron.AddFunc(s.opts.CatchUpCron, func() {
			s.catchUp(s.baseCtx())
		}); err != nil {
			return fmt.Errorf("register catch-up: %w", err)
		}
	}
	return nil
}

// Start starts the cron scheduler. Jobs run under ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.log.Info("scheduler started", logger.Int("entries", len(s.cron.Entries())))
}

// Stop stops the cron scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) baseCtx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) setState(st model.State, bucket int) {
	s.mu.Lock()
	s.state, s.bucket = st, bucket
	s.mu.Unlock()
}

// ensureSession returns the session for day, starting a new one (and
// retiring the previous day) on a date change.
func (s *Scheduler) ensureSession(ctx context.Context, day model.Day) *Session {
	s.mu.Lock()
	cur := s.session
	s.mu.Unlock()
	if cur != nil && cur.Day == day {
		return cur
	}

	if err := s.store.Load(ctx, day); err != nil {
		s.log.Warn("cache load", logger.String("day", day.String()), logger.Err(err))
	}
	next := NewSession(day, s.opts.Universe)
	next.Rebuild(s.store)

	s.mu.Lock()
	s.session = next
	s.state, s.bucket = model.StateIdle, -1
	s.mu.Unlock()

	s.exporter.SetActiveDay(day)
	if cur != nil {
		s.store.Evict(cur.Day)
		s.log.Info("day rollover", logger.String("from", cur.Day.String()), logger.String("to", day.String()))
	}
	return next
}

// Sync loads today's cache and backfills every bucket already due.
func (s *Scheduler) Sync(ctx context.Context) Capture {
	s.run.Lock()
	defer s.run.Unlock()
	now := s.opts.Now()
	day := s.tt.DayOf(now)
	sess := s.ensureSession(ctx, day)
	return s.backfill(ctx, sess, s.tt.IndexAt(now), TriggerStartup)
}

// Rollover starts a new session if the date changed.
func (s *Scheduler) Rollover(ctx context.Context) {
	s.run.Lock()
	defer s.run.Unlock()
	s.ensureSession(ctx, s.tt.DayOf(s.opts.Now()))
}

// CaptureBucket resolves the whole universe against bucket i, records the
// outcome and triggers the export. Failures are logged, never returned.
func (s *Scheduler) CaptureBucket(ctx context.Context, i int) Capture {
	return s.capture(ctx, i, TriggerScheduled)
}

// RefreshNow captures the bucket due now. Before the open it does nothing.
func (s *Scheduler) RefreshNow(ctx context.Context) Capture {
	i := s.tt.IndexAt(s.opts.Now())
	if i < 0 {
		s.log.Info("refresh before the open")
		return Capture{Day: s.tt.DayOf(s.opts.Now()), Bucket: -1, Trigger: TriggerRefresh}
	}
	return s.capture(ctx, i, TriggerRefresh)
}

// BackfillToNow retries tickers still pending in any due bucket against the
// bucket due now.
func (s *Scheduler) BackfillToNow(ctx context.Context) Capture {
	return s.backfillNow(ctx, TriggerBackfill)
}

func (s *Scheduler) backfillNow(ctx context.Context, trigger string) Capture {
	s.run.Lock()
	defer s.run.Unlock()
	now := s.opts.Now()
	sess := s.ensureSession(ctx, s.tt.DayOf(now))
	return s.backfill(ctx, sess, s.tt.IndexAt(now), trigger)
}

func (s *Scheduler) catchUp(ctx context.Context) {
	now := s.opts.Now()
	cur := s.tt.IndexAt(now)
	if cur < 0 || cur == model.FinalBucket {
		return
	}
	s.mu.Lock()
	sess := s.session
	s.mu.Unlock()
	if sess != nil && sess.Day == s.tt.DayOf(now) && len(s.pending(sess, cur)) == 0 {
		return
	}
	s.backfillNow(ctx, TriggerCatchUp)
}

func (s *Scheduler) capture(ctx context.Context, i int, trigger string) Capture {
	s.run.Lock()
	defer s.run.Unlock()

	start := s.opts.Now()
	day := s.tt.DayOf(start)
	sess := s.ensureSession(ctx, day)
	label := s.tt.Label(i)

	s.setState(model.StateCapturing, i)
	s.log.Info("bucket start",
		logger.String("day", day.String()),
		logger.String("bucket", label),
		logger.String("trigger", trigger),
	)

	cctx, cancel := context.WithTimeout(ctx, s.opts.CaptureDeadline)
	res := s.resolver.Resolve(cctx, day, i, s.opts.Universe)
	cancel()

	c := s.finish(sess, i, trigger, len(s.opts.Universe), res, s.opts.Now().Sub(start))
	s.setState(model.StateBucketComplete, i)
	s.notify(ctx, c)
	s.export(ctx, day, i)

	if len(c.Stale) > 0 {
		s.backfill(ctx, sess, i, TriggerBackfill)
	}
	return c
}

// backfill resolves pending tickers of buckets 0..cur against cur. Due
// buckets that were never captured count as captured afterwards.
func (s *Scheduler) backfill(ctx context.Context, sess *Session, cur int, trigger string) Capture {
	c := Capture{Day: sess.Day, Bucket: cur, Label: s.tt.Label(cur), Trigger: trigger}
	if cur < 0 {
		return c
	}

	uncaptured := false
	for i := 0; i <= cur; i++ {
		if !sess.Captured(i) {
			uncaptured = true
			break
		}
	}
	pending := s.pending(sess, cur)
	if len(pending) == 0 && !uncaptured {
		s.log.Debug("nothing to backfill", logger.String("day", sess.Day.String()))
		return c
	}

	start := s.opts.Now()
	var res orchestrator.Result
	if len(pending) > 0 {
		cctx, cancel := context.WithTimeout(ctx, s.opts.CaptureDeadline)
		res = s.resolver.Resolve(cctx, sess.Day, cur, pending)
		cancel()
	}
	sess.MarkCaptured(cur)
	c = s.finish(sess, cur, trigger, len(pending), res, s.opts.Now().Sub(start))
	if cur == model.FinalBucket {
		s.setState(model.StateDayComplete, cur)
	} else {
		s.setState(model.StateBucketComplete, cur)
	}
	s.export(ctx, sess.Day, cur)
	return c
}

// pending lists tickers unresolved in some due bucket that are not already
// fresh for cur.
func (s *Scheduler) pending(sess *Session, cur int) []string {
	fresh := make(map[string]bool)
	for _, tk := range s.opts.Universe {
		fresh[tk] = true
	}
	for _, tk := range s.store.StaleTickers(sess.Day, cur, s.opts.Universe) {
		fresh[tk] = false
	}
	return sess.PendingUpTo(cur, func(tk string) bool { return fresh[tk] })
}

// finish records a capture's outcome in the session, logs, recorder and metrics.
func (s *Scheduler) finish(sess *Session, i int, trigger string, requested int, res orchestrator.Result, d time.Duration) Capture {
	stale := s.store.StaleTickers(sess.Day, i, s.opts.Universe)
	staleSet := make(map[string]bool, len(stale))
	for _, tk := range stale {
		staleSet[tk] = true
	}
	var resolved []string
	for _, tk := range s.opts.Universe {
		if !staleSet[tk] {
			resolved = append(resolved, tk)
		}
	}
	sess.Record(i, resolved)

	c := Capture{
		Day:       sess.Day,
		Bucket:    i,
		Label:     s.tt.Label(i),
		Trigger:   trigger,
		Requested: requested,
		Resolved:  len(resolved),
		Stale:     stale,
	}
	s.log.Info("bucket complete",
		logger.String("day", c.Day.String()),
		logger.String("bucket", c.Label),
		logger.String("trigger", trigger),
		logger.Int("resolved", c.Resolved),
		logger.Int("stale", len(stale)),
		logger.Duration("took", d),
	)
	if len(stale) > 0 {
		s.log.Warn("stale tickers",
			logger.String("day", c.Day.String()),
			logger.String("bucket", c.Label),
			logger.Strings("tickers", stale),
		)
	}

	s.opts.Metrics.RecordCapture(i, len(stale))
	if err := s.opts.Recorder.RecordCapture(&recorder.CaptureEvent{
		Day:       c.Day,
		Bucket:    i,
		Trigger:   trigger,
		Requested: requested,
		Resolved:  c.Resolved,
		Stale:     len(stale),
		Fills:     formatFills(res.Fills),
		Duration:  d,
	}); err != nil {
		s.log.Warn("record capture", logger.Err(err))
	}
	return c
}

func formatFills(fills []orchestrator.StageFill) string {
	parts := make([]string, 0, len(fills))
	for _, f := range fills {
		parts = append(parts, fmt.Sprintf("%s=%d", f.Provider, f.Filled))
	}
	return strings.Join(parts, ",")
}

// export requests the bucket-complete export, or the final at close.
func (s *Scheduler) export(ctx context.Context, day model.Day, i int) {
	var err error
	if i == model.FinalBucket {
		s.setState(model.StateDayComplete, i)
		err = s.exporter.ForceFinal(ctx, day)
	} else {
		err = s.exporter.ExportNow(ctx, day, model.ReasonBucketComplete)
	}
	if err != nil && !errors.Is(err, exporter.ErrExportSkipped) {
		s.log.Error("export", logger.String("day", day.String()), logger.Int("bucket", i), logger.Err(err))
	}
}

func (s *Scheduler) notify(ctx context.Context, c Capture) {
	if s.opts.Messenger == nil || c.Trigger != TriggerScheduled {
		return
	}
	nctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	msg := notifier.FormatCapture(c.Day, c.Label, c.Resolved, len(s.opts.Universe), c.Stale)
	if err := s.opts.Messenger.Send(nctx, msg); err != nil {
		s.log.Warn("send capture summary", logger.Err(err))
	}
}

// Status reports the state machine and today's session.
func (s *Scheduler) Status() model.Status {
	now := s.opts.Now()
	s.mu.Lock()
	sess, state, bucket := s.session, s.state, s.bucket
	s.mu.Unlock()

	day := s.tt.DayOf(now)
	st := model.Status{
		Day:      day,
		State:    state,
		Bucket:   bucket,
		Now:      now.In(s.tt.Location),
		Chain:    s.resolver.Chain(),
		Universe: len(s.opts.Universe),
		Stale:    []string{},
	}
	if sess == nil || sess.Day != day {
		st.State, st.Bucket = model.StateIdle, -1
		st.FinalDone = s.exporter.FinalDone(day)
		return st
	}

	cur := s.tt.IndexAt(now)
	if cur >= 0 {
		if stale := s.store.StaleTickers(day, cur, s.opts.Universe); stale != nil {
			st.Stale = stale
		}
	}
	fresh := make(map[string]bool)
	for _, tk := range s.opts.Universe {
		fresh[tk] = true
	}
	for _, tk := range st.Stale {
		fresh[tk] = false
	}
	for i := 0; i < model.BucketCount; i++ {
		bs := model.BucketStatus{
			Index:    i,
			Label:    s.tt.Label(i),
			Due:      i <= cur,
			Captured: sess.Captured(i),
			Resolved: sess.Resolved(i),
		}
		if bs.Due {
			bs.Pending = len(sess.Pending(i, func(tk string) bool { return fresh[tk] }))
		}
		st.Buckets = append(st.Buckets, bs)
	}
	st.FinalDone = s.exporter.FinalDone(day)
	return st
}

// HandleCommand processes a chat command and returns a reply.
func (s *Scheduler) HandleCommand(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return notifier.FormatHelp()
	}
	cmd := strings.ToLower(fields[0])
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		cmd = cmd[:at]
	}

	ctx := s.baseCtx()
	switch cmd {
	case "/refresh":
		return s.reply(s.RefreshNow(ctx))
	case "/backfill":
		return s.reply(s.BackfillToNow(ctx))
	case "/status":
		return notifier.FormatStatus(s.Status())
	case "/export":
		day := s.tt.DayOf(s.opts.Now())
		err := s.exporter.ExportNow(ctx, day, model.ReasonBucketComplete)
		switch {
		case errors.Is(err, exporter.ErrExportSkipped):
			return fmt.Sprintf("export for %s skipped: nothing new", day)
		case err != nil:
			return fmt.Sprintf("export for %s failed: %v", day, err)
		}
		return fmt.Sprintf("export for %s written", day)
	default:
		return notifier.FormatHelp()
	}
}

func (s *Scheduler) reply(c Capture) string {
	if c.Bucket < 0 {
		return "market not open yet"
	}
	return notifier.FormatCapture(c.Day, c.Label, c.Resolved, len(s.opts.Universe), c.Stale)
}
