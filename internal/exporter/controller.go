package exporter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"DowTracker/internal/logger"
	"DowTracker/internal/model"
	"DowTracker/internal/notifier"
	"DowTracker/internal/recorder"
	"DowTracker/internal/workerpool"
)

// ErrExportSkipped is returned when an export was not needed: the day's
// final export already happened, or the snapshot did not change.
var ErrExportSkipped = errors.New("exporter: export skipped")

// Writer materializes a payload, returning where it went.
type Writer interface {
	Write(ctx context.Context, p *Payload) (string, error)
}

// Alerter delivers an operator alert.
type Alerter interface {
	Alert(ctx context.Context, text string) error
}

// Metrics receives export outcomes.
type Metrics interface {
	RecordExport(reason, outcome string)
}

type nopAlerter struct{}

func (nopAlerter) Alert(context.Context, string) error { return nil }

type nopMetrics struct{}

func (nopMetrics) RecordExport(string, string) {}

// Export outcomes as logged, counted and recorded.
const (
	OutcomeSuccess = "success"
	OutcomeRetry   = "retry"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// Options tunes the controller.
type Options struct {
	Universe        []string
	MaxRetries      int
	RetryBase       time.Duration
	ShutdownTimeout time.Duration
	Now             func() time.Time
	Logger          *logger.Logger
	Recorder        recorder.Recorder
	Alerter         Alerter
	Metrics         Metrics
	Pool            *workerpool.Pool
}

// Controller guarantees one final export per day. It serializes exports per
// day, deduplicates unchanged bucket snapshots and owns the shutdown
// safety net.
type Controller struct {
	src    Source
	writer Writer
	opts   Options
	log    *logger.Logger

	mu         sync.Mutex
	active     model.Day
	dayLocks   map[model.Day]*sync.Mutex
	final      map[model.Day]bool
	lastDigest map[model.Day]string

	finalizeOnce sync.Once
	finalizeErr  error
}

// NewController creates a Controller. Zero options fall back to defaults.
func NewController(src Source, w Writer, opts Options) *Controller {
	if opts.Universe == nil {
		opts.Universe = model.DefaultUniverse
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Second
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
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
	if opts.Alerter == nil {
		opts.Alerter = nopAlerter{}
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	return &Controller{
		src:        src,
		writer:     w,
		opts:       opts,
		log:        opts.Logger.With(logger.String("component", "exporter")),
		active:     src.Timetable().DayOf(opts.Now()),
		dayLocks:   make(map[model.Day]*sync.Mutex),
		final:      make(map[model.Day]bool),
		lastDigest: make(map[model.Day]string),
	}
}

// SetActiveDay moves the day the safety net protects.
func (c *Controller) SetActiveDay(day model.Day) {
	c.mu.Lock()
	c.active = day
	c.mu.Unlock()
}

// ActiveDay returns the day the safety net protects.
func (c *Controller) ActiveDay() model.Day {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// FinalDone reports whether day's final export has happened, consulting the
// recorder the first time a day is seen so a restart does not repeat it.
func (c *Controller) FinalDone(day model.Day) bool {
	c.mu.Lock()
	done, known := c.final[day]
	c.mu.Unlock()
	if known {
		return done
	}

	done, err := c.opts.Recorder.FinalDone(day)
	if err != nil {
		c.log.Warn("final flag lookup failed", logger.String("day", day.String()), logger.Err(err))
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.final[day] {
		return true
	}
	c.final[day] = done
	return done
}

func (c *Controller) dayLock(day model.Day) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.dayLocks[day]
	if !ok {
		l = &sync.Mutex{}
		c.dayLocks[day] = l
	}
	return l
}

// ExportNow materializes day's cache state once. A bucket-complete export
// requested once the closing bucket is due counts as the day's final.
func (c *Controller) ExportNow(ctx context.Context, day model.Day, reason model.ExportReason) error {
	return c.export(ctx, day, reason, 1, OutcomeFailure)
}

func (c *Controller) export(ctx context.Context, day model.Day, reason model.ExportReason, attempt int, failOutcome string) error {
	l := c.dayLock(day)
	l.Lock()
	defer l.Unlock()

	now := c.opts.Now()
	if reason == model.ReasonBucketComplete && FinalDue(c.src.Timetable(), day, now) {
		reason = model.ReasonForcedFinal
	}
	if c.FinalDone(day) {
		c.log.Debug("export skipped: final already done",
			logger.String("day", day.String()),
			logger.String("reason", string(reason)),
		)
		c.opts.Metrics.RecordExport(string(reason), OutcomeSkipped)
		return ErrExportSkipped
	}

	if day != c.ActiveDay() {
		if dl, ok := c.src.(DayLoader); ok {
			if err := dl.Load(ctx, day); err != nil {
				return fmt.Errorf("load %s: %w", day, err)
			}
			defer dl.Evict(day)
		}
	}

	p := BuildPayload(c.src, day, c.opts.Universe, reason, now)
	digest, err := p.Digest()
	if err != nil {
		return fmt.Errorf("digest: %w", err)
	}

	c.mu.Lock()
	unchanged := c.lastDigest[day] == digest
	c.mu.Unlock()
	if reason == model.ReasonBucketComplete && unchanged {
		c.log.Debug("export skipped: snapshot unchanged", logger.String("day", day.String()))
		c.opts.Metrics.RecordExport(string(reason), OutcomeSkipped)
		return ErrExportSkipped
	}

	path, err := c.write(ctx, p)
	evt := &recorder.ExportEvent{Day: day, Reason: reason, Attempt: attempt, Digest: digest, Path: path}
	if err != nil {
		evt.Outcome, evt.Err = failOutcome, err.Error()
		c.log.Warn("export attempt",
			logger.String("day", day.String()),
			logger.String("reason", string(reason)),
			logger.Int("attempt", attempt),
			logger.String("outcome", failOutcome),
			logger.Err(err),
		)
		c.finishAttempt(evt)
		return fmt.Errorf("export %s: %w", day, err)
	}

	c.mu.Lock()
	c.lastDigest[day] = digest
	if reason.IsFinal() {
		c.final[day] = true
	}
	c.mu.Unlock()

	if reason == model.ReasonForcedFinal {
		if err := c.opts.Recorder.MarkFinal(day, path); err != nil {
			c.log.Warn("persist final flag", logger.String("day", day.String()), logger.Err(err))
		}
	}

	evt.Outcome = OutcomeSuccess
	c.log.Info("export attempt",
		logger.String("day", day.String()),
		logger.String("reason", string(reason)),
		logger.Int("attempt", attempt),
		logger.String("outcome", OutcomeSuccess),
		logger.Int("stale", p.StaleCount()),
		logger.String("path", path),
	)
	c.finishAttempt(evt)
	return nil
}

func (c *Controller) write(ctx context.Context, p *Payload) (string, error) {
	if c.opts.Pool == nil {
		return c.writer.Write(ctx, p)
	}
	var path string
	err := c.opts.Pool.Do(ctx, func(ctx context.Context) error {
		var err error
		path, err = c.writer.Write(ctx, p)
		return err
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

func (c *Controller) finishAttempt(evt *recorder.ExportEvent) {
	c.opts.Metrics.RecordExport(string(evt.Reason), evt.Outcome)
	if err := c.opts.Recorder.RecordExport(evt); err != nil {
		c.log.Warn("record export", logger.Err(err))
	}
}

// ForceFinal runs the closing export for day, retrying with exponential
// backoff. Exhaustion is escalated but never fatal to the process. A ctx
// that ends first is shutdown, not failure: it is returned without an alert
// and the safety net takes over.
func (c *Controller) ForceFinal(ctx context.Context, day model.Day) error {
	var lastErr error
	attempts := c.opts.MaxRetries + 1
	made := 0
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(c.opts.RetryBase << (attempt - 1))
			select {
			case <-ctx.Done():
				t.Stop()
			case <-t.C:
			}
		}
		if ctx.Err() != nil {
			break
		}

		outcome := OutcomeRetry
		if attempt == attempts-1 {
			outcome = OutcomeFailure
		}
		made++
		err := c.export(ctx, day, model.ReasonForcedFinal, attempt+1, outcome)
		if err == nil || errors.Is(err, ErrExportSkipped) {
			return nil
		}
		lastErr = err
	}

	if err := ctx.Err(); err != nil {
		c.log.Warn("final export interrupted",
			logger.String("day", day.String()),
			logger.Int("attempts", made),
			logger.Err(err),
		)
		return fmt.Errorf("final export for %s: %w", day, err)
	}

	c.log.Error("[fatal-for-day] final export failed",
		logger.String("day", day.String()),
		logger.Int("attempts", made),
		logger.Err(lastErr),
	)
	alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := c.opts.Alerter.Alert(alertCtx, notifier.FormatFinalFailure(day, made, lastErr)); err != nil {
		c.log.Warn("final failure alert not delivered", logger.Err(err))
	}
	return fmt.Errorf("final export for %s: %w", day, lastErr)
}

// Finalize is the shutdown safety net. The first call makes at most one
// cache-only export of the active day if its final has not happened; later
// calls return the first call's result.
func (c *Controller) Finalize(ctx context.Context) error {
	c.finalizeOnce.Do(func() {
		day := c.ActiveDay()
		if c.FinalDone(day) {
			c.log.Debug("safety-net export not needed", logger.String("day", day.String()))
			return
		}
		c.log.Warn("safety-net export", logger.String("day", day.String()))

		sctx, cancel := context.WithTimeout(ctx, c.opts.ShutdownTimeout)
		defer cancel()
		err := c.ExportNow(sctx, day, model.ReasonShutdownSafetyNet)
		if err != nil && !errors.Is(err, ErrExportSkipped) {
			c.finalizeErr = err
		}
	})
	return c.finalizeErr
}
