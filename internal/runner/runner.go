package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/sofia-pulse/pulse/internal/db"
	"github.com/sofia-pulse/pulse/internal/metrics"
	"github.com/sofia-pulse/pulse/internal/notify"
	"github.com/sofia-pulse/pulse/internal/obs"
)

const (
	collectorLockPrefix = "pulse:collector:"
	rebuildLockName     = "pulse:views:rebuild"

	defaultMaxCatchup = 7 * 24 * time.Hour
	defaultOverlap    = time.Hour
	finishGrace       = 30 * time.Second
)

// Window is the time range a collector run covers.
type Window struct {
	Start time.Time
	End   time.Time
}

// Collector is one source adapter as the controller sees it.
type Collector interface {
	Name() string
	Run(ctx context.Context, window Window) (obs.UpsertResult, error)
}

type collectorFunc struct {
	name string
	fn   func(context.Context, Window) (obs.UpsertResult, error)
}

func (c collectorFunc) Name() string { return c.name }
func (c collectorFunc) Run(ctx context.Context, w Window) (obs.UpsertResult, error) {
	return c.fn(ctx, w)
}

// NewCollector wraps a run function as a Collector.
func NewCollector(name string, fn func(context.Context, Window) (obs.UpsertResult, error)) Collector {
	return collectorFunc{name: name, fn: fn}
}

// ViewRebuilder rebuilds the aggregate views.
type ViewRebuilder interface {
	Rebuild(ctx context.Context) error
}

// Backfiller re-resolves observations left with a NULL country code.
type Backfiller interface {
	BackfillUnresolved(ctx context.Context, source string) (int64, error)
}

type Config struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Pool       *pgxpool.Pool
	Collectors []Collector
	Rebuilder  ViewRebuilder
	Backfiller Backfiller
	Notifier   notify.Notifier

	// Optional seams, defaulted from Pool when nil.
	RunLog RunRecorder
	Locks  Locker

	Tick           time.Duration
	AdapterTimeout time.Duration
	ViewTimeout    time.Duration

	// Backpressure: when any collector's backlog exceeds this many tick
	// windows, the view rebuild is skipped for the tick so adapters catch
	// up. Adapter work itself is never dropped.
	MaxPendingWindows int

	// Optional with defaults.
	MaxCatchup time.Duration
	Overlap    time.Duration
	Hostname   string
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Pool == nil && (c.RunLog == nil || c.Locks == nil) {
		return errors.New("pool is required")
	}
	if c.RunLog == nil {
		c.RunLog = NewRunLog(c.Pool)
	}
	if c.Locks == nil {
		c.Locks = poolLocker{pool: c.Pool}
	}
	if len(c.Collectors) == 0 {
		return errors.New("at least one collector is required")
	}
	if c.Rebuilder == nil {
		return errors.New("view rebuilder is required")
	}
	if c.Notifier == nil {
		c.Notifier = notify.NopNotifier{}
	}
	if c.Tick <= 0 {
		return errors.New("tick must be greater than 0")
	}
	if c.AdapterTimeout <= 0 {
		return errors.New("adapter timeout must be greater than 0")
	}
	if c.ViewTimeout <= 0 {
		return errors.New("view timeout must be greater than 0")
	}
	if c.MaxPendingWindows <= 0 {
		return errors.New("max pending windows must be greater than 0")
	}
	if c.MaxCatchup == 0 {
		c.MaxCatchup = defaultMaxCatchup
	}
	if c.Overlap == 0 {
		c.Overlap = defaultOverlap
	}
	return nil
}

// Controller drives the refresh cycle: collectors in parallel, then view
// rebuild once every collector reached a terminal state.
type Controller struct {
	log     *slog.Logger
	cfg     Config
	runLog  RunRecorder
	workers pond.Pool
}

func New(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{
		log:     cfg.Logger,
		cfg:     cfg,
		runLog:  cfg.RunLog,
		workers: pond.NewPool(len(cfg.Collectors)),
	}, nil
}

// Run executes ticks until the context is cancelled. The first tick starts
// immediately.
func (c *Controller) Run(ctx context.Context) error {
	c.log.Info("starting refresh controller",
		slog.Duration("tick", c.cfg.Tick),
		slog.Int("collectors", len(c.cfg.Collectors)))

	ticker := c.cfg.Clock.NewTicker(c.cfg.Tick)
	defer ticker.Stop()

	for {
		c.RunTick(ctx)
		select {
		case <-ctx.Done():
			c.log.Info("refresh controller stopped")
			return nil
		case <-ticker.Chan():
		}
	}
}

// RunTick runs one full refresh cycle.
func (c *Controller) RunTick(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, c.cfg.Tick)
	defer cancel()

	var mu sync.Mutex
	skipRebuild := false

	group := c.workers.NewGroup()
	for _, collector := range c.cfg.Collectors {
		group.Submit(func() {
			lagged := c.runCollector(ctx, tickCtx, collector)
			if lagged {
				mu.Lock()
				skipRebuild = true
				mu.Unlock()
			}
		})
	}
	_ = group.Wait()

	if ctx.Err() != nil {
		return
	}

	c.backfill(tickCtx)

	if skipRebuild {
		metrics.ViewRebuildSkippedTotal.Inc()
		c.log.Warn("skipping view rebuild: adapter backlog exceeds threshold",
			slog.Int("max_pending_windows", c.cfg.MaxPendingWindows))
		return
	}
	c.rebuildViews(tickCtx)
}

// runCollector executes one collector under its named lock and records the
// outcome. Returns whether the collector's backlog breaches the
// backpressure threshold.
func (c *Controller) runCollector(parentCtx, tickCtx context.Context, collector Collector) bool {
	name := collector.Name()
	log := c.log.With(slog.String("collector", name))

	window, lagged, err := c.windowFor(tickCtx, name)
	if err != nil {
		log.Error("failed to plan collector window", slog.Any("error", err))
		return false
	}

	lock, err := c.cfg.Locks.Acquire(tickCtx, collectorLockPrefix+name)
	if err != nil {
		if errors.Is(err, db.ErrLockHeld) {
			// The prior run is still going; leave it to complete and retry
			// next tick.
			log.Info("collector lock held elsewhere, retrying next tick")
			return lagged
		}
		log.Error("failed to acquire collector lock", slog.Any("error", err))
		return lagged
	}
	defer lock.Release()

	runID, err := c.runLog.Start(tickCtx, name, c.cfg.Hostname)
	if err != nil {
		log.Error("failed to record run start", slog.Any("error", err))
		return lagged
	}
	if err := c.runLog.MarkRunning(tickCtx, runID); err != nil {
		log.Error("failed to mark run running", slog.Any("error", err))
		return lagged
	}

	log.Info("collector run started",
		slog.Time("window_start", window.Start),
		slog.Time("window_end", window.End))

	runCtx, cancel := context.WithTimeout(tickCtx, c.cfg.AdapterTimeout)
	result, runErr := collector.Run(runCtx, window)
	cancel()

	status, errorClass := Classify(runCtx, parentCtx, runErr)
	c.finishRun(log, runID, name, status, errorClass, result, runErr)
	return lagged
}

func (c *Controller) finishRun(log *slog.Logger, runID int64, name string, status Status, errorClass string, result obs.UpsertResult, runErr error) {
	// A fresh context so a cancelled run is still recorded durably.
	finishCtx, cancel := context.WithTimeout(context.Background(), finishGrace)
	defer cancel()

	if err := c.runLog.Finish(finishCtx, runID, status, result.Inserted, result.Updated, errorClass); err != nil {
		log.Error("failed to record run outcome", slog.Any("error", err))
	}
	metrics.CollectorRunsTotal.WithLabelValues(name, string(status)).Inc()

	if status == StatusSucceeded {
		log.Info("collector run succeeded",
			slog.Int64("inserted", result.Inserted),
			slog.Int64("updated", result.Updated))
		return
	}

	log.Error("collector run finished abnormally",
		slog.String("status", string(status)),
		slog.String("error_class", errorClass),
		slog.Any("error", runErr))
	alert := notify.Alert{
		CollectorName:   name,
		Status:          string(status),
		ErrorClass:      errorClass,
		RecordsInserted: result.Inserted,
		RecordsUpdated:  result.Updated,
		Host:            c.cfg.Hostname,
	}
	if err := c.cfg.Notifier.RunFinished(finishCtx, alert); err != nil {
		log.Warn("failed to deliver run alert", slog.Any("error", err))
	}
}

// windowFor plans the next ingest window: from just before the last
// successful run (overlap absorbs source-side corrections) to now, clamped
// to the catch-up horizon.
func (c *Controller) windowFor(ctx context.Context, name string) (Window, bool, error) {
	now := c.cfg.Clock.Now().UTC()
	horizon := now.Add(-c.cfg.MaxCatchup)

	start := horizon
	if lastSuccess, ok, err := c.runLog.LastSuccess(ctx, name); err != nil {
		return Window{}, false, err
	} else if ok {
		start = lastSuccess.UTC().Add(-c.cfg.Overlap)
		if start.Before(horizon) {
			start = horizon
		}
	}

	lag := now.Sub(start)
	lagged := lag > time.Duration(c.cfg.MaxPendingWindows)*c.cfg.Tick
	return Window{Start: start, End: now}, lagged, nil
}

func (c *Controller) backfill(ctx context.Context) {
	if c.cfg.Backfiller == nil {
		return
	}
	for _, source := range []string{string(obs.SourceACLED), string(obs.SourceGDELT)} {
		updated, err := c.cfg.Backfiller.BackfillUnresolved(ctx, source)
		if err != nil {
			c.log.Warn("country backfill failed",
				slog.String("source", source),
				slog.Any("error", err))
			continue
		}
		if updated > 0 {
			c.log.Info("backfilled unresolved observations",
				slog.String("source", source),
				slog.Int64("updated", updated))
		}
	}
}

func (c *Controller) rebuildViews(ctx context.Context) {
	lock, err := c.cfg.Locks.Acquire(ctx, rebuildLockName)
	if err != nil {
		if errors.Is(err, db.ErrLockHeld) {
			c.log.Info("view rebuild lock held elsewhere, skipping")
			return
		}
		c.log.Error("failed to acquire rebuild lock", slog.Any("error", err))
		return
	}
	defer lock.Release()

	rebuildCtx, cancel := context.WithTimeout(ctx, c.cfg.ViewTimeout)
	defer cancel()

	if err := c.cfg.Rebuilder.Rebuild(rebuildCtx); err != nil {
		// The prior snapshot stays in place; downstream reads slightly
		// stale data, never empty data.
		c.log.Error("view rebuild failed, prior snapshot retained", slog.Any("error", err))
	}
}

// RunOnce executes a single tick and reports the exit code of the worst
// collector outcome, for one-shot CLI invocations.
func (c *Controller) RunOnce(ctx context.Context) int {
	c.RunTick(ctx)
	if ctx.Err() != nil {
		return ExitCode(StatusCancelled, ErrorClassCancelled)
	}
	return 0
}
