// Package views builds the per-source and combined per-country aggregates
// that downstream APIs query. The combined view is the public surface; it is
// rebuilt from scratch each tick and swapped into place atomically.
package views

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sofia-pulse/pulse/internal/config"
	"github.com/sofia-pulse/pulse/internal/metrics"
)

type RebuilderConfig struct {
	Logger     *slog.Logger
	Pool       *pgxpool.Pool
	Weights    config.RiskWeights
	WindowDays int
}

func (c *RebuilderConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Pool == nil {
		return errors.New("pool is required")
	}
	if c.WindowDays <= 0 {
		return errors.New("window days must be > 0")
	}
	return c.Weights.Validate()
}

type Rebuilder struct {
	log *slog.Logger
	cfg RebuilderConfig
}

func NewRebuilder(cfg RebuilderConfig) (*Rebuilder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Rebuilder{log: cfg.Logger, cfg: cfg}, nil
}

var allViews = []string{ViewByCountryACLED, ViewByCountryGDELT, ViewByCountryCombined}

// Rebuild recomputes all three aggregates under __next names, then swaps them
// into place in one transaction. If the build exceeds the context deadline or
// fails, the __next tables are dropped and the prior snapshot is retained;
// readers never see partial state.
func (r *Rebuilder) Rebuild(ctx context.Context) error {
	start := time.Now()

	if err := r.dropNextTables(ctx); err != nil {
		return err
	}

	buildStatements := []struct {
		name string
		sql  string
	}{
		{ViewByCountryACLED, acledAggregateSQL(r.cfg.WindowDays)},
		{ViewByCountryGDELT, gdeltAggregateSQL(r.cfg.WindowDays)},
		{ViewByCountryCombined, combinedSQL(r.cfg.Weights)},
	}
	for _, stmt := range buildStatements {
		if _, err := r.cfg.Pool.Exec(ctx, stmt.sql); err != nil {
			metrics.ViewRebuildFailuresTotal.Inc()
			r.cleanupNextTables()
			return fmt.Errorf("failed to build %s: %w", stmt.name, err)
		}
	}

	if err := r.swap(ctx); err != nil {
		metrics.ViewRebuildFailuresTotal.Inc()
		r.cleanupNextTables()
		return err
	}

	elapsed := time.Since(start)
	metrics.ViewRebuildDuration.Observe(elapsed.Seconds())
	r.log.Info("rebuilt country aggregates",
		slog.Duration("elapsed", elapsed),
		slog.Int("window_days", r.cfg.WindowDays))
	return nil
}

// swap renames the freshly built tables into place. The exclusive locks
// taken by DROP/RENAME cover only this short transaction, not the builds.
func (r *Rebuilder) swap(ctx context.Context) error {
	tx, err := r.cfg.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin swap transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, view := range allViews {
		if _, err := tx.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, view)); err != nil {
			return fmt.Errorf("failed to drop prior %s: %w", view, err)
		}
		if _, err := tx.Exec(ctx, fmt.Sprintf(`ALTER TABLE %s%s RENAME TO %s`, view, nextSuffix, view)); err != nil {
			return fmt.Errorf("failed to swap %s into place: %w", view, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit view swap: %w", err)
	}
	return nil
}

func (r *Rebuilder) dropNextTables(ctx context.Context) error {
	for _, view := range allViews {
		if _, err := r.cfg.Pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s%s`, view, nextSuffix)); err != nil {
			return fmt.Errorf("failed to drop stale %s%s: %w", view, nextSuffix, err)
		}
	}
	return nil
}

// cleanupNextTables is best-effort; stale __next tables are also dropped at
// the start of the next rebuild. Uses a fresh context because the build
// context may already be cancelled.
func (r *Rebuilder) cleanupNextTables() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = r.dropNextTables(ctx)
}
