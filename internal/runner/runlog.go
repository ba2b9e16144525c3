package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RunLog records collector run outcomes in collector_runs. This is the only
// surface downstream ops tooling needs.
type RunLog struct {
	pool *pgxpool.Pool
}

func NewRunLog(pool *pgxpool.Pool) *RunLog {
	return &RunLog{pool: pool}
}

// Start inserts a PENDING run row and returns its id.
func (l *RunLog) Start(ctx context.Context, collectorName, host string) (int64, error) {
	var id int64
	err := l.pool.QueryRow(ctx,
		`INSERT INTO collector_runs (collector_name, status, host)
		 VALUES ($1, 'PENDING', $2) RETURNING id`,
		collectorName, host).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to start run log for %s: %w", collectorName, err)
	}
	return id, nil
}

// MarkRunning transitions a run to RUNNING.
func (l *RunLog) MarkRunning(ctx context.Context, id int64) error {
	_, err := l.pool.Exec(ctx,
		`UPDATE collector_runs SET status = 'RUNNING' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark run %d running: %w", id, err)
	}
	return nil
}

// Finish records the terminal state and counts. Called with a background
// context derivative so a cancelled run is still written.
func (l *RunLog) Finish(ctx context.Context, id int64, status Status, inserted, updated int64, errorClass string) error {
	var errClass *string
	if errorClass != "" {
		errClass = &errorClass
	}
	_, err := l.pool.Exec(ctx,
		`UPDATE collector_runs
		 SET status = $2, finished_at = NOW(),
		     records_inserted = $3, records_updated = $4, error_class = $5
		 WHERE id = $1`,
		id, string(status), inserted, updated, errClass)
	if err != nil {
		return fmt.Errorf("failed to finish run %d: %w", id, err)
	}
	return nil
}

// LastSuccess returns when the collector last reached SUCCEEDED, or ok=false
// if it never has.
func (l *RunLog) LastSuccess(ctx context.Context, collectorName string) (time.Time, bool, error) {
	var startedAt time.Time
	err := l.pool.QueryRow(ctx,
		`SELECT started_at FROM collector_runs
		 WHERE collector_name = $1 AND status = 'SUCCEEDED'
		 ORDER BY started_at DESC LIMIT 1`,
		collectorName).Scan(&startedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to query last success for %s: %w", collectorName, err)
	}
	return startedAt, true, nil
}
