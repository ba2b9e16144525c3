package runner

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sofia-pulse/pulse/internal/db"
)

// RunRecorder persists the run state machine.
type RunRecorder interface {
	Start(ctx context.Context, collectorName, host string) (int64, error)
	MarkRunning(ctx context.Context, id int64) error
	Finish(ctx context.Context, id int64, status Status, inserted, updated int64, errorClass string) error
	LastSuccess(ctx context.Context, collectorName string) (time.Time, bool, error)
}

// Unlocker releases a held named lock.
type Unlocker interface {
	Release()
}

// Locker hands out exclusive named locks. Acquire returns db.ErrLockHeld
// when another session holds the name.
type Locker interface {
	Acquire(ctx context.Context, name string) (Unlocker, error)
}

type poolLocker struct {
	pool *pgxpool.Pool
}

func (p poolLocker) Acquire(ctx context.Context, name string) (Unlocker, error) {
	return db.AcquireLock(ctx, p.pool, name)
}
