package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrLockHeld is returned when another process holds the named lock.
var ErrLockHeld = errors.New("advisory lock held by another process")

// Lock is a session-scoped Postgres advisory lock. It pins a pool connection
// for its lifetime so the lock survives until Release (or connection death),
// which lets restarts and multiple hosts coordinate correctly.
type Lock struct {
	name string
	conn *pgxpool.Conn
}

// AcquireLock attempts to take the named advisory lock without blocking.
// Returns ErrLockHeld if the lock is owned elsewhere.
func AcquireLock(ctx context.Context, pool *pgxpool.Pool, name string) (*Lock, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire connection for lock %q: %w", name, err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, name).Scan(&acquired); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to try advisory lock %q: %w", name, err)
	}
	if !acquired {
		conn.Release()
		return nil, fmt.Errorf("lock %q: %w", name, ErrLockHeld)
	}

	return &Lock{name: name, conn: conn}, nil
}

// Release unlocks and returns the pinned connection to the pool. Safe to call
// once; the background context is used so release works during shutdown.
func (l *Lock) Release() {
	if l.conn == nil {
		return
	}
	_, _ = l.conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, l.name)
	l.conn.Release()
	l.conn = nil
}
