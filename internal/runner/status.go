// Package runner schedules adapter runs and view rebuilds: one tick runs all
// enabled collectors in parallel, waits for terminal states, and then rebuilds
// the aggregates. Named database locks prevent overlap across hosts.
package runner

import (
	"context"
	"errors"
	"net"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sofia-pulse/pulse/internal/obs"
)

// Status is the collector run state machine:
// PENDING -> RUNNING -> (SUCCEEDED | FAILED | TIMED_OUT | CANCELLED).
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusTimedOut  Status = "TIMED_OUT"
	StatusCancelled Status = "CANCELLED"
)

// Error classes recorded on collector_runs and surfaced in alerts.
const (
	ErrorClassConfig      = "config"
	ErrorClassSchema      = "schema"
	ErrorClassTransientIO = "transient_io"
	ErrorClassTimeout     = "timeout"
	ErrorClassCancelled   = "cancelled"
)

// Classify maps an error to (terminal status, error class). Row-level schema
// errors never reach here; they are dead-lettered inside the adapters.
func Classify(runCtx, parentCtx context.Context, err error) (Status, string) {
	if err == nil {
		return StatusSucceeded, ""
	}
	if parentCtx.Err() != nil {
		return StatusCancelled, ErrorClassCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) || runCtx.Err() == context.DeadlineExceeded {
		return StatusTimedOut, ErrorClassTimeout
	}

	var schemaErr *obs.SchemaError
	if errors.As(err, &schemaErr) {
		return StatusFailed, ErrorClassSchema
	}
	var netErr net.Error
	var pgErr *pgconn.PgError
	if errors.As(err, &netErr) || errors.As(err, &pgErr) {
		return StatusFailed, ErrorClassTransientIO
	}
	return StatusFailed, ErrorClassTransientIO
}

// ExitCode maps a terminal status to the collector process exit code
// contract: 0 ok, 1 config/schema, 2 transient I/O, 3 timeout, 4 cancelled.
func ExitCode(status Status, errorClass string) int {
	switch status {
	case StatusSucceeded:
		return 0
	case StatusTimedOut:
		return 3
	case StatusCancelled:
		return 4
	default:
		if errorClass == ErrorClassConfig || errorClass == ErrorClassSchema {
			return 1
		}
		return 2
	}
}
