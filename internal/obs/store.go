package obs

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sofia-pulse/pulse/internal/metrics"
)

const DefaultBatchSize = 5000

// How long an in-flight chunk may keep writing after its parent context is
// cancelled. A stop signal commits the current chunk; it never discards it.
const chunkCommitGrace = 30 * time.Second

// Only fields that can change on source-side correction are updated on
// conflict; identity fields and the original observation_id are stable.
const upsertSQL = `
INSERT INTO security_observations
    (source, source_event_id, event_time_start, event_time_end,
     country_code, country_name_raw, latitude, longitude,
     event_category, severity_numeric, extras, ingested_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
ON CONFLICT (source, source_event_id) DO UPDATE SET
    event_time_start = EXCLUDED.event_time_start,
    event_time_end   = EXCLUDED.event_time_end,
    country_code     = EXCLUDED.country_code,
    severity_numeric = EXCLUDED.severity_numeric,
    extras           = EXCLUDED.extras,
    ingested_at      = NOW()
RETURNING (xmax = 0) AS inserted`

type Store struct {
	log       *slog.Logger
	pool      *pgxpool.Pool
	batchSize int
}

func NewStore(log *slog.Logger, pool *pgxpool.Pool, batchSize int) *Store {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Store{log: log, pool: pool, batchSize: batchSize}
}

type UpsertResult struct {
	Inserted int64
	Updated  int64
}

func (r *UpsertResult) add(o UpsertResult) {
	r.Inserted += o.Inserted
	r.Updated += o.Updated
}

// UpsertBatch writes observations in ascending event_time_start order, one
// transaction per bounded chunk. Cancellation is observed only between
// chunks: the chunk already in flight commits under its own grace deadline,
// so a stop signal loses no accepted work, and the context error is
// surfaced once the chunk is durable.
func (s *Store) UpsertBatch(ctx context.Context, rows []Observation) (UpsertResult, error) {
	var result UpsertResult
	if len(rows) == 0 {
		return result, nil
	}

	sorted := make([]Observation, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].EventTimeStart.Before(sorted[j].EventTimeStart)
	})

	for start := 0; start < len(sorted); start += s.batchSize {
		if start > 0 && ctx.Err() != nil {
			return result, ctx.Err()
		}
		end := min(start+s.batchSize, len(sorted))

		chunkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), chunkCommitGrace)
		chunkResult, err := s.upsertChunk(chunkCtx, sorted[start:end])
		cancel()
		result.add(chunkResult)
		if err != nil {
			return result, err
		}
	}
	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

func (s *Store) upsertChunk(ctx context.Context, chunk []Observation) (UpsertResult, error) {
	var result UpsertResult

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to begin upsert transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for i := range chunk {
		o := &chunk[i]
		if err := o.Validate(); err != nil {
			return result, fmt.Errorf("invalid observation %s/%s: %w", o.Source, o.SourceEventID, err)
		}
		extras := o.Extras
		if extras == nil {
			extras = map[string]any{}
		}
		batch.Queue(upsertSQL,
			string(o.Source), o.SourceEventID, o.EventTimeStart, o.EventTimeEnd,
			o.CountryCode, o.CountryNameRaw, o.Latitude, o.Longitude,
			string(o.Category), o.Severity, extras)
	}

	results := tx.SendBatch(ctx, batch)
	for range chunk {
		var inserted bool
		if err := results.QueryRow().Scan(&inserted); err != nil {
			_ = results.Close()
			return result, fmt.Errorf("failed to upsert observation: %w", err)
		}
		if inserted {
			result.Inserted++
		} else {
			result.Updated++
		}
	}
	if err := results.Close(); err != nil {
		return result, fmt.Errorf("failed to close upsert batch: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return result, fmt.Errorf("failed to commit upsert batch: %w", err)
	}

	if len(chunk) > 0 {
		source := string(chunk[0].Source)
		metrics.RowsIngestedTotal.WithLabelValues(source).Add(float64(result.Inserted))
		metrics.RowsUpdatedTotal.WithLabelValues(source).Add(float64(result.Updated))
	}
	s.log.Debug("upserted observation chunk",
		slog.Int("rows", len(chunk)),
		slog.Int64("inserted", result.Inserted),
		slog.Int64("updated", result.Updated))
	return result, nil
}

// DeadLetter records a row that failed its mapping contract. Ingestion
// continues; the payload is kept for operator replay.
func (s *Store) DeadLetter(ctx context.Context, source Source, schemaErr *SchemaError, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letter_rows (source, row_ref, field, reason, payload)
		 VALUES ($1, $2, $3, $4, $5)`,
		string(source), schemaErr.RowRef, schemaErr.Field, schemaErr.Reason, payload)
	if err != nil {
		return fmt.Errorf("failed to dead-letter row %s: %w", schemaErr.RowRef, err)
	}
	metrics.DeadLetterRowsTotal.WithLabelValues(string(source)).Inc()
	return nil
}
