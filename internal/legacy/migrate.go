// Package legacy folds the retired security_events table into the canonical
// observations model. The migration runs once: it copies every legacy row
// under source ACLED_LEGACY and drops the table in the same transaction, so
// a rerun finds nothing to do.
package legacy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const legacyTable = "security_events"

// copySQL maps legacy columns onto the canonical row. Country resolution
// reuses the alias table so hand-entered names like "Ivory Coast" land on
// the same code the live adapters would produce; unmatched names keep the
// raw text with a NULL code so the country backfill can pick them up once
// an alias is added.
const copySQL = `
INSERT INTO security_observations (
    source, source_event_id, event_time_start, event_time_end,
    country_code, country_name_raw, latitude, longitude,
    event_category, severity_numeric, extras, ingested_at
)
SELECT
    'ACLED_LEGACY',
    se.id::text,
    se.event_date::timestamptz,
    se.event_date::timestamptz,
    ca.country_code,
    se.country,
    se.latitude,
    se.longitude,
    CASE
        WHEN se.event_type IN ('Battles', 'Violence against civilians', 'Explosions/Remote violence') THEN 'violence'
        WHEN se.event_type = 'Protests' THEN 'protest'
        WHEN se.event_type = 'Riots' THEN 'unrest'
        ELSE 'other'
    END,
    se.fatalities::double precision,
    jsonb_strip_nulls(jsonb_build_object(
        'event_type', se.event_type,
        'sub_event_type', se.sub_event_type,
        'notes', se.notes
    )),
    NOW()
FROM security_events se
LEFT JOIN country_aliases ca ON ca.alias_norm = lower(btrim(se.country))
ON CONFLICT (source, source_event_id) DO NOTHING
`

// Migrate copies security_events into the observations table and drops it.
// Returns the number of rows copied; (0, nil) when the table is already
// gone.
func Migrate(ctx context.Context, log *slog.Logger, pool *pgxpool.Pool) (int64, error) {
	var regclass *string
	if err := pool.QueryRow(ctx, `SELECT to_regclass($1)::text`, legacyTable).Scan(&regclass); err != nil {
		return 0, fmt.Errorf("failed to check for legacy table: %w", err)
	}
	if regclass == nil {
		log.Info("legacy table absent, nothing to migrate")
		return 0, nil
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to begin legacy migration: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, copySQL)
	if err != nil {
		return 0, fmt.Errorf("failed to copy legacy rows: %w", err)
	}
	copied := tag.RowsAffected()

	if _, err := tx.Exec(ctx, `DROP TABLE security_events`); err != nil {
		return 0, fmt.Errorf("failed to drop legacy table: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit legacy migration: %w", err)
	}

	log.Info("migrated legacy security events", slog.Int64("rows", copied))
	return copied, nil
}
