package views

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/sofia-pulse/pulse/internal/config"
	"github.com/sofia-pulse/pulse/internal/country"
	"github.com/sofia-pulse/pulse/internal/db"
	"github.com/sofia-pulse/pulse/internal/legacy"
	"github.com/sofia-pulse/pulse/internal/obs"
	"github.com/sofia-pulse/pulse/internal/runner"
)

func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	pgContainer, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("pulse"),
		postgres.WithUsername("pulse"),
		postgres.WithPassword("pulse"),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := pgContainer.Terminate(context.Background()); err != nil {
			t.Logf("failed to cleanup postgres container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, fmt.Sprintf("postgres://pulse:pulse@%s:%s/pulse?sslmode=disable", host, port.Port()))
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, db.RunMigrations(ctx, logger, pool))
	return pool
}

func acledObservation(id, code string, daysAgo int, fatalities float64) obs.Observation {
	at := time.Now().UTC().AddDate(0, 0, -daysAgo)
	return obs.Observation{
		Source:         obs.SourceACLED,
		SourceEventID:  id,
		EventTimeStart: at,
		EventTimeEnd:   at,
		CountryCode:    &code,
		CountryNameRaw: code,
		Category:       obs.CategoryViolence,
		Severity:       &fatalities,
	}
}

func gdeltObservation(id, code string, daysAgo int, avgTone float64) obs.Observation {
	at := time.Now().UTC().AddDate(0, 0, -daysAgo)
	return obs.Observation{
		Source:         obs.SourceGDELT,
		SourceEventID:  id,
		EventTimeStart: at,
		EventTimeEnd:   at,
		CountryCode:    &code,
		CountryNameRaw: code,
		Category:       obs.CategoryProtest,
		Extras:         map[string]any{"avg_tone": avgTone},
	}
}

func rowFor(t *testing.T, rows []CombinedRow, code string) CombinedRow {
	t.Helper()
	for _, r := range rows {
		if r.CountryCode == code {
			return r
		}
	}
	t.Fatalf("country %s not in combined view", code)
	return CombinedRow{}
}

func TestViews_Integration_Pipeline(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	store := obs.NewStore(logger, pool, 1000)
	weights := config.RiskWeights{Acled: 0.5, Gdelt: 0.3, Structural: 0.2}
	rebuilder, err := NewRebuilder(RebuilderConfig{
		Logger:     logger,
		Pool:       pool,
		Weights:    weights,
		WindowDays: 90,
	})
	require.NoError(t, err)
	reader := NewReader(pool)

	// Kenya and Ethiopia from ACLED; Argentina from GDELT only; one stale
	// Kenyan event outside the 90-day window.
	result, err := store.UpsertBatch(ctx, []obs.Observation{
		acledObservation("KEN1", "KE", 10, 3),
		acledObservation("KEN2", "KE", 20, 1),
		acledObservation("KEN_OLD", "KE", 200, 100),
		acledObservation("ETH1", "ET", 15, 0),
		gdeltObservation("1127450001", "AR", 5, -5),
	})
	require.NoError(t, err)
	require.Equal(t, int64(5), result.Inserted)
	require.Zero(t, result.Updated)

	t.Run("same window twice leaves identical state", func(t *testing.T) {
		again, err := store.UpsertBatch(ctx, []obs.Observation{
			acledObservation("KEN1", "KE", 10, 3),
			acledObservation("KEN2", "KE", 20, 1),
		})
		require.NoError(t, err)
		require.Zero(t, again.Inserted)
		require.Equal(t, int64(2), again.Updated)

		var count int
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM security_observations WHERE source = 'ACLED'`).Scan(&count))
		require.Equal(t, 4, count)
	})

	t.Run("corrections update in place", func(t *testing.T) {
		corrected := acledObservation("KEN1", "KE", 10, 5)
		res, err := store.UpsertBatch(ctx, []obs.Observation{corrected})
		require.NoError(t, err)
		require.Equal(t, int64(1), res.Updated)

		var severity float64
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT severity_numeric FROM security_observations
			 WHERE source = 'ACLED' AND source_event_id = 'KEN1'`).Scan(&severity))
		require.Equal(t, 5.0, severity)

		// Put the original value back for the arithmetic below.
		_, err = store.UpsertBatch(ctx, []obs.Observation{acledObservation("KEN1", "KE", 10, 3)})
		require.NoError(t, err)
	})

	require.NoError(t, reader.SetStructuralRisk(ctx, "KE", 0.5))
	require.NoError(t, rebuilder.Rebuild(ctx))

	rows, err := reader.CombinedRows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	t.Run("gdelt-only country appears in the combined view", func(t *testing.T) {
		ar := rowFor(t, rows, "AR")
		require.False(t, ar.HasACLED)
		require.True(t, ar.HasGDELT)
		require.Nil(t, ar.ACLEDEventCount)
		require.NotNil(t, ar.GDELTEventCount)
		require.Equal(t, int64(1), *ar.GDELTEventCount)
		// tone -5 contributes 1 + 5/10.
		require.InDelta(t, 1.5, *ar.GDELTToneWeighted, 1e-9)
	})

	t.Run("stale events fall outside the window", func(t *testing.T) {
		ke := rowFor(t, rows, "KE")
		require.NotNil(t, ke.ACLEDEventCount)
		require.Equal(t, int64(2), *ke.ACLEDEventCount, "200-day-old event excluded")
		require.InDelta(t, 4.0, *ke.ACLEDFatalities, 1e-9)
	})

	t.Run("risk weights are not redistributed", func(t *testing.T) {
		// raw_acled: KE = 4+2 = 6, ET = 0+1 = 1; min-max puts KE at 1, ET
		// at 0. AR is the only GDELT country, so its norm is 1.
		ke := rowFor(t, rows, "KE")
		require.InDelta(t, 0.5*1+0.3*0+0.2*0.5, ke.TotalRisk, 1e-9)

		et := rowFor(t, rows, "ET")
		require.InDelta(t, 0.0, et.TotalRisk, 1e-9)
		require.Nil(t, et.StructuralRisk)

		ar := rowFor(t, rows, "AR")
		require.InDelta(t, 0.3, ar.TotalRisk, 1e-9, "gdelt weight only, acled term zero")
	})

	t.Run("rebuild is repeatable and readers never see an empty view", func(t *testing.T) {
		require.NoError(t, rebuilder.Rebuild(ctx))
		again, err := reader.CombinedRows(ctx)
		require.NoError(t, err)
		require.Len(t, again, 3)
	})

	t.Run("aborted rebuild retains the prior snapshot", func(t *testing.T) {
		// Hide structural_risk so the combined build fails after both
		// per-source aggregates have already been built.
		_, err := pool.Exec(ctx, `ALTER TABLE structural_risk RENAME TO structural_risk_hidden`)
		require.NoError(t, err)

		err = rebuilder.Rebuild(ctx)
		require.Error(t, err)
		require.Contains(t, err.Error(), ViewByCountryCombined)

		rows, err := reader.CombinedRows(ctx)
		require.NoError(t, err)
		require.Len(t, rows, 3, "prior snapshot still served")
		ke := rowFor(t, rows, "KE")
		require.InDelta(t, 0.5*1+0.3*0+0.2*0.5, ke.TotalRisk, 1e-9)

		var leftover *string
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT to_regclass('by_country_acled__next')::text`).Scan(&leftover))
		require.Nil(t, leftover, "half-built tables cleaned up")

		_, err = pool.Exec(ctx, `ALTER TABLE structural_risk_hidden RENAME TO structural_risk`)
		require.NoError(t, err)
		require.NoError(t, rebuilder.Rebuild(ctx))
	})
}

func TestViews_Integration_StopSignalCommitsInFlightChunk(t *testing.T) {
	pool := setupPool(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Chunk size 1 so the batch spans several transactions. The chunk in
	// flight when the context is cancelled must still commit; only the
	// chunks not yet started are abandoned.
	store := obs.NewStore(logger, pool, 1)
	result, err := store.UpsertBatch(ctx, []obs.Observation{
		acledObservation("C1", "KE", 1, 1),
		acledObservation("C2", "KE", 2, 2),
		acledObservation("C3", "KE", 3, 3),
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, int64(1), result.Inserted, "in-flight chunk committed")

	var count int
	require.NoError(t, pool.QueryRow(context.Background(),
		`SELECT COUNT(*) FROM security_observations`).Scan(&count))
	require.Equal(t, 1, count, "committed work survives the stop signal")
}

func TestViews_Integration_AliasBackfill(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	store := obs.NewStore(logger, pool, 1000)
	countries := country.NewStore(pool)

	// A row lands with its country unresolved.
	unresolved := obs.Observation{
		Source:         obs.SourceACLED,
		SourceEventID:  "GRC1",
		EventTimeStart: time.Now().UTC().AddDate(0, 0, -3),
		EventTimeEnd:   time.Now().UTC().AddDate(0, 0, -3),
		CountryNameRaw: "Hellas",
		Category:       obs.CategoryProtest,
	}
	_, err := store.UpsertBatch(ctx, []obs.Observation{unresolved})
	require.NoError(t, err)
	require.NoError(t, countries.RecordMiss(ctx, "Hellas", "ACLED"))

	misses, err := countries.RecentMisses(ctx, 10)
	require.NoError(t, err)
	require.Len(t, misses, 1)
	require.Equal(t, "Hellas", misses[0].Raw)

	t.Run("seeded aliases resolve", func(t *testing.T) {
		code, ok, err := countries.LookupAlias(ctx, "ivory coast")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "CI", code)

		code, ok, err = countries.LookupAlias(ctx, country.Normalize("Côte d'Ivoire"))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "CI", code)
	})

	t.Run("bare congo stays ambiguous", func(t *testing.T) {
		_, ok, err := countries.LookupAlias(ctx, "congo")
		require.NoError(t, err)
		require.False(t, ok)
	})

	t.Run("operator alias plus backfill resolves old rows", func(t *testing.T) {
		require.NoError(t, countries.AddAlias(ctx, "Hellas", "GR"))

		updated, err := countries.BackfillUnresolved(ctx, "ACLED")
		require.NoError(t, err)
		require.Equal(t, int64(1), updated)

		var code string
		require.NoError(t, pool.QueryRow(ctx,
			`SELECT country_code FROM security_observations
			 WHERE source = 'ACLED' AND source_event_id = 'GRC1'`).Scan(&code))
		require.Equal(t, "GR", code)

		// Idempotent: nothing left to fix.
		updated, err = countries.BackfillUnresolved(ctx, "ACLED")
		require.NoError(t, err)
		require.Zero(t, updated)
	})

	t.Run("conflicting alias is rejected", func(t *testing.T) {
		require.ErrorIs(t, countries.AddAlias(ctx, "Hellas", "FR"), country.ErrAliasConflict)
		require.NoError(t, countries.AddAlias(ctx, "Hellas", "GR"), "same mapping is a no-op")
	})

	t.Run("unknown country code is rejected", func(t *testing.T) {
		require.ErrorIs(t, countries.AddAlias(ctx, "Nowhere", "XX"), country.ErrUnknownCountry)
	})
}

func TestViews_Integration_LegacyMigration(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `
		CREATE TABLE security_events (
			id BIGSERIAL PRIMARY KEY,
			event_date DATE NOT NULL,
			country TEXT NOT NULL,
			event_type TEXT,
			sub_event_type TEXT,
			fatalities INT,
			latitude DOUBLE PRECISION,
			longitude DOUBLE PRECISION,
			notes TEXT
		)`)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `
		INSERT INTO security_events (event_date, country, event_type, fatalities) VALUES
			('2024-11-02', 'Ivory Coast', 'Battles', 4),
			('2024-11-03', 'Unknownia', 'Protests', 0),
			('2024-11-04', 'Ivory Coast', 'Riots', NULL)`)
	require.NoError(t, err)

	copied, err := legacy.Migrate(ctx, logger, pool)
	require.NoError(t, err)
	require.Equal(t, int64(3), copied)

	var resolved string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT country_code FROM security_observations
		 WHERE source = 'ACLED_LEGACY' AND country_name_raw = 'Ivory Coast'`).Scan(&resolved))
	require.Equal(t, "CI", resolved)

	var unresolvedCode *string
	var category string
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT country_code, event_category FROM security_observations
		 WHERE source = 'ACLED_LEGACY' AND country_name_raw = 'Unknownia'`).Scan(&unresolvedCode, &category))
	require.Nil(t, unresolvedCode)
	require.Equal(t, "protest", category)

	var nullSeverity *float64
	require.NoError(t, pool.QueryRow(ctx,
		`SELECT severity_numeric FROM security_observations
		 WHERE source = 'ACLED_LEGACY' AND event_category = 'unrest'`).Scan(&nullSeverity))
	require.Nil(t, nullSeverity, "absent fatalities stay NULL, not zero")

	var gone *string
	require.NoError(t, pool.QueryRow(ctx, `SELECT to_regclass('security_events')::text`).Scan(&gone))
	require.Nil(t, gone, "legacy table dropped after migration")

	copied, err = legacy.Migrate(ctx, logger, pool)
	require.NoError(t, err)
	require.Zero(t, copied, "second invocation is a no-op")
}

func TestViews_Integration_LocksAndRunLog(t *testing.T) {
	pool := setupPool(t)
	ctx := context.Background()

	t.Run("advisory lock excludes a second holder", func(t *testing.T) {
		lock, err := db.AcquireLock(ctx, pool, "pulse:collector:acled")
		require.NoError(t, err)

		_, err = db.AcquireLock(ctx, pool, "pulse:collector:acled")
		require.ErrorIs(t, err, db.ErrLockHeld)

		other, err := db.AcquireLock(ctx, pool, "pulse:collector:gdelt")
		require.NoError(t, err, "different names do not contend")
		other.Release()

		lock.Release()
		reacquired, err := db.AcquireLock(ctx, pool, "pulse:collector:acled")
		require.NoError(t, err)
		reacquired.Release()
	})

	t.Run("run log state machine round trip", func(t *testing.T) {
		runLog := runner.NewRunLog(pool)

		_, ok, err := runLog.LastSuccess(ctx, "acled")
		require.NoError(t, err)
		require.False(t, ok, "no successes yet")

		id, err := runLog.Start(ctx, "acled", "test-host")
		require.NoError(t, err)
		require.NoError(t, runLog.MarkRunning(ctx, id))
		require.NoError(t, runLog.Finish(ctx, id, runner.StatusSucceeded, 12, 3, ""))

		started, ok, err := runLog.LastSuccess(ctx, "acled")
		require.NoError(t, err)
		require.True(t, ok)
		require.WithinDuration(t, time.Now(), started, time.Minute)

		// A later failure does not move the success cursor.
		id2, err := runLog.Start(ctx, "acled", "test-host")
		require.NoError(t, err)
		require.NoError(t, runLog.MarkRunning(ctx, id2))
		require.NoError(t, runLog.Finish(ctx, id2, runner.StatusFailed, 0, 0, runner.ErrorClassTransientIO))

		stillStarted, ok, err := runLog.LastSuccess(ctx, "acled")
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, started.Unix(), stillStarted.Unix())
	})
}
