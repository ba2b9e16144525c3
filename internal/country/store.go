// Package country implements the country dimension: the authoritative
// ISO-3166 table, the free-text alias resolver, the miss log, and the
// unresolved-observation backfill.
package country

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrAliasConflict is returned when an alias already resolves to a different
// country than the one being added.
var ErrAliasConflict = errors.New("alias already resolves to a different country")

// ErrUnknownCountry is returned when an alias references a code absent from
// the countries table.
var ErrUnknownCountry = errors.New("country code not present in dimension")

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// LookupAlias returns the country code for a pre-normalized alias.
func (s *Store) LookupAlias(ctx context.Context, aliasNorm string) (string, bool, error) {
	var code string
	err := s.pool.QueryRow(ctx,
		`SELECT country_code FROM country_aliases WHERE alias_norm = $1`, aliasNorm).Scan(&code)
	if err != nil {
		if isNoRows(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to look up alias %q: %w", aliasNorm, err)
	}
	return code, true, nil
}

// RecordMiss appends an entry to resolver_miss_log for operator review.
func (s *Store) RecordMiss(ctx context.Context, raw, source string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO resolver_miss_log (raw, source) VALUES ($1, $2)`, raw, source)
	if err != nil {
		return fmt.Errorf("failed to record resolver miss for %q: %w", raw, err)
	}
	return nil
}

// AddAlias maps a free-text country string to a code. Adding an alias that
// already resolves to the same code is a no-op; a different code fails with
// ErrAliasConflict.
func (s *Store) AddAlias(ctx context.Context, raw, code string) error {
	if !ValidCode(code) {
		return fmt.Errorf("invalid country code %q", code)
	}
	aliasNorm := Normalize(raw)
	if aliasNorm == "" {
		return errors.New("alias normalizes to empty string")
	}

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO country_aliases (alias_norm, country_code) VALUES ($1, $2)
		 ON CONFLICT (alias_norm) DO NOTHING`, aliasNorm, code)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("country %s: %w", code, ErrUnknownCountry)
		}
		return fmt.Errorf("failed to add alias %q: %w", aliasNorm, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	existing, ok, err := s.LookupAlias(ctx, aliasNorm)
	if err != nil {
		return err
	}
	if ok && existing != code {
		return fmt.Errorf("alias %q maps to %s, not %s: %w", aliasNorm, existing, code, ErrAliasConflict)
	}
	return nil
}

// Miss is a resolver_miss_log row.
type Miss struct {
	Raw         string
	Source      string
	AttemptedAt string
}

// RecentMisses lists the newest miss-log entries, most recent first.
func (s *Store) RecentMisses(ctx context.Context, limit int) ([]Miss, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT raw, source, attempted_at::text FROM resolver_miss_log
		 ORDER BY attempted_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query resolver misses: %w", err)
	}
	defer rows.Close()

	var misses []Miss
	for rows.Next() {
		var m Miss
		if err := rows.Scan(&m.Raw, &m.Source, &m.AttemptedAt); err != nil {
			return nil, fmt.Errorf("failed to scan resolver miss: %w", err)
		}
		misses = append(misses, m)
	}
	return misses, rows.Err()
}

// BackfillUnresolved re-resolves observations with a NULL country_code for
// the given source. Rows whose raw string now matches an alias are updated;
// everything else is untouched. Idempotent.
func (s *Store) BackfillUnresolved(ctx context.Context, source string) (int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT country_name_raw FROM security_observations
		 WHERE source = $1 AND country_code IS NULL`, source)
	if err != nil {
		return 0, fmt.Errorf("failed to query unresolved observations: %w", err)
	}
	raws := make([]string, 0, 64)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan unresolved country: %w", err)
		}
		raws = append(raws, raw)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var updated int64
	for _, raw := range raws {
		code, ok, err := s.LookupAlias(ctx, Normalize(raw))
		if err != nil {
			return updated, err
		}
		if !ok {
			continue
		}
		tag, err := s.pool.Exec(ctx,
			`UPDATE security_observations SET country_code = $1
			 WHERE source = $2 AND country_code IS NULL AND country_name_raw = $3`,
			code, source, raw)
		if err != nil {
			return updated, fmt.Errorf("failed to backfill %q -> %s: %w", raw, code, err)
		}
		updated += tag.RowsAffected()
	}
	return updated, nil
}
