package views

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// CombinedRow is one country in the public combined view. At least one of
// HasACLED/HasGDELT is always true: a country with no signal has no row.
type CombinedRow struct {
	CountryCode       string
	CountryNameEn     string
	ACLEDEventCount   *int64
	ACLEDFatalities   *float64
	ACLEDLastSeen     *time.Time
	GDELTEventCount   *int64
	GDELTToneWeighted *float64
	GDELTLastSeen     *time.Time
	HasACLED          bool
	HasGDELT          bool
	TotalRisk         float64
	StructuralRisk    *float64
}

// Reader serves the downstream read API: one row per country with any
// signal, stably sorted by country code.
type Reader struct {
	pool *pgxpool.Pool
}

func NewReader(pool *pgxpool.Pool) *Reader {
	return &Reader{pool: pool}
}

func (r *Reader) CombinedRows(ctx context.Context) ([]CombinedRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT country_code, country_name_en,
		       acled_event_count, acled_fatalities, acled_last_seen,
		       gdelt_event_count, gdelt_tone_weighted, gdelt_last_seen,
		       has_acled, has_gdelt, total_risk, structural_risk
		FROM `+ViewByCountryCombined+`
		ORDER BY country_code`)
	if err != nil {
		return nil, fmt.Errorf("failed to query combined view: %w", err)
	}
	defer rows.Close()

	var result []CombinedRow
	for rows.Next() {
		var row CombinedRow
		if err := rows.Scan(
			&row.CountryCode, &row.CountryNameEn,
			&row.ACLEDEventCount, &row.ACLEDFatalities, &row.ACLEDLastSeen,
			&row.GDELTEventCount, &row.GDELTToneWeighted, &row.GDELTLastSeen,
			&row.HasACLED, &row.HasGDELT, &row.TotalRisk, &row.StructuralRisk,
		); err != nil {
			return nil, fmt.Errorf("failed to scan combined row: %w", err)
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// SetStructuralRisk upserts the background risk contributor for a country.
func (r *Reader) SetStructuralRisk(ctx context.Context, countryCode string, risk float64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO structural_risk (country_code, risk, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (country_code) DO UPDATE SET risk = EXCLUDED.risk, updated_at = NOW()`,
		countryCode, risk)
	if err != nil {
		return fmt.Errorf("failed to set structural risk for %s: %w", countryCode, err)
	}
	return nil
}
