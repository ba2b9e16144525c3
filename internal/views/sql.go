package views

import (
	"fmt"

	"github.com/sofia-pulse/pulse/internal/config"
)

// View names. Rebuilds create <name>__next and rename into place so readers
// never observe an empty or partial view.
const (
	ViewByCountryACLED    = "by_country_acled"
	ViewByCountryGDELT    = "by_country_gdelt"
	ViewByCountryCombined = "by_country_combined"
)

const nextSuffix = "__next"

// Numeric inputs are formatted inline: CREATE TABLE AS is a utility
// statement and does not accept bind parameters. All inputs are validated
// ints and floats, never strings.

// acledAggregateSQL aggregates curated ACLED (and migrated legacy) events per
// country. The recency filter lives here, inside the per-source aggregate --
// never in the combined join, where it silently drops countries.
func acledAggregateSQL(windowDays int) string {
	return fmt.Sprintf(`
CREATE TABLE %s AS
SELECT
    country_code,
    NOW() - INTERVAL '%d days' AS window_start,
    NOW()                      AS window_end,
    COUNT(*)::bigint           AS event_count,
    SUM(severity_numeric)      AS fatalities_sum,
    MAX(event_time_start)      AS last_event_at
FROM security_observations
WHERE source IN ('ACLED', 'ACLED_LEGACY')
  AND country_code IS NOT NULL
  AND event_time_start >= NOW() - INTERVAL '%d days'
GROUP BY country_code`,
		ViewByCountryACLED+nextSuffix, windowDays, windowDays)
}

// gdeltAggregateSQL aggregates filtered GDELT events per country. Each event
// contributes 1 plus a tenth of its conflictual tone magnitude to the
// tone-weighted count, so volume dominates and tone sharpens.
func gdeltAggregateSQL(windowDays int) string {
	return fmt.Sprintf(`
CREATE TABLE %s AS
SELECT
    country_code,
    NOW() - INTERVAL '%d days' AS window_start,
    NOW()                      AS window_end,
    COUNT(*)::bigint           AS event_count,
    SUM(1 + GREATEST(0, -COALESCE((extras->>'avg_tone')::double precision, 0)) / 10)
                               AS tone_weighted_count,
    MAX(event_time_start)      AS last_event_at
FROM security_observations
WHERE source = 'GDELT'
  AND country_code IS NOT NULL
  AND event_time_start >= NOW() - INTERVAL '%d days'
GROUP BY country_code`,
		ViewByCountryGDELT+nextSuffix, windowDays, windowDays)
}

// combinedSQL full-outer-joins the two per-source aggregates on country code,
// so a country present in only one source still appears. Normalization is
// per-source min-max over this snapshot; a silent source contributes a zero
// term and its weight is not redistributed.
func combinedSQL(w config.RiskWeights) string {
	return fmt.Sprintf(`
CREATE TABLE %s AS
WITH joined AS (
    SELECT
        COALESCE(a.country_code, g.country_code) AS country_code,
        a.event_count        AS acled_event_count,
        a.fatalities_sum     AS acled_fatalities,
        a.last_event_at      AS acled_last_seen,
        g.event_count        AS gdelt_event_count,
        g.tone_weighted_count AS gdelt_tone_weighted,
        g.last_event_at      AS gdelt_last_seen,
        (a.country_code IS NOT NULL) AS has_acled,
        (g.country_code IS NOT NULL) AS has_gdelt,
        COALESCE(a.fatalities_sum, 0) + COALESCE(a.event_count, 0) AS raw_acled,
        COALESCE(g.tone_weighted_count, 0)                         AS raw_gdelt
    FROM %s a
    FULL OUTER JOIN %s g USING (country_code)
),
scaled AS (
    SELECT
        joined.*,
        MIN(raw_acled) FILTER (WHERE has_acled) OVER () AS min_acled,
        MAX(raw_acled) FILTER (WHERE has_acled) OVER () AS max_acled,
        MIN(raw_gdelt) FILTER (WHERE has_gdelt) OVER () AS min_gdelt,
        MAX(raw_gdelt) FILTER (WHERE has_gdelt) OVER () AS max_gdelt
    FROM joined
),
normalized AS (
    SELECT
        scaled.*,
        CASE
            WHEN NOT has_acled THEN 0
            WHEN max_acled > min_acled THEN (raw_acled - min_acled) / (max_acled - min_acled)
            WHEN raw_acled > 0 THEN 1
            ELSE 0
        END AS norm_acled,
        CASE
            WHEN NOT has_gdelt THEN 0
            WHEN max_gdelt > min_gdelt THEN (raw_gdelt - min_gdelt) / (max_gdelt - min_gdelt)
            WHEN raw_gdelt > 0 THEN 1
            ELSE 0
        END AS norm_gdelt
    FROM scaled
)
SELECT
    n.country_code,
    c.country_name_en,
    n.acled_event_count,
    n.acled_fatalities,
    n.acled_last_seen,
    n.gdelt_event_count,
    n.gdelt_tone_weighted,
    n.gdelt_last_seen,
    n.has_acled,
    n.has_gdelt,
    %g * n.norm_acled + %g * n.norm_gdelt + %g * COALESCE(s.risk, 0) AS total_risk,
    s.risk AS structural_risk
FROM normalized n
JOIN countries c USING (country_code)
LEFT JOIN structural_risk s USING (country_code)`,
		ViewByCountryCombined+nextSuffix,
		ViewByCountryACLED+nextSuffix,
		ViewByCountryGDELT+nextSuffix,
		w.Acled, w.Gdelt, w.Structural)
}
