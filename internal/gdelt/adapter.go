package gdelt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/sofia-pulse/pulse/internal/obs"
)

type CountryResolver interface {
	Resolve(ctx context.Context, raw, source string) (string, bool, error)
}

type ObservationWriter interface {
	UpsertBatch(ctx context.Context, rows []obs.Observation) (obs.UpsertResult, error)
	DeadLetter(ctx context.Context, source obs.Source, schemaErr *obs.SchemaError, payload map[string]any) error
}

type Adapter struct {
	log         *slog.Logger
	client      *Client
	resolver    CountryResolver
	store       ObservationWriter
	minRootCode int
	dryRun      bool
}

func NewAdapter(log *slog.Logger, client *Client, resolver CountryResolver, store ObservationWriter, minRootCode int, dryRun bool) *Adapter {
	return &Adapter{
		log:         log,
		client:      client,
		resolver:    resolver,
		store:       store,
		minRootCode: minRootCode,
		dryRun:      dryRun,
	}
}

func (a *Adapter) Name() string { return "gdelt" }

// RunWindow ingests every published hour in [start, end). Missing hours are
// logged and skipped; GDELT republishes late and the next tick re-covers the
// window.
func (a *Adapter) RunWindow(ctx context.Context, start, end time.Time) (obs.UpsertResult, error) {
	var total obs.UpsertResult
	var missing int

	for hour := start.UTC().Truncate(time.Hour); hour.Before(end); hour = hour.Add(time.Hour) {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		rows, err := a.client.FetchHour(ctx, hour)
		if err != nil {
			if errors.Is(err, ErrMissingHour) {
				missing++
				a.log.Debug("gdelt hour not published", slog.Time("hour", hour))
				continue
			}
			return total, err
		}
		result, err := a.IngestRows(ctx, rows)
		total.Inserted += result.Inserted
		total.Updated += result.Updated
		if err != nil {
			return total, fmt.Errorf("gdelt hour %s: %w", hour.Format("2006-01-02T15"), err)
		}
	}

	if missing > 0 {
		a.log.Info("gdelt window had unpublished hours", slog.Int("missing", missing))
	}
	return total, nil
}

// IngestRows filters to salient CAMEO roots, maps, and upserts. Rows below
// the threshold are dropped silently; that is the point of the filter.
func (a *Adapter) IngestRows(ctx context.Context, rows []Row) (obs.UpsertResult, error) {
	observations := make([]obs.Observation, 0, len(rows)/4)
	for i := range rows {
		row := &rows[i]
		if row.RootCode() < a.minRootCode {
			continue
		}
		o, schemaErr, err := a.mapRow(ctx, row)
		if err != nil {
			return obs.UpsertResult{}, err
		}
		if schemaErr != nil {
			if a.dryRun {
				continue
			}
			if err := a.store.DeadLetter(ctx, obs.SourceGDELT, schemaErr, map[string]any{
				"global_event_id": row.GlobalEventID,
				"day":             row.Day,
				"event_code":      row.EventCode,
			}); err != nil {
				return obs.UpsertResult{}, err
			}
			continue
		}
		observations = append(observations, o)
	}

	if a.dryRun {
		a.log.Info("dry run: skipping upsert", slog.Int("rows", len(observations)))
		return obs.UpsertResult{}, nil
	}
	return a.store.UpsertBatch(ctx, observations)
}

// mapRow maps one export record. Location prefers ActionGeo and falls back
// to Actor1Geo; with neither, the row still lands with a NULL country code.
func (a *Adapter) mapRow(ctx context.Context, row *Row) (obs.Observation, *obs.SchemaError, error) {
	if row.GlobalEventID == "" {
		return obs.Observation{}, obs.NewSchemaError("(missing id)", "GlobalEventID", "required field is empty"), nil
	}
	day, ok := parseDay(row.Day)
	if !ok {
		return obs.Observation{}, obs.NewSchemaError(row.GlobalEventID, "Day", fmt.Sprintf("unparseable day %q", row.Day)), nil
	}

	countryRaw := CountryFromFullname(row.ActionGeoFullname)
	lat := obs.FloatOrNil(parseFloat(row.ActionGeoLat))
	lon := obs.FloatOrNil(parseFloat(row.ActionGeoLong))
	if countryRaw == "" {
		countryRaw = CountryFromFullname(row.Actor1GeoFullname)
		lat = obs.FloatOrNil(parseFloat(row.Actor1GeoLat))
		lon = obs.FloatOrNil(parseFloat(row.Actor1GeoLong))
	}

	var countryCode *string
	if countryRaw != "" {
		if code, resolved, err := a.resolver.Resolve(ctx, countryRaw, string(obs.SourceGDELT)); err != nil {
			return obs.Observation{}, nil, err
		} else if resolved {
			countryCode = &code
		}
	}

	// Goldstein is negative for conflictual events; severity is its
	// non-negative mirror. NaN and infinite scores land as NULL.
	var severity *float64
	if goldstein := obs.FloatOrNil(parseFloat(row.GoldsteinScale)); goldstein != nil {
		s := math.Max(0, -*goldstein)
		severity = &s
	}

	extras := map[string]any{}
	if tone := obs.FloatOrNil(parseFloat(row.AvgTone)); tone != nil {
		extras["avg_tone"] = *tone
	}
	for k, v := range map[string]string{
		"event_code":      row.EventCode,
		"event_root_code": row.EventRootCode,
		"quad_class":      row.QuadClass,
		"num_mentions":    row.NumMentions,
		"num_articles":    row.NumArticles,
		"actor1_name":     row.Actor1Name,
		"actor2_name":     row.Actor2Name,
		"source_url":      row.SourceURL,
	} {
		if v != "" {
			extras[k] = v
		}
	}

	return obs.Observation{
		Source:         obs.SourceGDELT,
		SourceEventID:  row.GlobalEventID,
		EventTimeStart: day,
		EventTimeEnd:   day,
		CountryCode:    countryCode,
		CountryNameRaw: countryRaw,
		Latitude:       lat,
		Longitude:      lon,
		Category:       CategorizeRoot(row.RootCode()),
		Severity:       severity,
		Extras:         extras,
	}, nil, nil
}
