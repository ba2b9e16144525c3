package acled

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sofia-pulse/pulse/internal/obs"
)

// CountryResolver resolves raw country strings to ISO-2 codes.
type CountryResolver interface {
	Resolve(ctx context.Context, raw, source string) (string, bool, error)
}

// ObservationWriter is the store surface the adapter writes through.
type ObservationWriter interface {
	UpsertBatch(ctx context.Context, rows []obs.Observation) (obs.UpsertResult, error)
	DeadLetter(ctx context.Context, source obs.Source, schemaErr *obs.SchemaError, payload map[string]any) error
}

type Adapter struct {
	log      *slog.Logger
	client   *Client
	resolver CountryResolver
	store    ObservationWriter
	dryRun   bool
}

func NewAdapter(log *slog.Logger, client *Client, resolver CountryResolver, store ObservationWriter, dryRun bool) *Adapter {
	return &Adapter{log: log, client: client, resolver: resolver, store: store, dryRun: dryRun}
}

func (a *Adapter) Name() string { return "acled" }

// RunWindow pulls the API for [start, end] and upserts canonical
// observations. Pages are buffered for the whole window: the API does not
// return date-ordered pages, so a single upsert at the end lets the store's
// event-time sort hold across the run, not just within one page. Re-running
// the same window yields identical table state.
func (a *Adapter) RunWindow(ctx context.Context, start, end time.Time) (obs.UpsertResult, error) {
	var window []Row
	err := a.client.FetchWindow(ctx, start, end, func(rows []Row) error {
		window = append(window, rows...)
		return nil
	})
	if err != nil {
		return obs.UpsertResult{}, fmt.Errorf("acled window %s..%s: %w", start.Format(dateLayout), end.Format(dateLayout), err)
	}

	result, err := a.IngestRows(ctx, window)
	if err != nil {
		return result, fmt.Errorf("acled window %s..%s: %w", start.Format(dateLayout), end.Format(dateLayout), err)
	}
	return result, nil
}

// RunFileDrops ingests every regional aggregated drop under dropDir.
func (a *Adapter) RunFileDrops(ctx context.Context, dropDir string) (obs.UpsertResult, error) {
	var total obs.UpsertResult

	files, err := ListDropFiles(dropDir)
	if err != nil {
		return total, err
	}
	a.log.Info("ingesting acled file drops",
		slog.String("drop_dir", dropDir),
		slog.Int("files", len(files)))

	for _, path := range files {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		rows, err := ReadDropFile(path)
		if err != nil {
			return total, err
		}
		result, err := a.IngestRows(ctx, rows)
		total.Inserted += result.Inserted
		total.Updated += result.Updated
		if err != nil {
			return total, fmt.Errorf("drop file %s: %w", path, err)
		}
	}
	return total, nil
}

// IngestRows maps raw rows to observations and upserts them. Rows violating
// the mapping contract are dead-lettered and the batch continues; a resolver
// miss keeps the row with a NULL country code.
func (a *Adapter) IngestRows(ctx context.Context, rows []Row) (obs.UpsertResult, error) {
	observations := make([]obs.Observation, 0, len(rows))
	for i := range rows {
		o, schemaErr, err := a.mapRow(ctx, &rows[i])
		if err != nil {
			return obs.UpsertResult{}, err
		}
		if schemaErr != nil {
			a.log.Warn("dead-lettering acled row",
				slog.String("row_ref", schemaErr.RowRef),
				slog.String("field", schemaErr.Field),
				slog.String("reason", schemaErr.Reason))
			if a.dryRun {
				continue
			}
			if err := a.store.DeadLetter(ctx, obs.SourceACLED, schemaErr, rowPayload(&rows[i])); err != nil {
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

func (a *Adapter) mapRow(ctx context.Context, row *Row) (obs.Observation, *obs.SchemaError, error) {
	rowRef := row.EventIDCnty
	if rowRef == "" {
		return obs.Observation{}, obs.NewSchemaError("(missing id)", "event_id_cnty", "required field is empty"), nil
	}

	eventDate, ok := parseDate(row.EventDate)
	if !ok {
		return obs.Observation{}, obs.NewSchemaError(rowRef, "event_date", fmt.Sprintf("unparseable date %q", row.EventDate)), nil
	}

	var countryCode *string
	if code, resolved, err := a.resolver.Resolve(ctx, row.Country, string(obs.SourceACLED)); err != nil {
		return obs.Observation{}, nil, err
	} else if resolved {
		countryCode = &code
	}

	extras := map[string]any{}
	for k, v := range map[string]string{
		"event_type":     row.EventType,
		"sub_event_type": row.SubEventType,
		"actor1":         row.Actor1,
		"actor2":         row.Actor2,
		"admin1":         row.Admin1,
		"location":       row.Location,
		"notes":          row.Notes,
		"source":         row.SourceName,
	} {
		if v != "" {
			extras[k] = v
		}
	}

	return obs.Observation{
		Source:         obs.SourceACLED,
		SourceEventID:  rowRef,
		EventTimeStart: eventDate,
		EventTimeEnd:   eventDate,
		CountryCode:    countryCode,
		CountryNameRaw: row.Country,
		Latitude:       obs.FloatOrNil(parseFloat(row.Latitude)),
		Longitude:      obs.FloatOrNil(parseFloat(row.Longitude)),
		Category:       Categorize(row.EventType, row.SubEventType),
		Severity:       obs.FloatOrNil(parseFloat(row.Fatalities)),
		Extras:         extras,
	}, nil, nil
}

func rowPayload(row *Row) map[string]any {
	return map[string]any{
		"event_id_cnty": row.EventIDCnty,
		"event_date":    row.EventDate,
		"country":       row.Country,
		"event_type":    row.EventType,
	}
}
