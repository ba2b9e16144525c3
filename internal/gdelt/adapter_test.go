package gdelt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sofia-pulse/pulse/internal/obs"
)

func testAdapter(t *testing.T, writer *mockWriter) *Adapter {
	t.Helper()
	resolver := &mockResolver{
		ResolveFunc: func(ctx context.Context, raw, source string) (string, bool, error) {
			codes := map[string]string{
				"Argentina": "AR",
				"Kenya":     "KE",
			}
			code, ok := codes[raw]
			return code, ok, nil
		},
	}
	return NewAdapter(logger.With("test", t.Name()), nil, resolver, writer, 14, false)
}

func TestGDELT_IngestRows(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("filters below the salience threshold", func(t *testing.T) {
		t.Parallel()

		writer := &mockWriter{}
		a := testAdapter(t, writer)

		rows := []Row{
			{GlobalEventID: "1", Day: "20250510", EventRootCode: "04"},
			{GlobalEventID: "2", Day: "20250510", EventRootCode: "13"},
			{GlobalEventID: "3", Day: "20250510", EventRootCode: "14"},
			{GlobalEventID: "4", Day: "20250510", EventRootCode: "19"},
		}
		result, err := a.IngestRows(ctx, rows)
		require.NoError(t, err)
		require.Equal(t, int64(2), result.Inserted)
		require.Len(t, writer.upserted, 2)
		require.Equal(t, "3", writer.upserted[0].SourceEventID)
		require.Equal(t, obs.CategoryProtest, writer.upserted[0].Category)
		require.Equal(t, obs.CategoryViolence, writer.upserted[1].Category)
	})

	t.Run("maps a full row", func(t *testing.T) {
		t.Parallel()

		writer := &mockWriter{}
		a := testAdapter(t, writer)

		rows := []Row{{
			GlobalEventID:     "1127450001",
			Day:               "20250510",
			EventCode:         "193",
			EventRootCode:     "19",
			GoldsteinScale:    "-10.0",
			AvgTone:           "-7.5",
			ActionGeoFullname: "Buenos Aires, Distrito Federal, Argentina",
			ActionGeoLat:      "-34.6037",
			ActionGeoLong:     "-58.3816",
		}}
		_, err := a.IngestRows(ctx, rows)
		require.NoError(t, err)
		require.Len(t, writer.upserted, 1)

		o := writer.upserted[0]
		require.Equal(t, obs.SourceGDELT, o.Source)
		require.Equal(t, "1127450001", o.SourceEventID)
		require.NotNil(t, o.CountryCode)
		require.Equal(t, "AR", *o.CountryCode)
		require.Equal(t, "Argentina", o.CountryNameRaw)
		require.NotNil(t, o.Severity)
		require.Equal(t, 10.0, *o.Severity)
		require.InDelta(t, -7.5, o.Extras["avg_tone"], 1e-9)
		require.NotNil(t, o.Latitude)
		require.InDelta(t, -34.6037, *o.Latitude, 1e-9)
	})

	t.Run("positive goldstein clamps severity to zero", func(t *testing.T) {
		t.Parallel()

		writer := &mockWriter{}
		a := testAdapter(t, writer)

		rows := []Row{{GlobalEventID: "5", Day: "20250510", EventRootCode: "14", GoldsteinScale: "6.5"}}
		_, err := a.IngestRows(ctx, rows)
		require.NoError(t, err)
		require.Len(t, writer.upserted, 1)
		require.NotNil(t, writer.upserted[0].Severity)
		require.Equal(t, 0.0, *writer.upserted[0].Severity)
	})

	t.Run("absent goldstein stays nil", func(t *testing.T) {
		t.Parallel()

		writer := &mockWriter{}
		a := testAdapter(t, writer)

		rows := []Row{{GlobalEventID: "6", Day: "20250510", EventRootCode: "14"}}
		_, err := a.IngestRows(ctx, rows)
		require.NoError(t, err)
		require.Len(t, writer.upserted, 1)
		require.Nil(t, writer.upserted[0].Severity)
	})

	t.Run("non-finite goldstein and tone become nil", func(t *testing.T) {
		t.Parallel()

		writer := &mockWriter{}
		a := testAdapter(t, writer)

		rows := []Row{
			{GlobalEventID: "10", Day: "20250510", EventRootCode: "14", GoldsteinScale: "-Inf", AvgTone: "+Inf"},
			{GlobalEventID: "11", Day: "20250510", EventRootCode: "14", GoldsteinScale: "NaN", AvgTone: "NaN"},
		}
		_, err := a.IngestRows(ctx, rows)
		require.NoError(t, err)
		require.Len(t, writer.upserted, 2)
		for _, o := range writer.upserted {
			require.Nil(t, o.Severity)
			require.NotContains(t, o.Extras, "avg_tone")
		}
	})

	t.Run("falls back to actor1 geo", func(t *testing.T) {
		t.Parallel()

		writer := &mockWriter{}
		a := testAdapter(t, writer)

		rows := []Row{{
			GlobalEventID:     "7",
			Day:               "20250510",
			EventRootCode:     "18",
			Actor1GeoFullname: "Nairobi, Nairobi Area, Kenya",
			Actor1GeoLat:      "-1.2921",
			Actor1GeoLong:     "36.8219",
		}}
		_, err := a.IngestRows(ctx, rows)
		require.NoError(t, err)
		require.Len(t, writer.upserted, 1)
		require.NotNil(t, writer.upserted[0].CountryCode)
		require.Equal(t, "KE", *writer.upserted[0].CountryCode)
	})

	t.Run("no geo at all keeps the row without a country", func(t *testing.T) {
		t.Parallel()

		writer := &mockWriter{}
		a := testAdapter(t, writer)

		rows := []Row{{GlobalEventID: "8", Day: "20250510", EventRootCode: "17"}}
		_, err := a.IngestRows(ctx, rows)
		require.NoError(t, err)
		require.Len(t, writer.upserted, 1)
		require.Nil(t, writer.upserted[0].CountryCode)
		require.Empty(t, writer.upserted[0].CountryNameRaw)
	})

	t.Run("unparseable day dead-letters the row", func(t *testing.T) {
		t.Parallel()

		writer := &mockWriter{}
		a := testAdapter(t, writer)

		rows := []Row{{GlobalEventID: "9", Day: "not-a-day", EventRootCode: "19"}}
		_, err := a.IngestRows(ctx, rows)
		require.NoError(t, err)
		require.Empty(t, writer.upserted)
		require.Len(t, writer.deadLetters, 1)
		require.Equal(t, "Day", writer.deadLetters[0].Field)
	})
}
