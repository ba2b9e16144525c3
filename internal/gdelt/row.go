// Package gdelt ingests GDELT 2.0 event export files. GDELT rows are cheap
// and noisy, so ingest filters to CAMEO root codes at or above a configured
// salience threshold before anything reaches the observation store.
package gdelt

import (
	"strconv"
	"strings"
	"time"

	"github.com/sofia-pulse/pulse/internal/obs"
)

const dayLayout = "20060102"

// exportHeader names the 61 columns of a GDELT 2.0 export file, which ships
// tab-separated without a header row.
var exportHeader = []string{
	"GlobalEventID", "Day", "MonthYear", "Year", "FractionDate",
	"Actor1Code", "Actor1Name", "Actor1CountryCode", "Actor1KnownGroupCode",
	"Actor1EthnicCode", "Actor1Religion1Code", "Actor1Religion2Code",
	"Actor1Type1Code", "Actor1Type2Code", "Actor1Type3Code",
	"Actor2Code", "Actor2Name", "Actor2CountryCode", "Actor2KnownGroupCode",
	"Actor2EthnicCode", "Actor2Religion1Code", "Actor2Religion2Code",
	"Actor2Type1Code", "Actor2Type2Code", "Actor2Type3Code",
	"IsRootEvent", "EventCode", "EventBaseCode", "EventRootCode", "QuadClass",
	"GoldsteinScale", "NumMentions", "NumSources", "NumArticles", "AvgTone",
	"Actor1Geo_Type", "Actor1Geo_Fullname", "Actor1Geo_CountryCode",
	"Actor1Geo_ADM1Code", "Actor1Geo_ADM2Code", "Actor1Geo_Lat",
	"Actor1Geo_Long", "Actor1Geo_FeatureID",
	"Actor2Geo_Type", "Actor2Geo_Fullname", "Actor2Geo_CountryCode",
	"Actor2Geo_ADM1Code", "Actor2Geo_ADM2Code", "Actor2Geo_Lat",
	"Actor2Geo_Long", "Actor2Geo_FeatureID",
	"ActionGeo_Type", "ActionGeo_Fullname", "ActionGeo_CountryCode",
	"ActionGeo_ADM1Code", "ActionGeo_ADM2Code", "ActionGeo_Lat",
	"ActionGeo_Long", "ActionGeo_FeatureID",
	"DateAdded", "SourceURL",
}

// Row carries the export columns the adapter consumes. Numerics stay as
// strings: GDELT leaves fields empty routinely and empty must map to NULL,
// never zero.
type Row struct {
	GlobalEventID  string `csv:"GlobalEventID"`
	Day            string `csv:"Day"`
	Actor1Name     string `csv:"Actor1Name"`
	Actor2Name     string `csv:"Actor2Name"`
	EventCode      string `csv:"EventCode"`
	EventRootCode  string `csv:"EventRootCode"`
	QuadClass      string `csv:"QuadClass"`
	GoldsteinScale string `csv:"GoldsteinScale"`
	NumMentions    string `csv:"NumMentions"`
	NumArticles    string `csv:"NumArticles"`
	AvgTone        string `csv:"AvgTone"`

	Actor1GeoFullname string `csv:"Actor1Geo_Fullname"`
	Actor1GeoLat      string `csv:"Actor1Geo_Lat"`
	Actor1GeoLong     string `csv:"Actor1Geo_Long"`

	ActionGeoFullname string `csv:"ActionGeo_Fullname"`
	ActionGeoLat      string `csv:"ActionGeo_Lat"`
	ActionGeoLong     string `csv:"ActionGeo_Long"`

	DateAdded string `csv:"DateAdded"`
	SourceURL string `csv:"SourceURL"`
}

// RootCode parses the CAMEO root code, or 0 when absent/garbled.
func (r *Row) RootCode() int {
	code, err := strconv.Atoi(strings.TrimSpace(r.EventRootCode))
	if err != nil {
		return 0
	}
	return code
}

// CategorizeRoot maps a CAMEO root code to the canonical category. Only
// codes 14-20 survive the default salience filter.
func CategorizeRoot(root int) obs.Category {
	switch root {
	case 14:
		return obs.CategoryProtest
	case 15, 16:
		return obs.CategoryUnrest
	case 17, 18, 19, 20:
		return obs.CategoryViolence
	default:
		return obs.CategoryOther
	}
}

// CountryFromFullname extracts the country component of a GDELT geo fullname
// such as "Buenos Aires, Distrito Federal, Argentina". GDELT geo country
// codes are FIPS, not ISO, so resolution goes through the free-text name.
func CountryFromFullname(fullname string) string {
	fullname = strings.TrimSpace(fullname)
	if fullname == "" {
		return ""
	}
	parts := strings.Split(fullname, ",")
	return strings.TrimSpace(parts[len(parts)-1])
}

func parseDay(s string) (time.Time, bool) {
	t, err := time.Parse(dayLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, false
	}
	return t.UTC(), true
}

func parseFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
