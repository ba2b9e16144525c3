// Package acled ingests ACLED political-violence events, from the
// authenticated HTTP API or from regional aggregated file drops, and upserts
// them as canonical observations.
package acled

import (
	"strconv"
	"strings"
	"time"

	"github.com/sofia-pulse/pulse/internal/obs"
)

const dateLayout = "2006-01-02"

// Row is one ACLED record. The API returns JSON with string-typed numerics;
// the same shape decodes from CSV drops via the csv tags.
type Row struct {
	EventIDCnty  string `json:"event_id_cnty" csv:"event_id_cnty"`
	EventDate    string `json:"event_date" csv:"event_date"`
	Year         string `json:"year" csv:"year"`
	EventType    string `json:"event_type" csv:"event_type"`
	SubEventType string `json:"sub_event_type" csv:"sub_event_type"`
	Actor1       string `json:"actor1" csv:"actor1"`
	Actor2       string `json:"actor2" csv:"actor2"`
	Country      string `json:"country" csv:"country"`
	Admin1       string `json:"admin1" csv:"admin1"`
	Location     string `json:"location" csv:"location"`
	Latitude     string `json:"latitude" csv:"latitude"`
	Longitude    string `json:"longitude" csv:"longitude"`
	Fatalities   string `json:"fatalities" csv:"fatalities"`
	Notes        string `json:"notes" csv:"notes"`
	SourceName   string `json:"source" csv:"source"`
}

// Sub-event overrides take precedence over the event-type mapping.
var subEventCategories = map[string]obs.Category{
	"peaceful protest":                   obs.CategoryProtest,
	"protest with intervention":          obs.CategoryProtest,
	"excessive force against protesters": obs.CategoryViolence,
	"mob violence":                       obs.CategoryViolence,
	"violent demonstration":              obs.CategoryUnrest,
}

var eventTypeCategories = map[string]obs.Category{
	"battles":                    obs.CategoryViolence,
	"explosions/remote violence": obs.CategoryViolence,
	"violence against civilians": obs.CategoryViolence,
	"protests":                   obs.CategoryProtest,
	"riots":                      obs.CategoryUnrest,
	"strategic developments":     obs.CategoryOther,
}

// Categorize maps event_type + sub_event_type to the canonical category.
func Categorize(eventType, subEventType string) obs.Category {
	if c, ok := subEventCategories[strings.ToLower(strings.TrimSpace(subEventType))]; ok {
		return c
	}
	if c, ok := eventTypeCategories[strings.ToLower(strings.TrimSpace(eventType))]; ok {
		return c
	}
	return obs.CategoryOther
}

func parseDate(s string) (time.Time, bool) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
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
