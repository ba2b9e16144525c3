// Package obs defines the canonical security observation and its store. One
// row exists per (source, source_event_id); both adapters write through the
// same upsert contract.
package obs

import (
	"fmt"
	"math"
	"time"
)

type Source string

const (
	SourceACLED       Source = "ACLED"
	SourceGDELT       Source = "GDELT"
	SourceACLEDLegacy Source = "ACLED_LEGACY"
)

type Category string

const (
	CategoryViolence Category = "violence"
	CategoryProtest  Category = "protest"
	CategoryUnrest   Category = "unrest"
	CategoryDisaster Category = "disaster"
	CategoryOther    Category = "other"
)

// Observation is the canonical per-event row. Source-specific fields that do
// not generalize live in Extras.
type Observation struct {
	Source         Source
	SourceEventID  string
	EventTimeStart time.Time
	EventTimeEnd   time.Time
	CountryCode    *string
	CountryNameRaw string
	Latitude       *float64
	Longitude      *float64
	Category       Category
	Severity       *float64
	Extras         map[string]any
}

func (o *Observation) Validate() error {
	if o.Source == "" {
		return fmt.Errorf("observation source is required")
	}
	if o.SourceEventID == "" {
		return fmt.Errorf("observation source event id is required")
	}
	if o.EventTimeStart.IsZero() {
		return fmt.Errorf("observation event time is required")
	}
	if o.EventTimeEnd.Before(o.EventTimeStart) {
		return fmt.Errorf("observation event end %s precedes start %s", o.EventTimeEnd, o.EventTimeStart)
	}
	if o.Latitude != nil && (*o.Latitude < -90 || *o.Latitude > 90) {
		return fmt.Errorf("latitude %v out of range", *o.Latitude)
	}
	if o.Longitude != nil && (*o.Longitude < -180 || *o.Longitude > 180) {
		return fmt.Errorf("longitude %v out of range", *o.Longitude)
	}
	return nil
}

// SchemaError marks a source row that fails its mapping contract. The row is
// routed to the dead-letter table and the batch continues.
type SchemaError struct {
	RowRef string
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema error in row %s, field %s: %s", e.RowRef, e.Field, e.Reason)
}

func NewSchemaError(rowRef, field, reason string) *SchemaError {
	return &SchemaError{RowRef: rowRef, Field: field, Reason: reason}
}

// FloatOrNil converts a parsed numeric to a nullable severity/coordinate
// value. NaN and infinities become nil, never 0, so they cannot contaminate
// aggregate sums.
func FloatOrNil(v float64, ok bool) *float64 {
	if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
