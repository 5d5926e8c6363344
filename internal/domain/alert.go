package domain

import "time"

type Source string

const (
	SourcePoll Source = "poll"
	SourcePush Source = "push"
)

// RawAlert is a producer payload as it arrived, before any field reconciliation.
type RawAlert struct {
	Fields     map[string]any
	Source     Source
	ReceivedAt time.Time
}

type GeofenceClass string

const (
	ClassNone     GeofenceClass = ""
	ClassSucursal GeofenceClass = "S"
	ClassLocal    GeofenceClass = "L"
	ClassTaller   GeofenceClass = "T"
	ClassAgencia  GeofenceClass = "A"
)

func ParseGeofenceClass(s string) GeofenceClass {
	switch GeofenceClass(s) {
	case ClassSucursal, ClassLocal, ClassTaller, ClassAgencia:
		return GeofenceClass(s)
	default:
		return ClassNone
	}
}

type GeofenceKind string

const (
	KindPolygon GeofenceKind = "polygon"
	KindRoute   GeofenceKind = "route"
)

type DetectedGeofence struct {
	ID   string       `json:"id"`
	Name string       `json:"name"`
	Kind GeofenceKind `json:"kind"`
}

type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// NormalizedAlert is never mutated after creation; enrichment returns a copy.
type NormalizedAlert struct {
	ID      string `json:"id,omitempty"`
	Unit    string `json:"unit"`
	Type    string `json:"type"`
	Message string `json:"message"`

	// Comparison copies: accents stripped, upper-cased, URLs removed.
	TypeKey    string `json:"typeKey"`
	MessageKey string `json:"-"`

	Source     Source    `json:"source"`
	ReceivedAt time.Time `json:"receivedAt"`
	IncidentAt time.Time `json:"incidentAt"`

	Position          *Point             `json:"position,omitempty"`
	GeofenceClass     GeofenceClass      `json:"geofenceClass,omitempty"`
	DetectedGeofences []DetectedGeofence `json:"detectedGeofences,omitempty"`
}

func (a NormalizedAlert) HasID() bool {
	return a.ID != ""
}

// WithGeofences returns a copy of a carrying the detected geofences. The
// class is only applied when the alert does not already carry one.
func (a NormalizedAlert) WithGeofences(detected []DetectedGeofence, class GeofenceClass) NormalizedAlert {
	out := a
	out.DetectedGeofences = append([]DetectedGeofence(nil), detected...)
	if out.GeofenceClass == ClassNone {
		out.GeofenceClass = class
	}
	return out
}
