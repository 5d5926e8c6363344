// Package normalize reconciles raw poll and push payloads into NormalizedAlert values.
package normalize

import (
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"fleet-monitor/correlation/internal/domain"
	"fleet-monitor/correlation/internal/metrics"
)

// ErrMalformed marks a payload missing unit, type or message.
var ErrMalformed = errors.New("normalize: malformed alert")

type Normalizer struct {
	loc    *time.Location
	logger *zap.Logger
}

func New(loc *time.Location, logger *zap.Logger) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Normalizer{loc: loc, logger: logger}
}

// Normalize returns ErrMalformed for payloads that must be dropped. Callers
// drop those silently; they are not reported upstream.
func (n *Normalizer) Normalize(raw domain.RawAlert) (domain.NormalizedAlert, error) {
	metrics.AlertsReceived.WithLabelValues(string(raw.Source)).Inc()

	unit := lookupString(raw.Fields, fieldUnit)
	typ := lookupString(raw.Fields, fieldType)
	msg := lookupString(raw.Fields, fieldMessage)
	if unit == "" || typ == "" || msg == "" {
		metrics.AlertsDropped.WithLabelValues(string(raw.Source)).Inc()
		n.logger.Debug("dropping malformed alert",
			zap.String("source", string(raw.Source)),
			zap.Bool("has_unit", unit != ""),
			zap.Bool("has_type", typ != ""),
			zap.Bool("has_message", msg != ""),
		)
		return domain.NormalizedAlert{}, ErrMalformed
	}

	// The producer's receipt time is stable across re-polls; local arrival
	// time is not.
	receivedAt := raw.ReceivedAt
	if t, ok := parseFieldTime(lookupString(raw.Fields, fieldReceivedAt), n.loc); ok {
		receivedAt = t
	}
	if receivedAt.IsZero() {
		receivedAt = time.Now()
	}

	alert := domain.NormalizedAlert{
		ID:         lookupString(raw.Fields, fieldID),
		Unit:       unit,
		Type:       typ,
		Message:    msg,
		TypeKey:    ComparisonKey(typ),
		MessageKey: ComparisonKey(msg),
		Source:     raw.Source,
		ReceivedAt: receivedAt,
		IncidentAt: n.incidentAt(raw.Fields, msg, receivedAt),
	}

	if p, ok := n.position(raw.Fields, msg); ok {
		alert.Position = &p
	}

	alert.GeofenceClass = domain.ParseGeofenceClass(strings.ToUpper(lookupString(raw.Fields, fieldGeofenceClass)))
	if alert.GeofenceClass == domain.ClassNone {
		alert.GeofenceClass = extractClass(msg)
	}

	return alert, nil
}

// incidentAt prefers a timestamp embedded in the message, then an explicit
// incident field, then the receipt time.
func (n *Normalizer) incidentAt(fields map[string]any, msg string, receivedAt time.Time) time.Time {
	if t, ok := ExtractTimestamp(msg, n.loc); ok {
		return t
	}
	if s := lookupString(fields, fieldIncidentAt); s != "" {
		if t, ok := parseFieldTime(s, n.loc); ok {
			return t
		}
	}
	return receivedAt
}

func (n *Normalizer) position(fields map[string]any, msg string) (domain.Point, bool) {
	lat, okLat := lookupFloat(fields, fieldLat)
	lon, okLon := lookupFloat(fields, fieldLon)
	if okLat && okLon {
		if p, ok := validPoint(lat, lon); ok {
			return p, true
		}
	}
	return ExtractPosition(msg)
}
