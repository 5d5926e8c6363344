package normalize

import (
	"encoding/json"
	"strconv"
	"strings"
)

type field int

const (
	fieldID field = iota
	fieldUnit
	fieldType
	fieldMessage
	fieldIncidentAt
	fieldReceivedAt
	fieldLat
	fieldLon
	fieldGeofenceClass
)

// Alias sets observed across the poll and push producers. The first
// non-blank alias wins.
var fieldAliases = map[field][]string{
	fieldID:            {"id", "alertaId", "alerta_id", "alertId", "alert_id"},
	fieldUnit:          {"unidad", "unitName", "unit_name", "unit", "vehiculo", "economico"},
	fieldType:          {"tipo", "tipoAlerta", "tipo_alerta", "alertType", "alert_type", "type"},
	fieldMessage:       {"mensaje", "message", "msg", "body", "descripcion", "texto"},
	fieldIncidentAt:    {"fechaIncidente", "fecha_incidente", "incidentAt", "incident_at", "fechaHora", "fecha"},
	fieldReceivedAt:    {"fechaRecepcion", "fecha_recepcion", "fechaRecibido", "receivedAt", "received_at"},
	fieldLat:           {"lat", "latitud", "latitude"},
	fieldLon:           {"lon", "lng", "longitud", "longitude"},
	fieldGeofenceClass: {"slta", "SLTA", "geofenceClass", "tipoGeocerca"},
}

func lookupString(fields map[string]any, f field) string {
	for _, key := range fieldAliases[f] {
		v, ok := fields[key]
		if !ok || v == nil {
			continue
		}
		if s := strings.TrimSpace(stringify(v)); s != "" {
			return s
		}
	}
	return ""
}

func lookupFloat(fields map[string]any, f field) (float64, bool) {
	for _, key := range fieldAliases[f] {
		switch v := fields[key].(type) {
		case float64:
			return v, true
		case json.Number:
			if n, err := v.Float64(); err == nil {
				return n, true
			}
		case string:
			if n, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}
