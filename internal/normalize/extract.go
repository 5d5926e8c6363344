package normalize

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"fleet-monitor/correlation/internal/domain"
)

var (
	isoDateTime = regexp.MustCompile(`(\d{4})-(\d{1,2})-(\d{1,2})[ T](\d{1,2}):(\d{2})(?::(\d{2}))?`)
	dmyDateTime = regexp.MustCompile(`(\d{1,2})/(\d{1,2})/(\d{4}),?\s+(\d{1,2}):(\d{2})(?::(\d{2}))?`)

	coordPair  = regexp.MustCompile(`(-?\d{1,3}\.\d{3,})\s*,\s*(-?\d{1,3}\.\d{3,})`)
	sltaMarker = regexp.MustCompile(`(?i)\bSLTA\s*[:=]?\s*\(?([SLTA])\)?(?:\b|$)`)
)

// ExtractTimestamp finds the first parseable date-time token in text.
// Tokens are read as wall-clock time in loc.
func ExtractTimestamp(text string, loc *time.Location) (time.Time, bool) {
	for _, m := range isoDateTime.FindAllStringSubmatch(text, -1) {
		if t, ok := buildTime(m[1], m[2], m[3], m[4], m[5], m[6], loc); ok {
			return t, true
		}
	}
	for _, m := range dmyDateTime.FindAllStringSubmatch(text, -1) {
		if t, ok := buildTime(m[3], m[2], m[1], m[4], m[5], m[6], loc); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func buildTime(year, month, day, hour, minute, second string, loc *time.Location) (time.Time, bool) {
	y, _ := strconv.Atoi(year)
	mo, _ := strconv.Atoi(month)
	d, _ := strconv.Atoi(day)
	h, _ := strconv.Atoi(hour)
	mi, _ := strconv.Atoi(minute)
	s := 0
	if second != "" {
		s, _ = strconv.Atoi(second)
	}
	if mo < 1 || mo > 12 || d < 1 || d > 31 || h > 23 || mi > 59 || s > 59 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(mo), d, h, mi, s, 0, loc)
	// time.Date normalizes 31 Feb into March; reject instead.
	if t.Day() != d || int(t.Month()) != mo {
		return time.Time{}, false
	}
	return t, true
}

var fieldTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

func parseFieldTime(s string, loc *time.Location) (time.Time, bool) {
	for _, layout := range fieldTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return ExtractTimestamp(s, loc)
}

// ExtractPosition reads the first "lat, lon" pair in text.
func ExtractPosition(text string) (domain.Point, bool) {
	for _, m := range coordPair.FindAllStringSubmatch(text, -1) {
		lat, err1 := strconv.ParseFloat(m[1], 64)
		lon, err2 := strconv.ParseFloat(m[2], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		if p, ok := validPoint(lat, lon); ok {
			return p, true
		}
	}
	return domain.Point{}, false
}

func validPoint(lat, lon float64) (domain.Point, bool) {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return domain.Point{}, false
	}
	if lat == 0 && lon == 0 {
		return domain.Point{}, false
	}
	if math.Abs(lat) > 90 || math.Abs(lon) > 180 {
		return domain.Point{}, false
	}
	return domain.Point{Lat: lat, Lon: lon}, true
}

func extractClass(text string) domain.GeofenceClass {
	m := sltaMarker.FindStringSubmatch(text)
	if m == nil {
		return domain.ClassNone
	}
	return domain.ParseGeofenceClass(strings.ToUpper(m[1]))
}
