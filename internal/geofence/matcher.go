package geofence

import (
	"sort"

	"go.uber.org/zap"

	"fleet-monitor/correlation/internal/domain"
	"fleet-monitor/correlation/internal/metrics"
)

type RouteMatch struct {
	Route     domain.DetectedGeofence `json:"route"`
	DistanceM float64                 `json:"distanceM"`
}

// Matcher runs containment and proximity tests over a Cache. Queries against
// an unloaded cache return no matches.
type Matcher struct {
	cache  *Cache
	logger *zap.Logger
}

func NewMatcher(cache *Cache, logger *zap.Logger) *Matcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Matcher{cache: cache, logger: logger}
}

func (m *Matcher) Cache() *Cache {
	return m.cache
}

// PolygonsContaining returns every polygon containing p. Producers are not
// consistent about coordinate order, so when nothing matches the test is
// repeated with latitude and longitude transposed.
func (m *Matcher) PolygonsContaining(p domain.Point) []domain.DetectedGeofence {
	polygons := m.cache.Polygons()
	if len(polygons) == 0 {
		return nil
	}
	if found := m.containing(polygons, p); len(found) > 0 {
		return found
	}
	return m.containing(polygons, p.Swapped())
}

func (m *Matcher) containing(polygons []domain.GeofencePolygon, p domain.Point) []domain.DetectedGeofence {
	pt := p.Orb()
	var found []domain.DetectedGeofence
	for _, poly := range polygons {
		if !poly.Bound.IsZero() && !poly.Bound.Contains(pt) {
			continue
		}
		for _, ring := range poly.Rings {
			inside, err := ringContains(ring, pt)
			if err != nil {
				metrics.GeofenceMalformed.WithLabelValues("match").Inc()
				m.logger.Error("skipping polygon with malformed ring",
					zap.String("geofence_id", poly.ID),
					zap.Int("ring_points", len(ring)),
					zap.Error(err),
				)
				break
			}
			if inside {
				found = append(found, domain.DetectedGeofence{ID: poly.ID, Name: poly.Name, Kind: domain.KindPolygon})
				break
			}
		}
	}
	return found
}

// RoutesNear returns routes within policy.RadiusM of p, nearest first.
func (m *Matcher) RoutesNear(p domain.Point, policy RoutePolicy) []RouteMatch {
	lines := m.cache.Lines()
	if len(lines) == 0 {
		return nil
	}

	pt := p.Orb()
	var out []RouteMatch
	for _, line := range lines {
		d := lineDistance(line.Points, pt, policy.Strategy)
		if d <= policy.RadiusM {
			out = append(out, RouteMatch{
				Route:     domain.DetectedGeofence{ID: line.ID, Name: line.Name, Kind: domain.KindRoute},
				DistanceM: d,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DistanceM < out[j].DistanceM })
	return out
}
