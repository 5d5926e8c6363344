package geofence

import (
	"math"

	"github.com/paulmach/orb"

	"fleet-monitor/correlation/internal/domain"
)

func finite(p orb.Point) bool {
	return !math.IsNaN(p[0]) && !math.IsNaN(p[1]) && !math.IsInf(p[0], 0) && !math.IsInf(p[1], 0)
}

// closeRing drops non-finite vertices and closes the ring. Rings with fewer
// than three distinct vertices are rejected. No other repair is attempted.
func closeRing(in orb.Ring) (orb.Ring, bool) {
	ring := make(orb.Ring, 0, len(in)+1)
	for _, p := range in {
		if finite(p) {
			ring = append(ring, p)
		}
	}
	if len(ring) > 1 && ring[0] == ring[len(ring)-1] {
		ring = ring[:len(ring)-1]
	}

	distinct := make(map[orb.Point]struct{}, len(ring))
	for _, p := range ring {
		distinct[p] = struct{}{}
	}
	if len(distinct) < 3 {
		return nil, false
	}
	return append(ring, ring[0]), true
}

// SanitizePolygons returns only polygons with at least one valid ring, with
// their bounds filled in. The second value counts dropped rings.
func SanitizePolygons(in []domain.GeofencePolygon) ([]domain.GeofencePolygon, int) {
	out := make([]domain.GeofencePolygon, 0, len(in))
	dropped := 0
	for _, poly := range in {
		var rings []orb.Ring
		for _, r := range poly.Rings {
			closed, ok := closeRing(r)
			if !ok {
				dropped++
				continue
			}
			rings = append(rings, closed)
		}
		if len(rings) == 0 {
			continue
		}
		bound := rings[0].Bound()
		for _, r := range rings[1:] {
			bound = bound.Union(r.Bound())
		}
		out = append(out, domain.GeofencePolygon{
			ID:    poly.ID,
			Name:  poly.Name,
			Rings: rings,
			Bound: bound,
		})
	}
	return out, dropped
}

// SanitizeLines drops non-finite points and lines left with fewer than two.
func SanitizeLines(in []domain.GeofenceLine) ([]domain.GeofenceLine, int) {
	out := make([]domain.GeofenceLine, 0, len(in))
	dropped := 0
	for _, line := range in {
		pts := make(orb.LineString, 0, len(line.Points))
		for _, p := range line.Points {
			if finite(p) {
				pts = append(pts, p)
			}
		}
		if len(pts) < 2 {
			dropped++
			continue
		}
		out = append(out, domain.GeofenceLine{ID: line.ID, Name: line.Name, Points: pts})
	}
	return out, dropped
}
