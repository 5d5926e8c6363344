package geofence

import (
	"errors"
	"math"

	"github.com/paulmach/orb"
)

const EarthRadiusM = 6371000.0

// ErrMalformedRing is returned when a ring that should have been rejected at
// load time reaches the matcher.
var ErrMalformedRing = errors.New("geofence: malformed ring")

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}

// Haversine returns the great-circle distance in meters between two
// [lon, lat] points.
func Haversine(a, b orb.Point) float64 {
	lat1, lat2 := toRad(a.Lat()), toRad(b.Lat())
	dLat := lat2 - lat1
	dLon := toRad(b.Lon() - a.Lon())

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusM * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// ringContains applies the odd-even rule with a horizontal ray from p.
func ringContains(ring orb.Ring, p orb.Point) (bool, error) {
	n := len(ring)
	if n < 4 {
		return false, ErrMalformedRing
	}

	x, y := p.X(), p.Y()
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := ring[i].X(), ring[i].Y()
		xj, yj := ring[j].X(), ring[j].Y()
		if (yi > y) != (yj > y) && x < (xj-xi)*(y-yi)/(yj-yi)+xi {
			inside = !inside
		}
	}
	return inside, nil
}

// segmentDistance is the haversine distance from p to the closest point of
// segment a-b. The closest point is located on a local equirectangular
// projection centred on p, which is accurate at route-proximity scales.
func segmentDistance(p, a, b orb.Point) float64 {
	cosLat := math.Cos(toRad(p.Lat()))
	project := func(q orb.Point) (float64, float64) {
		return (q.Lon() - p.Lon()) * cosLat, q.Lat() - p.Lat()
	}

	ax, ay := project(a)
	bx, by := project(b)
	dx, dy := bx-ax, by-ay

	lenSq := dx*dx + dy*dy
	if lenSq == 0 {
		return Haversine(p, a)
	}

	t := -(ax*dx + ay*dy) / lenSq
	t = math.Max(0, math.Min(1, t))

	closest := orb.Point{
		a.Lon() + t*(b.Lon()-a.Lon()),
		a.Lat() + t*(b.Lat()-a.Lat()),
	}
	return Haversine(p, closest)
}

func lineDistance(line orb.LineString, p orb.Point, strategy Strategy) float64 {
	best := math.Inf(1)
	if strategy == StrategyVertex || len(line) == 1 {
		for _, v := range line {
			best = math.Min(best, Haversine(p, v))
		}
		return best
	}
	for i := 0; i+1 < len(line); i++ {
		best = math.Min(best, segmentDistance(p, line[i], line[i+1]))
	}
	return best
}
