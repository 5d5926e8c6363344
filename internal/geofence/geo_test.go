package geofence

import (
	"errors"
	"math"
	"testing"

	"github.com/paulmach/orb"
)

func TestHaversineKnownDistance(t *testing.T) {
	// One degree of latitude on a 6,371 km sphere.
	got := Haversine(orb.Point{0, 0}, orb.Point{0, 1})
	want := 2 * math.Pi * EarthRadiusM / 360
	if math.Abs(got-want) > 0.01 {
		t.Fatalf("Haversine = %.3f, want %.3f", got, want)
	}
	if Haversine(orb.Point{-99.13, 19.43}, orb.Point{-99.13, 19.43}) != 0 {
		t.Fatalf("distance to self should be zero")
	}
}

func TestRingContainsSquare(t *testing.T) {
	square := orb.Ring{{0, 0}, {0, 10}, {10, 10}, {10, 0}, {0, 0}}

	tests := []struct {
		p    orb.Point
		want bool
	}{
		{orb.Point{5, 5}, true},
		{orb.Point{15, 15}, false},
		{orb.Point{-1, 5}, false},
		{orb.Point{9.99, 0.01}, true},
	}
	for _, tt := range tests {
		got, err := ringContains(square, tt.p)
		if err != nil {
			t.Fatalf("ringContains error: %v", err)
		}
		if got != tt.want {
			t.Fatalf("ringContains(%v) = %v, want %v", tt.p, got, tt.want)
		}
	}
}

func TestRingContainsConcave(t *testing.T) {
	// U shape: the notch between x=4 and x=6 above y=2 is outside.
	u := orb.Ring{{0, 0}, {10, 0}, {10, 10}, {6, 10}, {6, 2}, {4, 2}, {4, 10}, {0, 10}, {0, 0}}
	if in, _ := ringContains(u, orb.Point{5, 5}); in {
		t.Fatalf("point in notch should be outside")
	}
	if in, _ := ringContains(u, orb.Point{2, 5}); !in {
		t.Fatalf("point in left arm should be inside")
	}
}

func TestRingContainsMalformed(t *testing.T) {
	_, err := ringContains(orb.Ring{{0, 0}, {1, 1}, {0, 0}}, orb.Point{0.5, 0.5})
	if !errors.Is(err, ErrMalformedRing) {
		t.Fatalf("expected ErrMalformedRing, got %v", err)
	}
}

func TestLineDistanceStrategies(t *testing.T) {
	// Long east-west segment along the equator; the point sits 50 m north of
	// its midpoint, far from either vertex.
	line := orb.LineString{{0, 0}, {0.1, 0}}
	north := 50 / (2 * math.Pi * EarthRadiusM / 360)
	p := orb.Point{0.05, north}

	seg := lineDistance(line, p, StrategySegment)
	if math.Abs(seg-50) > 0.5 {
		t.Fatalf("segment distance = %.2f, want ~50", seg)
	}

	vertex := lineDistance(line, p, StrategyVertex)
	if vertex < 5000 {
		t.Fatalf("vertex distance = %.2f, want > 5km", vertex)
	}
}

func TestSegmentDistanceClampsToEndpoints(t *testing.T) {
	a, b := orb.Point{0, 0}, orb.Point{0.01, 0}
	p := orb.Point{0.02, 0}
	if got, want := segmentDistance(p, a, b), Haversine(p, b); math.Abs(got-want) > 1e-6 {
		t.Fatalf("segmentDistance = %v, want %v", got, want)
	}
	if got, want := segmentDistance(p, a, a), Haversine(p, a); got != want {
		t.Fatalf("degenerate segment = %v, want %v", got, want)
	}
}

func TestParseStrategy(t *testing.T) {
	if s, err := ParseStrategy("vertex"); err != nil || s != StrategyVertex {
		t.Fatalf("ParseStrategy(vertex) = %v, %v", s, err)
	}
	if _, err := ParseStrategy("closest"); err == nil {
		t.Fatalf("expected error for unknown strategy")
	}
}
