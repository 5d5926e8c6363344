package geofence

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/paulmach/orb"

	"fleet-monitor/correlation/internal/domain"
)

func loadedMatcher(t *testing.T, src *fakeSource) *Matcher {
	t.Helper()
	cache := NewCache(src, src, nil)
	if err := cache.EnsureLoaded(context.Background()); err != nil {
		t.Fatalf("EnsureLoaded error: %v", err)
	}
	return NewMatcher(cache, nil)
}

func TestPolygonContainmentRoundTrip(t *testing.T) {
	m := loadedMatcher(t, squareSource())

	got := m.PolygonsContaining(domain.Point{Lat: 5, Lon: 5})
	want := []domain.DetectedGeofence{{ID: "p1", Name: "S-Sucursal Centro", Kind: domain.KindPolygon}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("containment mismatch (-want +got):\n%s", diff)
	}

	if got := m.PolygonsContaining(domain.Point{Lat: 15, Lon: 15}); len(got) != 0 {
		t.Fatalf("expected no match for (15,15), got %v", got)
	}
}

func TestPolygonContainmentSwapFallback(t *testing.T) {
	// Thin strip: lon 0..10, lat 0..2.
	src := &fakeSource{polygons: []domain.GeofencePolygon{{
		ID:    "strip",
		Name:  "Patio",
		Rings: []orb.Ring{{{0, 0}, {0, 2}, {10, 2}, {10, 0}, {0, 0}}},
	}}}
	m := loadedMatcher(t, src)

	// Lat/lon delivered transposed by the producer.
	got := m.PolygonsContaining(domain.Point{Lat: 8, Lon: 1})
	if len(got) != 1 || got[0].ID != "strip" {
		t.Fatalf("expected swap fallback to match strip, got %v", got)
	}
}

func TestPolygonContainmentCollectsAll(t *testing.T) {
	src := &fakeSource{polygons: []domain.GeofencePolygon{
		{ID: "a", Rings: []orb.Ring{{{0, 0}, {0, 10}, {10, 10}, {10, 0}, {0, 0}}}},
		{ID: "b", Rings: []orb.Ring{{{4, 4}, {4, 6}, {6, 6}, {6, 4}, {4, 4}}}},
		{ID: "c", Rings: []orb.Ring{
			{{50, 50}, {50, 51}, {51, 51}, {51, 50}, {50, 50}},
			{{3, 3}, {3, 7}, {7, 7}, {7, 3}, {3, 3}},
		}},
	}}
	m := loadedMatcher(t, src)

	got := m.PolygonsContaining(domain.Point{Lat: 5, Lon: 5})
	var ids []string
	for _, g := range got {
		ids = append(ids, g.ID)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, ids); diff != "" {
		t.Fatalf("ids mismatch (-want +got):\n%s", diff)
	}
}

func TestMalformedRingSkipsOnlyThatPolygon(t *testing.T) {
	cache := NewCache(&fakeSource{}, &fakeSource{}, nil)
	cache.polygons = []domain.GeofencePolygon{
		{ID: "bad", Rings: []orb.Ring{{{0, 0}, {10, 10}, {0, 0}}}},
		{ID: "good", Rings: []orb.Ring{{{0, 0}, {0, 10}, {10, 10}, {10, 0}, {0, 0}}}},
	}
	cache.state = StateLoaded
	m := NewMatcher(cache, nil)

	got := m.PolygonsContaining(domain.Point{Lat: 5, Lon: 5})
	if len(got) != 1 || got[0].ID != "good" {
		t.Fatalf("expected only good polygon, got %v", got)
	}
}

func TestUnloadedCacheMatchesNothing(t *testing.T) {
	m := NewMatcher(NewCache(squareSource(), squareSource(), nil), nil)
	if got := m.PolygonsContaining(domain.Point{Lat: 5, Lon: 5}); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
	if got := m.RoutesNear(domain.Point{Lat: 0, Lon: 20}, AlertPolicy(100, StrategySegment)); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

func TestRoutesNearPolicies(t *testing.T) {
	m := loadedMatcher(t, squareSource())

	// ~1.1 km north of the route midpoint.
	p := domain.Point{Lat: 0.01, Lon: 20.05}

	if got := m.RoutesNear(p, AlertPolicy(100, StrategySegment)); len(got) != 0 {
		t.Fatalf("alert policy should not match at ~1.1km, got %v", got)
	}
	got := m.RoutesNear(p, TrackingPolicy(3000, StrategySegment))
	if len(got) != 1 || got[0].Route.ID != "r1" {
		t.Fatalf("tracking policy should match r1, got %v", got)
	}
	if got[0].DistanceM < 1000 || got[0].DistanceM > 1200 {
		t.Fatalf("unexpected distance %.1f", got[0].DistanceM)
	}
	if got := m.RoutesNear(p, TrackingPolicy(3000, StrategyVertex)); len(got) != 0 {
		t.Fatalf("vertex strategy should miss (vertices ~5.5km away), got %v", got)
	}
}

func TestEnricher(t *testing.T) {
	m := loadedMatcher(t, squareSource())
	e := NewEnricher(m, AlertPolicy(100, StrategySegment), nil)

	alert := domain.NormalizedAlert{Unit: "ECO-1", Type: "Parada", Position: &domain.Point{Lat: 5, Lon: 5}}
	got := e.Enrich(context.Background(), alert)
	if len(got.DetectedGeofences) != 1 || got.DetectedGeofences[0].ID != "p1" {
		t.Fatalf("unexpected geofences %v", got.DetectedGeofences)
	}
	if got.GeofenceClass != domain.ClassSucursal {
		t.Fatalf("expected class from name prefix, got %q", got.GeofenceClass)
	}
	if alert.DetectedGeofences != nil {
		t.Fatalf("input alert was mutated")
	}

	noPos := domain.NormalizedAlert{Unit: "ECO-1"}
	if got := e.Enrich(context.Background(), noPos); got.DetectedGeofences != nil {
		t.Fatalf("alert without position should not be enriched")
	}
}

func TestEnricherTriggersBackgroundLoad(t *testing.T) {
	src := squareSource()
	cache := NewCache(src, src, nil)
	e := NewEnricher(NewMatcher(cache, nil), AlertPolicy(100, StrategySegment), nil)

	alert := domain.NormalizedAlert{Unit: "ECO-1", Position: &domain.Point{Lat: 5, Lon: 5}}
	if got := e.Enrich(context.Background(), alert); got.DetectedGeofences != nil {
		t.Fatalf("expected no enrichment before load")
	}

	deadline := time.Now().Add(2 * time.Second)
	for !cache.Loaded() {
		if time.Now().After(deadline) {
			t.Fatalf("background load did not complete")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := e.Enrich(context.Background(), alert); len(got.DetectedGeofences) != 1 {
		t.Fatalf("expected enrichment after load, got %v", got.DetectedGeofences)
	}
}

func TestHTTPSourceDecodesBothShapes(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/geocercas", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"type":"FeatureCollection","features":[
			{"type":"Feature","id":"g1","properties":{"name":"T-Taller"},
			 "geometry":{"type":"Polygon","coordinates":[[[0,0],[0,10],[10,10],[10,0],[0,0]]]}}]}`))
	})
	mux.HandleFunc("/geocercas-plain", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[{"id":7,"nombre":"Patio","ring":[[0,0],[0,1],[1,1],[1,0]]}]}`))
	})
	mux.HandleFunc("/rutas", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"id":"r1","name":"Ruta 1","points":[{"lat":0,"lon":20},{"lat":0,"lng":20.1}]}]`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	src := NewHTTPSource(srv.URL+"/geocercas", srv.URL+"/rutas", "")
	polygons, err := src.FetchPolygons(context.Background())
	if err != nil {
		t.Fatalf("FetchPolygons error: %v", err)
	}
	if len(polygons) != 1 || polygons[0].ID != "g1" || polygons[0].Name != "T-Taller" {
		t.Fatalf("unexpected polygons %+v", polygons)
	}

	lines, err := src.FetchLines(context.Background())
	if err != nil {
		t.Fatalf("FetchLines error: %v", err)
	}
	want := orb.LineString{{20, 0}, {20.1, 0}}
	if len(lines) != 1 || !cmp.Equal(want, lines[0].Points) {
		t.Fatalf("unexpected lines %+v", lines)
	}

	plain := NewHTTPSource(srv.URL+"/geocercas-plain", srv.URL+"/rutas", "")
	polygons, err = plain.FetchPolygons(context.Background())
	if err != nil {
		t.Fatalf("FetchPolygons error: %v", err)
	}
	if len(polygons) != 1 || polygons[0].ID != "7" || polygons[0].Name != "Patio" {
		t.Fatalf("unexpected plain polygons %+v", polygons)
	}

	missing := NewHTTPSource(srv.URL+"/missing", srv.URL+"/rutas", "")
	if _, err := missing.FetchPolygons(context.Background()); err == nil {
		t.Fatalf("expected error for 404")
	}
}
