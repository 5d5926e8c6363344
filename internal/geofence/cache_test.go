package geofence

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb"

	"fleet-monitor/correlation/internal/domain"
)

type fakeSource struct {
	polygonCalls atomic.Int32
	lineCalls    atomic.Int32

	delay    time.Duration
	mu       sync.Mutex
	failNext bool

	polygons []domain.GeofencePolygon
	lines    []domain.GeofenceLine
}

func (f *fakeSource) FetchPolygons(ctx context.Context) ([]domain.GeofencePolygon, error) {
	f.polygonCalls.Add(1)
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return nil, errors.New("backend unavailable")
	}
	return f.polygons, nil
}

func (f *fakeSource) FetchLines(ctx context.Context) ([]domain.GeofenceLine, error) {
	f.lineCalls.Add(1)
	time.Sleep(f.delay)
	return f.lines, nil
}

func squareSource() *fakeSource {
	return &fakeSource{
		polygons: []domain.GeofencePolygon{{
			ID:    "p1",
			Name:  "S-Sucursal Centro",
			Rings: []orb.Ring{{{0, 0}, {0, 10}, {10, 10}, {10, 0}, {0, 0}}},
		}},
		lines: []domain.GeofenceLine{{
			ID:     "r1",
			Name:   "Ruta Norte",
			Points: orb.LineString{{20, 0}, {20.1, 0}},
		}},
	}
}

func TestEnsureLoadedSingleFlight(t *testing.T) {
	src := squareSource()
	src.delay = 50 * time.Millisecond
	cache := NewCache(src, src, nil)

	const callers = 50
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	snapshots := make(chan int, callers)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs <- cache.EnsureLoaded(context.Background())
			snapshots <- len(cache.Polygons())
		}()
	}
	close(start)
	wg.Wait()
	close(errs)
	close(snapshots)

	for err := range errs {
		if err != nil {
			t.Fatalf("EnsureLoaded error: %v", err)
		}
	}
	for n := range snapshots {
		if n != 1 {
			t.Fatalf("caller observed %d polygons, want 1", n)
		}
	}
	if got := src.polygonCalls.Load(); got != 1 {
		t.Fatalf("polygon fetches = %d, want 1", got)
	}
	if got := src.lineCalls.Load(); got != 1 {
		t.Fatalf("line fetches = %d, want 1", got)
	}

	// Later calls never fetch again.
	if err := cache.EnsureLoaded(context.Background()); err != nil {
		t.Fatalf("EnsureLoaded error: %v", err)
	}
	if got := src.polygonCalls.Load(); got != 1 {
		t.Fatalf("polygon fetches after reload = %d, want 1", got)
	}
}

func TestEnsureLoadedRetriesAfterFailure(t *testing.T) {
	src := squareSource()
	src.failNext = true
	cache := NewCache(src, src, nil)

	if err := cache.EnsureLoaded(context.Background()); err == nil {
		t.Fatalf("expected first load to fail")
	}
	if cache.State() != StateEmpty {
		t.Fatalf("state after failure = %v, want empty", cache.State())
	}
	if _, _, err := cache.Counts(); !errors.Is(err, ErrNotLoaded) {
		t.Fatalf("expected ErrNotLoaded, got %v", err)
	}

	if err := cache.EnsureLoaded(context.Background()); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if cache.State() != StateLoaded {
		t.Fatalf("state after retry = %v, want loaded", cache.State())
	}
	if got := src.polygonCalls.Load(); got != 2 {
		t.Fatalf("polygon fetches = %d, want 2", got)
	}
}

func TestSanitizeDropsMalformed(t *testing.T) {
	polygons, dropped := SanitizePolygons([]domain.GeofencePolygon{
		{ID: "open", Rings: []orb.Ring{{{0, 0}, {0, 1}, {1, 1}}}},
		{ID: "degenerate", Rings: []orb.Ring{{{0, 0}, {1, 1}, {0, 0}, {1, 1}}}},
		{ID: "nan", Rings: []orb.Ring{{{0, 0}, {math.NaN(), 1}, {1, 1}, {0, 0}}}},
	})
	if len(polygons) != 1 || polygons[0].ID != "open" {
		t.Fatalf("unexpected polygons %+v", polygons)
	}
	ring := polygons[0].Rings[0]
	if len(ring) != 4 || ring[0] != ring[len(ring)-1] {
		t.Fatalf("ring not closed: %v", ring)
	}
	if polygons[0].Bound.Max != (orb.Point{1, 1}) {
		t.Fatalf("unexpected bound %v", polygons[0].Bound)
	}
	if dropped != 2 {
		t.Fatalf("dropped = %d, want 2", dropped)
	}

	lines, droppedLines := SanitizeLines([]domain.GeofenceLine{
		{ID: "ok", Points: orb.LineString{{0, 0}, {1, 1}}},
		{ID: "short", Points: orb.LineString{{0, 0}, {math.Inf(1), 1}}},
	})
	if len(lines) != 1 || droppedLines != 1 {
		t.Fatalf("lines=%v dropped=%d", lines, droppedLines)
	}
}
