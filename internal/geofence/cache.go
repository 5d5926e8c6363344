// Package geofence loads polygon and route geofences once per process and
// answers point containment and route proximity queries against them.
package geofence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"fleet-monitor/correlation/internal/domain"
	"fleet-monitor/correlation/internal/metrics"
)

// ErrNotLoaded is returned by accessors that require a loaded cache.
var ErrNotLoaded = errors.New("geofence: cache not loaded")

type PolygonSource interface {
	FetchPolygons(ctx context.Context) ([]domain.GeofencePolygon, error)
}

type LineSource interface {
	FetchLines(ctx context.Context) ([]domain.GeofenceLine, error)
}

type State int

const (
	StateEmpty State = iota
	StateLoading
	StateLoaded
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

const loadKey = "geofences"

// Cache holds the geofence snapshot. At most one fetch per source is in
// flight at any time; once loaded it is never refetched.
type Cache struct {
	polygonSource PolygonSource
	lineSource    LineSource
	logger        *zap.Logger

	group singleflight.Group

	mu       sync.RWMutex
	state    State
	polygons []domain.GeofencePolygon
	lines    []domain.GeofenceLine
}

func NewCache(polygons PolygonSource, lines LineSource, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		polygonSource: polygons,
		lineSource:    lines,
		logger:        logger,
	}
}

// EnsureLoaded fetches both geofence sets unless already loaded. Concurrent
// callers share one in-flight fetch. A failed fetch leaves the cache empty
// so a later call retries.
func (c *Cache) EnsureLoaded(ctx context.Context) error {
	if c.State() == StateLoaded {
		return nil
	}

	_, err, shared := c.group.Do(loadKey, func() (any, error) {
		// A caller that saw Empty may arrive after the previous flight
		// finished and was forgotten.
		if c.State() == StateLoaded {
			return nil, nil
		}
		return nil, c.load(context.WithoutCancel(ctx))
	})
	if shared {
		c.logger.Debug("joined in-flight geofence load")
	}
	return err
}

func (c *Cache) load(ctx context.Context) error {
	c.setState(StateLoading)

	var (
		polygons []domain.GeofencePolygon
		lines    []domain.GeofenceLine
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		polygons, err = c.polygonSource.FetchPolygons(gctx)
		recordFetch("polygons", err)
		if err != nil {
			return fmt.Errorf("fetch polygons: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		lines, err = c.lineSource.FetchLines(gctx)
		recordFetch("routes", err)
		if err != nil {
			return fmt.Errorf("fetch routes: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		c.setState(StateEmpty)
		c.logger.Warn("geofence load failed", zap.Error(err))
		return err
	}

	polygons, droppedRings := SanitizePolygons(polygons)
	lines, droppedLines := SanitizeLines(lines)
	if droppedRings > 0 || droppedLines > 0 {
		metrics.GeofenceMalformed.WithLabelValues("load").Add(float64(droppedRings + droppedLines))
		c.logger.Warn("dropped malformed geofences",
			zap.Int("rings", droppedRings),
			zap.Int("routes", droppedLines),
		)
	}

	c.mu.Lock()
	c.polygons = polygons
	c.lines = lines
	c.state = StateLoaded
	c.mu.Unlock()

	c.logger.Info("geofences loaded",
		zap.Int("polygons", len(polygons)),
		zap.Int("routes", len(lines)),
	)
	return nil
}

func recordFetch(source string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.GeofenceFetches.WithLabelValues(source, outcome).Inc()
}

func (c *Cache) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Cache) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Cache) Loaded() bool {
	return c.State() == StateLoaded
}

// Polygons returns the current snapshot. An empty result before the cache
// is loaded means "not ready", not "no geofences".
func (c *Cache) Polygons() []domain.GeofencePolygon {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.polygons
}

func (c *Cache) Lines() []domain.GeofenceLine {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lines
}

// Counts reports snapshot sizes, or ErrNotLoaded.
func (c *Cache) Counts() (polygons, lines int, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != StateLoaded {
		return 0, 0, ErrNotLoaded
	}
	return len(c.polygons), len(c.lines), nil
}
