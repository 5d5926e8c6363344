package geofence

import (
	"context"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"fleet-monitor/correlation/internal/domain"
)

// Enricher attaches geofence context to alerts that carry a position.
type Enricher struct {
	matcher *Matcher
	policy  RoutePolicy
	logger  *zap.Logger

	loading atomic.Bool
}

func NewEnricher(matcher *Matcher, policy RoutePolicy, logger *zap.Logger) *Enricher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enricher{matcher: matcher, policy: policy, logger: logger}
}

// Enrich never blocks on the geofence sources. When the cache is not ready
// it kicks off a background load and returns the alert unchanged.
func (e *Enricher) Enrich(ctx context.Context, a domain.NormalizedAlert) domain.NormalizedAlert {
	if a.Position == nil {
		return a
	}
	cache := e.matcher.Cache()
	if !cache.Loaded() {
		e.triggerLoad(ctx)
		return a
	}

	var detected []domain.DetectedGeofence
	polygons := e.matcher.PolygonsContaining(*a.Position)
	detected = append(detected, polygons...)
	for _, m := range e.matcher.RoutesNear(*a.Position, e.policy) {
		detected = append(detected, m.Route)
	}
	if len(detected) == 0 {
		return a
	}
	return a.WithGeofences(detected, classFromNames(polygons))
}

func (e *Enricher) triggerLoad(ctx context.Context) {
	if !e.loading.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer e.loading.Store(false)
		if err := e.matcher.Cache().EnsureLoaded(context.WithoutCancel(ctx)); err != nil {
			e.logger.Warn("background geofence load failed", zap.Error(err))
		}
	}()
}

// classFromNames reads an SLTA class from a geofence name prefix such as
// "S-Sucursal Norte" or "T Taller Centro".
func classFromNames(polygons []domain.DetectedGeofence) domain.GeofenceClass {
	for _, g := range polygons {
		name := strings.TrimSpace(g.Name)
		if len(name) < 2 {
			continue
		}
		switch name[1] {
		case '-', ' ', '_', ':':
			if c := domain.ParseGeofenceClass(strings.ToUpper(name[:1])); c != domain.ClassNone {
				return c
			}
		}
	}
	return domain.ClassNone
}
