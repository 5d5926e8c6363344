package geofence

import "fmt"

type Strategy string

const (
	// StrategySegment measures to the nearest point on any route segment.
	StrategySegment Strategy = "segment"
	// StrategyVertex measures to the nearest route vertex only.
	StrategyVertex Strategy = "vertex"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategySegment, StrategyVertex:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown route strategy %q", s)
	}
}

// RoutePolicy is one consumer's notion of "near a route". Alert enrichment
// and live unit tracking each carry their own.
type RoutePolicy struct {
	Name     string
	RadiusM  float64
	Strategy Strategy
}

func AlertPolicy(radiusM float64, strategy Strategy) RoutePolicy {
	return RoutePolicy{Name: "alert", RadiusM: radiusM, Strategy: strategy}
}

func TrackingPolicy(radiusM float64, strategy Strategy) RoutePolicy {
	return RoutePolicy{Name: "tracking", RadiusM: radiusM, Strategy: strategy}
}
