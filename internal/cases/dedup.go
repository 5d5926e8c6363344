package cases

import (
	"time"

	"fleet-monitor/correlation/internal/domain"
)

const DefaultDedupWindow = 90 * time.Second

// DedupFilter decides duplicates within one case. The same physical event
// can arrive from the push channel without an id and from the poll channel
// with one, so matching text inside a short receipt window also counts.
type DedupFilter struct {
	Window time.Duration
}

func (f DedupFilter) IsDuplicate(existing []domain.NormalizedAlert, a domain.NormalizedAlert) bool {
	_, ok := f.Match(existing, a)
	return ok
}

// Match returns the index of the stored alert a duplicates.
func (f DedupFilter) Match(existing []domain.NormalizedAlert, a domain.NormalizedAlert) (int, bool) {
	window := f.Window
	if window <= 0 {
		window = DefaultDedupWindow
	}
	for i, e := range existing {
		if a.HasID() && e.HasID() && a.ID == e.ID {
			return i, true
		}
	}
	for i, e := range existing {
		if a.TypeKey == e.TypeKey && a.MessageKey == e.MessageKey && absDuration(a.ReceivedAt.Sub(e.ReceivedAt)) < window {
			return i, true
		}
	}
	return -1, false
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
