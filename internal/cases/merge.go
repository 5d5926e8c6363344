package cases

import (
	"sort"
	"strings"
	"time"

	"fleet-monitor/correlation/internal/domain"
)

const combinationSeparator = " + "

type mergeOutcome struct {
	duplicate bool
	// The duplicate supplied the id the stored copy was missing; the
	// returned Case carries it.
	adoptedID bool
	escalated bool
}

// mergeCase folds a into prev and returns a new Case. prev is nil for the
// first alert of a bucket; it is never modified.
func mergeCase(prev *domain.Case, a domain.NormalizedAlert, bucket time.Time, dedup DedupFilter, now time.Time) (domain.Case, mergeOutcome) {
	var next domain.Case
	if prev == nil {
		next = domain.Case{
			ID:        domain.CaseID(a.Unit, bucket),
			Unit:      a.Unit,
			Bucket:    bucket,
			State:     domain.StateNew,
			CreatedAt: now,
		}
	} else {
		if i, ok := dedup.Match(prev.Alerts, a); ok {
			stored := prev.Alerts[i]
			if !a.HasID() || stored.HasID() {
				return *prev, mergeOutcome{duplicate: true}
			}
			// Later polls of the same event then match on id regardless
			// of how far their receipt time has moved.
			next = *prev
			next.Alerts = append([]domain.NormalizedAlert(nil), prev.Alerts...)
			stored.ID = a.ID
			next.Alerts[i] = stored
			next.Version++
			next.UpdatedAt = now
			return next, mergeOutcome{duplicate: true, adoptedID: true}
		}
		next = *prev
	}

	alerts := make([]domain.NormalizedAlert, 0, len(next.Alerts)+1)
	alerts = append(alerts, next.Alerts...)
	alerts = append(alerts, a)
	sort.SliceStable(alerts, func(i, j int) bool {
		if alerts[i].IncidentAt.Equal(alerts[j].IncidentAt) {
			return alerts[i].ReceivedAt.After(alerts[j].ReceivedAt)
		}
		return alerts[i].IncidentAt.After(alerts[j].IncidentAt)
	})
	next.Alerts = alerts

	next.TypeOrder = append([]string(nil), next.TypeOrder...)
	if !containsString(next.TypeOrder, a.TypeKey) {
		next.TypeOrder = append(next.TypeOrder, a.TypeKey)
	}

	next.Repetitions = make(map[string]int, len(next.TypeOrder))
	for _, al := range alerts {
		next.Repetitions[al.TypeKey]++
	}

	next.Combination = ""
	if len(next.TypeOrder) >= 2 {
		next.Combination = strings.Join(next.TypeOrder, combinationSeparator)
	}

	next.Critical = next.Combination != ""
	for _, n := range next.Repetitions {
		if n >= 2 {
			next.Critical = true
		}
	}
	next.Version++
	next.UpdatedAt = now

	wasCritical := prev != nil && prev.Critical
	return next, mergeOutcome{escalated: !wasCritical && next.Critical}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
