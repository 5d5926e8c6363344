package domain

import (
	"fmt"
	"time"
)

type CaseState string

const (
	StateNew          CaseState = "NEW"
	StateAcknowledged CaseState = "ACKNOWLEDGED"
	StateClosed       CaseState = "CLOSED"
)

var caseTransitions = map[CaseState][]CaseState{
	StateNew:          {StateAcknowledged, StateClosed},
	StateAcknowledged: {StateClosed},
}

func (s CaseState) CanTransition(to CaseState) bool {
	for _, next := range caseTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Case groups the alerts of one unit inside one hour bucket. A stored Case
// value is never modified in place; every merge produces a new value, so
// slices and maps reachable from it must be treated as read-only.
type Case struct {
	ID     string    `json:"id"`
	Unit   string    `json:"unit"`
	Bucket time.Time `json:"bucket"`

	// Sorted by IncidentAt, newest first.
	Alerts []NormalizedAlert `json:"alerts"`

	Repetitions map[string]int `json:"repetitions"`
	// Normalized types in the order they were first merged.
	TypeOrder []string `json:"typeOrder"`
	// Empty when fewer than two distinct types are present.
	Combination string `json:"combination,omitempty"`
	Critical    bool   `json:"critical"`

	State CaseState `json:"state"`
	// Incremented by every stored change.
	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// GeofenceNames lists the distinct geofence names matched by any alert in the case.
func (c Case) GeofenceNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, a := range c.Alerts {
		for _, g := range a.DetectedGeofences {
			if !seen[g.Name] {
				seen[g.Name] = true
				names = append(names, g.Name)
			}
		}
	}
	return names
}

func (c Case) AlertIDs() []string {
	ids := make([]string, 0, len(c.Alerts))
	for _, a := range c.Alerts {
		if a.HasID() {
			ids = append(ids, a.ID)
		}
	}
	return ids
}

// HourBucket floors t to the start of its wall-clock hour in loc. The
// minutes are subtracted from the instant rather than rebuilt with
// time.Date, so zones with fractional-hour offsets bucket on their own
// hours and the repeated hour of a daylight saving fall-back keeps the
// offset it was observed under.
func HourBucket(t time.Time, loc *time.Location) time.Time {
	lt := t.In(loc)
	into := time.Duration(lt.Minute())*time.Minute +
		time.Duration(lt.Second())*time.Second +
		time.Duration(lt.Nanosecond())
	return lt.Add(-into)
}

// CaseID carries the bucket's offset so both occurrences of a repeated
// wall-clock hour get distinct ids.
func CaseID(unit string, bucket time.Time) string {
	return fmt.Sprintf("%s@%s", unit, bucket.Format("2006-01-02T15Z07:00"))
}
