package cases

import (
	"time"

	"fleet-monitor/correlation/internal/domain"
)

type EventKind string

const (
	EventUpdated   EventKind = "case.updated"
	EventEscalated EventKind = "case.escalated"
	EventRemoved   EventKind = "case.removed"
)

type Event struct {
	Kind EventKind   `json:"kind"`
	Case domain.Case `json:"case"`
	At   time.Time   `json:"at"`
}

// EventSink receives case events while the case's lock is held, so events
// for one case arrive in order. Implementations must not block.
type EventSink interface {
	Publish(evt Event)
}

type SinkFunc func(evt Event)

func (f SinkFunc) Publish(evt Event) { f(evt) }

// FanOut publishes to every sink in order.
type FanOut []EventSink

func (f FanOut) Publish(evt Event) {
	for _, s := range f {
		s.Publish(evt)
	}
}
