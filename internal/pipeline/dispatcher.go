// Package pipeline moves case events out of the store to the durable
// journal and the Redis mirror without ever blocking a merge.
package pipeline

import (
	"hash/fnv"

	"fleet-monitor/correlation/internal/cases"
	"fleet-monitor/correlation/internal/metrics"
)

// Dispatcher is a cases.EventSink. Escalations go to the journal channel;
// every event goes to the state shard owning its case, so one case's
// events stay ordered even with several state writers.
type Dispatcher struct {
	JournalChan chan cases.Event
	StateChans  []chan cases.Event
}

func NewDispatcher(journalSize, stateSize, stateShards int) *Dispatcher {
	if stateShards <= 0 {
		stateShards = 1
	}
	d := &Dispatcher{
		JournalChan: make(chan cases.Event, journalSize),
		StateChans:  make([]chan cases.Event, stateShards),
	}
	for i := range d.StateChans {
		d.StateChans[i] = make(chan cases.Event, stateSize)
	}
	return d
}

func (d *Dispatcher) Publish(evt cases.Event) {
	if evt.Kind == cases.EventEscalated {
		select {
		case d.JournalChan <- evt:
		default:
			metrics.JournalChannelDrops.Inc()
		}
	}

	select {
	case d.StateChans[d.shard(evt.Case.ID)] <- evt:
	default:
		metrics.StateChannelDrops.Inc()
	}
}

func (d *Dispatcher) shard(caseID string) int {
	if len(d.StateChans) == 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(caseID))
	return int(h.Sum32() % uint32(len(d.StateChans)))
}
