package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"fleet-monitor/correlation/internal/cases"
	"fleet-monitor/correlation/internal/domain"
)

func event(kind cases.EventKind, id string) cases.Event {
	return cases.Event{Kind: kind, Case: domain.Case{ID: id, Unit: "ECO-1"}}
}

func TestDispatcherRoutesEscalationsToJournal(t *testing.T) {
	d := NewDispatcher(4, 4, 1)
	d.Publish(event(cases.EventUpdated, "a"))
	d.Publish(event(cases.EventEscalated, "a"))
	d.Publish(event(cases.EventRemoved, "a"))

	if len(d.JournalChan) != 1 {
		t.Fatalf("journal events = %d, want 1", len(d.JournalChan))
	}
	if len(d.StateChans[0]) != 3 {
		t.Fatalf("state events = %d, want 3", len(d.StateChans[0]))
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	d := NewDispatcher(1, 1, 1)
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			d.Publish(event(cases.EventEscalated, "a"))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Publish blocked on a full channel")
	}
}

func TestDispatcherShardsByCase(t *testing.T) {
	d := NewDispatcher(1, 100, 4)
	for i := 0; i < 10; i++ {
		d.Publish(event(cases.EventUpdated, "unit-7@2024-05-10T09"))
	}
	nonEmpty := 0
	for _, ch := range d.StateChans {
		if len(ch) > 0 {
			nonEmpty++
			if len(ch) != 10 {
				t.Fatalf("events for one case split across shards")
			}
		}
	}
	if nonEmpty != 1 {
		t.Fatalf("expected exactly one shard in use, got %d", nonEmpty)
	}
}

type fakeJournal struct {
	mu       sync.Mutex
	batches  [][]string
	failures int
}

func (f *fakeJournal) InsertEscalations(ctx context.Context, escalated []domain.Case) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("copy failed")
	}
	ids := make([]string, 0, len(escalated))
	for _, c := range escalated {
		ids = append(ids, c.ID)
	}
	f.batches = append(f.batches, ids)
	return nil
}

func (f *fakeJournal) snapshot() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.batches...)
}

func TestJournalWriterFlushesOnBatchSize(t *testing.T) {
	ch := make(chan cases.Event, 10)
	journal := &fakeJournal{failures: 1}
	w := NewJournalWriter(ch, journal, 2, 60_000, nil)
	w.retryDelay = time.Millisecond

	for i := 0; i < 3; i++ {
		ch <- event(cases.EventEscalated, fmt.Sprint(i))
	}
	close(ch)
	w.Run(context.Background())

	want := [][]string{{"0", "1"}, {"2"}}
	if diff := cmp.Diff(want, journal.snapshot()); diff != "" {
		t.Fatalf("journal batches mismatch (-want +got):\n%s", diff)
	}
}

func TestJournalWriterFlushesOnInterval(t *testing.T) {
	ch := make(chan cases.Event, 10)
	journal := &fakeJournal{}
	w := NewJournalWriter(ch, journal, 100, 10, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	ch <- event(cases.EventEscalated, "a")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(journal.snapshot()) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("interval flush did not happen")
}

type fakeMirror struct {
	mu        sync.Mutex
	calls     []string
	failState bool
}

func (f *fakeMirror) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
}

func (f *fakeMirror) PipelineCaseState(ctx context.Context, c domain.Case) error {
	if f.failState {
		return errors.New("redis down")
	}
	f.record("state:" + c.ID)
	return nil
}

func (f *fakeMirror) DeleteCaseState(ctx context.Context, id string) error {
	f.record("delete:" + id)
	return nil
}

func (f *fakeMirror) PublishEscalation(ctx context.Context, payload []byte) error {
	f.record("escalated")
	return nil
}

func TestStateWriterAppliesEventsInOrder(t *testing.T) {
	ch := make(chan cases.Event, 10)
	mirror := &fakeMirror{}
	w := NewStateWriter(ch, mirror, nil)

	ch <- event(cases.EventUpdated, "a")
	ch <- event(cases.EventEscalated, "a")
	ch <- event(cases.EventRemoved, "a")
	close(ch)
	w.Run(context.Background())

	want := []string{"state:a", "escalated", "delete:a"}
	if diff := cmp.Diff(want, mirror.calls); diff != "" {
		t.Fatalf("mirror calls mismatch (-want +got):\n%s", diff)
	}
}

func TestStateWriterContinuesAfterFailure(t *testing.T) {
	ch := make(chan cases.Event, 10)
	mirror := &fakeMirror{failState: true}
	w := NewStateWriter(ch, mirror, nil)

	ch <- event(cases.EventUpdated, "a")
	ch <- event(cases.EventRemoved, "a")
	close(ch)
	w.Run(context.Background())

	if diff := cmp.Diff([]string{"delete:a"}, mirror.calls); diff != "" {
		t.Fatalf("mirror calls mismatch (-want +got):\n%s", diff)
	}
}
