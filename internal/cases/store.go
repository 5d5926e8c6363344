// Package cases holds the live set of correlated alert cases.
package cases

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"fleet-monitor/correlation/internal/domain"
	"fleet-monitor/correlation/internal/metrics"
)

var (
	ErrCaseNotFound      = errors.New("cases: case not found")
	ErrInvalidTransition = errors.New("cases: invalid state transition")
	ErrCaseChanged       = errors.New("cases: case changed since it was read")
)

type MergeResult struct {
	Case      domain.Case
	Created   bool
	Duplicate bool
	Escalated bool
}

// entry serializes writers of one case. Readers load current without
// locking and always see a complete Case value.
type entry struct {
	mu      sync.Mutex
	current atomic.Pointer[domain.Case]
	removed bool
}

type Store struct {
	loc    *time.Location
	dedup  DedupFilter
	sink   EventSink
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry
}

type Option func(*Store)

func WithSink(sink EventSink) Option {
	return func(s *Store) { s.sink = sink }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore buckets cases on wall-clock hours of loc.
func NewStore(loc *time.Location, opts ...Option) *Store {
	if loc == nil {
		loc = time.UTC
	}
	s := &Store{
		loc:     loc,
		dedup:   DedupFilter{Window: DefaultDedupWindow},
		sink:    SinkFunc(func(Event) {}),
		logger:  zap.NewNop(),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Merge adds a to the case for its unit and hour bucket. Merges on the
// same case are serialized; merges on different cases run in parallel.
func (s *Store) Merge(a domain.NormalizedAlert) MergeResult {
	bucket := domain.HourBucket(a.IncidentAt, s.loc)
	key := domain.CaseID(a.Unit, bucket)

	for {
		e := s.entryFor(key)
		e.mu.Lock()
		if e.removed {
			// Closed between lookup and lock; retry against a fresh entry.
			e.mu.Unlock()
			continue
		}

		prev := e.current.Load()
		next, outcome := mergeCase(prev, a, bucket, s.dedup, s.now())
		if outcome.duplicate {
			if outcome.adoptedID {
				e.current.Store(&next)
				s.sink.Publish(Event{Kind: EventUpdated, Case: next, At: next.UpdatedAt})
			}
			e.mu.Unlock()
			metrics.AlertsDuplicate.Inc()
			s.logger.Debug("duplicate alert discarded",
				zap.String("case_id", key),
				zap.String("alert_id", a.ID),
				zap.String("source", string(a.Source)),
				zap.Bool("adopted_id", outcome.adoptedID),
			)
			return MergeResult{Case: next, Duplicate: true}
		}

		e.current.Store(&next)
		metrics.AlertsMerged.Inc()
		s.sink.Publish(Event{Kind: EventUpdated, Case: next, At: next.UpdatedAt})
		if outcome.escalated {
			metrics.CasesEscalated.Inc()
			s.logger.Info("case escalated",
				zap.String("case_id", key),
				zap.String("combination", next.Combination),
				zap.Int("alerts", len(next.Alerts)),
			)
			s.sink.Publish(Event{Kind: EventEscalated, Case: next, At: next.UpdatedAt})
		}
		e.mu.Unlock()

		return MergeResult{
			Case:      next,
			Created:   prev == nil,
			Escalated: outcome.escalated,
		}
	}
}

func (s *Store) entryFor(key string) *entry {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e
	}
	e = &entry{}
	s.entries[key] = e
	metrics.CasesOpen.Set(float64(len(s.entries)))
	return e
}

func (s *Store) Get(id string) (domain.Case, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return domain.Case{}, fmt.Errorf("%w: %s", ErrCaseNotFound, id)
	}
	c := e.current.Load()
	if c == nil {
		return domain.Case{}, fmt.Errorf("%w: %s", ErrCaseNotFound, id)
	}
	return *c, nil
}

// List returns all cases, newest bucket first, then by unit.
func (s *Store) List() []domain.Case {
	s.mu.RLock()
	out := make([]domain.Case, 0, len(s.entries))
	for _, e := range s.entries {
		if c := e.current.Load(); c != nil {
			out = append(out, *c)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Bucket.Equal(out[j].Bucket) {
			return out[i].Bucket.After(out[j].Bucket)
		}
		return out[i].Unit < out[j].Unit
	})
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Acknowledge moves a NEW case to ACKNOWLEDGED. Acknowledging an already
// acknowledged case is a no-op.
func (s *Store) Acknowledge(id string) (domain.Case, error) {
	e, cur, err := s.lockEntry(id)
	if err != nil {
		return domain.Case{}, err
	}
	defer e.mu.Unlock()

	if cur.State == domain.StateAcknowledged {
		return *cur, nil
	}
	if !cur.State.CanTransition(domain.StateAcknowledged) {
		return domain.Case{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.State, domain.StateAcknowledged)
	}

	next := *cur
	next.State = domain.StateAcknowledged
	next.Version++
	next.UpdatedAt = s.now()
	e.current.Store(&next)
	s.sink.Publish(Event{Kind: EventUpdated, Case: next, At: next.UpdatedAt})
	return next, nil
}

// Remove closes the case and deletes it. A later alert for the same unit
// and hour starts a new case.
func (s *Store) Remove(id string) (domain.Case, error) {
	e, cur, err := s.lockEntry(id)
	if err != nil {
		return domain.Case{}, err
	}
	defer e.mu.Unlock()
	return s.removeLocked(id, e, cur)
}

// RemoveVersion removes the case only if it is still at version. Otherwise
// it returns ErrCaseChanged and the case is left in place.
func (s *Store) RemoveVersion(id string, version uint64) (domain.Case, error) {
	e, cur, err := s.lockEntry(id)
	if err != nil {
		return domain.Case{}, err
	}
	defer e.mu.Unlock()
	if cur.Version != version {
		return domain.Case{}, fmt.Errorf("%w: %s at version %d, read %d", ErrCaseChanged, id, cur.Version, version)
	}
	return s.removeLocked(id, e, cur)
}

// removeLocked requires e.mu held.
func (s *Store) removeLocked(id string, e *entry, cur *domain.Case) (domain.Case, error) {
	if !cur.State.CanTransition(domain.StateClosed) {
		return domain.Case{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.State, domain.StateClosed)
	}

	s.mu.Lock()
	if s.entries[id] == e {
		delete(s.entries, id)
	}
	metrics.CasesOpen.Set(float64(len(s.entries)))
	s.mu.Unlock()
	e.removed = true

	closed := *cur
	closed.State = domain.StateClosed
	closed.UpdatedAt = s.now()
	s.sink.Publish(Event{Kind: EventRemoved, Case: closed, At: closed.UpdatedAt})
	return closed, nil
}

func (s *Store) lockEntry(id string) (*entry, *domain.Case, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrCaseNotFound, id)
	}

	e.mu.Lock()
	cur := e.current.Load()
	if e.removed || cur == nil {
		e.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrCaseNotFound, id)
	}
	return e, cur, nil
}
