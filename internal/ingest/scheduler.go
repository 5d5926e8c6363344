// Package ingest funnels the poll and push channels into one ordered
// sequence of merges.
package ingest

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"fleet-monitor/correlation/internal/cases"
	"fleet-monitor/correlation/internal/domain"
	"fleet-monitor/correlation/internal/metrics"
	"fleet-monitor/correlation/internal/normalize"
)

var ErrStopped = errors.New("ingest: scheduler stopped")

type Enricher interface {
	Enrich(ctx context.Context, a domain.NormalizedAlert) domain.NormalizedAlert
}

// ProgressReporter observes snapshot loads. Progress is called after every
// batch with a strictly increasing processed count. Complete is called
// once per scheduler, after the last batch of the first snapshot; later
// polls only report Progress.
type ProgressReporter interface {
	Progress(processed, total int)
	Complete(total int)
}

// Yielder hands control back between snapshot batches.
type Yielder func(ctx context.Context) error

func GoschedYielder(ctx context.Context) error {
	runtime.Gosched()
	return ctx.Err()
}

type snapshotJob struct {
	alerts []domain.RawAlert
	done   chan error
}

type Scheduler struct {
	normalizer *normalize.Normalizer
	enricher   Enricher
	store      *cases.Store
	reporter   ProgressReporter
	yield      Yielder
	batchSize  int
	logger     *zap.Logger

	pushCh     chan domain.RawAlert
	snapshotCh chan snapshotJob
	stopped    chan struct{}

	readyOnce sync.Once
	ready     chan struct{}
}

type Options struct {
	BatchSize     int
	PushQueueSize int
	Reporter      ProgressReporter
	Yield         Yielder
	Logger        *zap.Logger
}

func NewScheduler(n *normalize.Normalizer, enricher Enricher, store *cases.Store, opts Options) *Scheduler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.PushQueueSize <= 0 {
		opts.PushQueueSize = 1024
	}
	if opts.Yield == nil {
		opts.Yield = GoschedYielder
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Scheduler{
		normalizer: n,
		enricher:   enricher,
		store:      store,
		reporter:   opts.Reporter,
		yield:      opts.Yield,
		batchSize:  opts.BatchSize,
		logger:     opts.Logger,
		pushCh:     make(chan domain.RawAlert, opts.PushQueueSize),
		snapshotCh: make(chan snapshotJob),
		stopped:    make(chan struct{}),
		ready:      make(chan struct{}),
	}
}

// Ready is closed once the first snapshot has been fully merged.
func (s *Scheduler) Ready() <-chan struct{} {
	return s.ready
}

// Run is the single consumer of both channels. It returns when ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.stopped)
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-s.pushCh:
			s.ingest(ctx, raw)
		case job := <-s.snapshotCh:
			// Pushes queued ahead of the snapshot merge first.
			s.drainPush(ctx)
			job.done <- s.loadSnapshot(ctx, job.alerts)
		}
	}
}

// SubmitPush queues one push-channel alert. It blocks while the queue is full.
func (s *Scheduler) SubmitPush(ctx context.Context, raw domain.RawAlert) error {
	select {
	case s.pushCh <- raw:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrStopped
	}
}

// SubmitSnapshot hands a full poll snapshot to the scheduler and waits for
// it to be merged.
func (s *Scheduler) SubmitSnapshot(ctx context.Context, alerts []domain.RawAlert) error {
	job := snapshotJob{alerts: alerts, done: make(chan error, 1)}
	select {
	case s.snapshotCh <- job:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stopped:
		return ErrStopped
	}
	select {
	case err := <-job.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loadSnapshot merges alerts in bounded batches, yielding and draining
// queued push alerts between batches so live events are not starved.
func (s *Scheduler) loadSnapshot(ctx context.Context, alerts []domain.RawAlert) error {
	total := len(alerts)
	for start := 0; start < total; start += s.batchSize {
		end := min(start+s.batchSize, total)
		for _, raw := range alerts[start:end] {
			s.ingest(ctx, raw)
		}
		s.reportProgress(end, total)

		if end < total {
			if err := s.yield(ctx); err != nil {
				s.logger.Warn("snapshot load interrupted",
					zap.Int("processed", end),
					zap.Int("total", total),
					zap.Error(err),
				)
				return err
			}
			s.drainPush(ctx)
		}
	}

	first := false
	s.readyOnce.Do(func() {
		first = true
		if s.reporter != nil {
			s.reporter.Complete(total)
		}
		close(s.ready)
	})
	if first {
		s.logger.Info("initial snapshot merged", zap.Int("alerts", total), zap.Int("cases", s.store.Len()))
	} else {
		s.logger.Debug("snapshot merged", zap.Int("alerts", total), zap.Int("cases", s.store.Len()))
	}
	return nil
}

func (s *Scheduler) reportProgress(processed, total int) {
	metrics.SnapshotProgress.WithLabelValues("processed").Set(float64(processed))
	metrics.SnapshotProgress.WithLabelValues("total").Set(float64(total))
	if s.reporter != nil {
		s.reporter.Progress(processed, total)
	}
}

func (s *Scheduler) drainPush(ctx context.Context) {
	for i := 0; i < s.batchSize; i++ {
		select {
		case raw := <-s.pushCh:
			s.ingest(ctx, raw)
		default:
			return
		}
	}
}

// ingest is the one path every alert takes: normalize, enrich, merge.
func (s *Scheduler) ingest(ctx context.Context, raw domain.RawAlert) {
	alert, err := s.normalizer.Normalize(raw)
	if err != nil {
		return
	}
	if s.enricher != nil {
		alert = s.enricher.Enrich(ctx, alert)
	}
	s.store.Merge(alert)
}
