package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"fleet-monitor/correlation/internal/cases"
	"fleet-monitor/correlation/internal/domain"
	"fleet-monitor/correlation/internal/metrics"
)

type EscalationJournal interface {
	InsertEscalations(ctx context.Context, escalated []domain.Case) error
}

// JournalWriter batches escalation events into the journal, flushing on
// batch size or interval, whichever comes first.
type JournalWriter struct {
	ch         <-chan cases.Event
	journal    EscalationJournal
	batchSize  int
	flushMS    int
	retryDelay time.Duration
	logger     *zap.Logger
}

func NewJournalWriter(
	ch <-chan cases.Event,
	journal EscalationJournal,
	batchSize int,
	flushMS int,
	logger *zap.Logger,
) *JournalWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	if flushMS <= 0 {
		flushMS = 500
	}
	return &JournalWriter{
		ch:         ch,
		journal:    journal,
		batchSize:  batchSize,
		flushMS:    flushMS,
		retryDelay: 500 * time.Millisecond,
		logger:     logger,
	}
}

func (w *JournalWriter) Run(ctx context.Context) {
	batch := make([]domain.Case, 0, w.batchSize)
	ticker := time.NewTicker(time.Duration(w.flushMS) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-w.ch:
			if !ok {
				if len(batch) > 0 {
					w.flush(context.WithoutCancel(ctx), batch)
				}
				return
			}
			if evt.Kind != cases.EventEscalated {
				continue
			}
			batch = append(batch, evt.Case)
			if len(batch) >= w.batchSize {
				w.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			if len(batch) > 0 {
				w.flush(context.WithoutCancel(ctx), batch)
			}
			return
		}
	}
}

func (w *JournalWriter) flush(ctx context.Context, batch []domain.Case) {
	err := w.journal.InsertEscalations(ctx, batch)
	if err != nil {
		w.logger.Warn("journal write failed, retrying", zap.Int("batch", len(batch)), zap.Error(err))
		time.Sleep(w.retryDelay)
		err = w.journal.InsertEscalations(ctx, batch)
		if err != nil {
			w.logger.Error("journal write permanently failed", zap.Int("batch", len(batch)), zap.Error(err))
			metrics.JournalWriteFailures.Add(float64(len(batch)))
			return
		}
	}
	metrics.JournalWriteSuccess.Add(float64(len(batch)))
}
