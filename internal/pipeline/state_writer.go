package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"fleet-monitor/correlation/internal/cases"
	"fleet-monitor/correlation/internal/domain"
	"fleet-monitor/correlation/internal/metrics"
)

type CaseMirror interface {
	PipelineCaseState(ctx context.Context, c domain.Case) error
	DeleteCaseState(ctx context.Context, id string) error
	PublishEscalation(ctx context.Context, payload []byte) error
}

// StateWriter keeps the Redis mirror of live cases current.
type StateWriter struct {
	ch     <-chan cases.Event
	mirror CaseMirror
	logger *zap.Logger
}

func NewStateWriter(ch <-chan cases.Event, mirror CaseMirror, logger *zap.Logger) *StateWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateWriter{ch: ch, mirror: mirror, logger: logger}
}

func (w *StateWriter) Run(ctx context.Context) {
	batch := make([]cases.Event, 0, 100)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case evt, ok := <-w.ch:
			if !ok {
				w.flushBatch(context.WithoutCancel(ctx), batch)
				return
			}
			batch = append(batch, evt)
			if len(batch) >= 100 {
				w.flushBatch(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.flushBatch(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			w.flushBatch(context.WithoutCancel(ctx), batch)
			return
		}
	}
}

func (w *StateWriter) flushBatch(ctx context.Context, batch []cases.Event) {
	for _, evt := range batch {
		if err := w.apply(ctx, evt); err != nil {
			metrics.StateWriteFailures.Inc()
			w.logger.Warn("case state mirror failed",
				zap.String("case", evt.Case.ID),
				zap.String("kind", string(evt.Kind)),
				zap.Error(err),
			)
		}
	}
}

func (w *StateWriter) apply(ctx context.Context, evt cases.Event) error {
	switch evt.Kind {
	case cases.EventUpdated:
		return w.mirror.PipelineCaseState(ctx, evt.Case)
	case cases.EventRemoved:
		return w.mirror.DeleteCaseState(ctx, evt.Case.ID)
	case cases.EventEscalated:
		payload, err := json.Marshal(evt)
		if err != nil {
			return err
		}
		return w.mirror.PublishEscalation(ctx, payload)
	}
	return nil
}
