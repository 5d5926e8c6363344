package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"fleet-monitor/correlation/internal/domain"
)

const maxSnapshotBody = 64 << 20

type SnapshotSubmitter interface {
	SubmitSnapshot(ctx context.Context, alerts []domain.RawAlert) error
}

// Poller fetches the full alert snapshot on a cron schedule and hands it to
// the scheduler. Runs never overlap; a tick that fires while a fetch is
// still in progress is skipped.
type Poller struct {
	url      string
	apiKey   string
	schedule string
	client   *http.Client
	target   SnapshotSubmitter
	logger   *zap.Logger
	now      func() time.Time
}

func NewPoller(url, apiKey, schedule string, target SnapshotSubmitter, logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		url:      url,
		apiKey:   apiKey,
		schedule: schedule,
		client:   &http.Client{Timeout: 30 * time.Second},
		target:   target,
		logger:   logger,
		now:      time.Now,
	}
}

// Run polls once immediately, then on schedule until ctx ends.
func (p *Poller) Run(ctx context.Context) error {
	cl := cronLogger{p.logger.Sugar()}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.SkipIfStillRunning(cl)))
	if _, err := c.AddFunc(p.schedule, func() { p.PollOnce(ctx) }); err != nil {
		return fmt.Errorf("invalid poll schedule %q: %w", p.schedule, err)
	}

	p.PollOnce(ctx)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

func (p *Poller) PollOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	alerts, err := p.Fetch(ctx)
	if err != nil {
		p.logger.Warn("poll failed", zap.String("url", p.url), zap.Error(err))
		return
	}
	if err := p.target.SubmitSnapshot(ctx, alerts); err != nil {
		p.logger.Warn("snapshot not merged", zap.Int("alerts", len(alerts)), zap.Error(err))
	}
}

func (p *Poller) Fetch(ctx context.Context) ([]domain.RawAlert, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		req.Header.Set("X-API-Key", p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", p.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GET %s: unexpected status %d", p.url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBody))
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	records, err := DecodeRecords(body)
	if err != nil {
		return nil, err
	}
	receivedAt := p.now()
	out := make([]domain.RawAlert, 0, len(records))
	for _, r := range records {
		out = append(out, domain.RawAlert{Fields: r, Source: domain.SourcePoll, ReceivedAt: receivedAt})
	}
	return out, nil
}

// DecodeRecords accepts a bare JSON array or one wrapped as {"data": [...]}.
// Non-object elements are skipped.
func DecodeRecords(body []byte) ([]map[string]any, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var wrapped struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		if len(wrapped.Data) == 0 {
			return nil, fmt.Errorf("decode snapshot: object without data field")
		}
		trimmed = wrapped.Data
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		rec, err := decodeObject(item)
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func decodeObject(raw []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var rec map[string]any
	if err := dec.Decode(&rec); err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("null record")
	}
	return rec, nil
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
