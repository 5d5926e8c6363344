package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"fleet-monitor/correlation/internal/domain"
)

type snapshotSink struct {
	mu        sync.Mutex
	snapshots [][]domain.RawAlert
}

func (s *snapshotSink) SubmitSnapshot(ctx context.Context, alerts []domain.RawAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, alerts)
	return nil
}

func TestDecodeRecords(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    int
		wantErr bool
	}{
		{"bare array", `[{"id":1},{"id":2}]`, 2, false},
		{"wrapped", `{"data":[{"id":1}]}`, 1, false},
		{"skips non-objects", `[{"id":1}, 5, null, "x"]`, 1, false},
		{"empty array", `[]`, 0, false},
		{"object without data", `{"items":[]}`, 0, true},
		{"garbage", `not json`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeRecords([]byte(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != tt.want {
				t.Fatalf("records = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestDecodeRecordsKeepsNumbers(t *testing.T) {
	got, err := DecodeRecords([]byte(`[{"id": 12345678901234567}]`))
	if err != nil {
		t.Fatalf("DecodeRecords error: %v", err)
	}
	n, ok := got[0]["id"].(json.Number)
	if !ok || n.String() != "12345678901234567" {
		t.Fatalf("id lost precision: %#v", got[0]["id"])
	}
}

func TestPollerFetch(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-API-Key")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":[{"id":"1","unidad":"ECO-1","tipo":"A","mensaje":"m"}]}`))
	}))
	defer srv.Close()

	fixed := time.Date(2024, 5, 10, 9, 0, 0, 0, time.UTC)
	sink := &snapshotSink{}
	p := NewPoller(srv.URL, "secret", "@every 1h", sink, nil)
	p.now = func() time.Time { return fixed }

	p.PollOnce(context.Background())

	if gotKey != "secret" {
		t.Fatalf("X-API-Key = %q, want secret", gotKey)
	}
	if len(sink.snapshots) != 1 || len(sink.snapshots[0]) != 1 {
		t.Fatalf("unexpected snapshots: %+v", sink.snapshots)
	}
	raw := sink.snapshots[0][0]
	if raw.Source != domain.SourcePoll || !raw.ReceivedAt.Equal(fixed) {
		t.Fatalf("unexpected raw alert: %+v", raw)
	}
}

func TestPollerSkipsSubmitOnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	sink := &snapshotSink{}
	p := NewPoller(srv.URL, "", "@every 1h", sink, nil)
	if _, err := p.Fetch(context.Background()); err == nil {
		t.Fatalf("expected error on 502")
	}
	p.PollOnce(context.Background())
	if len(sink.snapshots) != 0 {
		t.Fatalf("failed poll must not submit a snapshot")
	}
}

func TestPollerRejectsBadSchedule(t *testing.T) {
	p := NewPoller("http://127.0.0.1:0", "", "not a schedule", &snapshotSink{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Run(ctx); err == nil {
		t.Fatalf("expected schedule error")
	}
}
