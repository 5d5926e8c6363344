package ingest

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"fleet-monitor/correlation/internal/domain"
)

const (
	maxReconnectDelay = 2 * time.Minute
	pushPongWait      = 70 * time.Second
	pushPingInterval  = 30 * time.Second
	pushWriteTimeout  = 10 * time.Second
)

type PushSubmitter interface {
	SubmitPush(ctx context.Context, raw domain.RawAlert) error
}

// PushClient keeps a websocket open to the push channel and forwards each
// alert frame. Gaps while reconnecting are covered by the next poll.
type PushClient struct {
	url    string
	apiKey string
	target PushSubmitter
	logger *zap.Logger
	dialer *websocket.Dialer
	now    func() time.Time
}

func NewPushClient(url, apiKey string, target PushSubmitter, logger *zap.Logger) *PushClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PushClient{
		url:    url,
		apiKey: apiKey,
		target: target,
		logger: logger,
		dialer: websocket.DefaultDialer,
		now:    time.Now,
	}
}

// Run connects and reconnects with exponential backoff until ctx ends.
func (c *PushClient) Run(ctx context.Context) error {
	delay := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		wasConnected, err := c.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if wasConnected {
			delay = time.Second
		}
		c.logger.Warn("push channel lost, reconnecting",
			zap.Error(err),
			zap.Duration("backoff", delay),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(delay)):
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// jitter adds up to 50% to d.
func jitter(d time.Duration) time.Duration {
	max := int64(d / 2)
	if max <= 0 {
		return d
	}
	n, err := rand.Int(rand.Reader, big.NewInt(max))
	if err != nil {
		return d
	}
	return d + time.Duration(n.Int64())
}

func (c *PushClient) connectAndRead(ctx context.Context) (bool, error) {
	header := http.Header{}
	if c.apiKey != "" {
		header.Set("X-API-Key", c.apiKey)
	}
	session := uuid.NewString()
	header.Set("X-Session-Id", session)

	conn, resp, err := c.dialer.DialContext(ctx, c.url, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return false, fmt.Errorf("dial: %w (status %d)", err, resp.StatusCode)
		}
		return false, fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	c.logger.Info("push channel connected", zap.String("url", c.url), zap.String("session", session))

	conn.SetReadDeadline(time.Now().Add(pushPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pushPongWait))
	})

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go c.pingLoop(pingCtx, conn)

	// Unblock ReadMessage on shutdown.
	go func() {
		<-pingCtx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pushPongWait))

		receivedAt := c.now()
		for _, rec := range DecodeFrame(data) {
			raw := domain.RawAlert{Fields: rec, Source: domain.SourcePush, ReceivedAt: receivedAt}
			if err := c.target.SubmitPush(ctx, raw); err != nil {
				return true, fmt.Errorf("submit: %w", err)
			}
		}
	}
}

func (c *PushClient) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pushPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deadline := time.Now().Add(pushWriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// DecodeFrame extracts alert records from one push frame: a single object,
// an {"event": ..., "data": {...}} envelope, or an array of either.
func DecodeFrame(data []byte) []map[string]any {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil
	}
	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil
		}
		var out []map[string]any
		for _, item := range items {
			out = append(out, DecodeFrame(item)...)
		}
		return out
	}

	rec, err := decodeObject(trimmed)
	if err != nil {
		return nil
	}
	if inner, ok := rec["data"].(map[string]any); ok {
		return []map[string]any{inner}
	}
	return []map[string]any{rec}
}
