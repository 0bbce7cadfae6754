package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/parley-chat/parley/internal/sse"
	"github.com/parley-chat/parley/pkg/models"
)

// HTTPTransport speaks JSON-RPC over HTTP POST, with an SSE side channel
// for server notifications.
type HTTPTransport struct {
	config *models.ToolServerConfig
	logger *slog.Logger
	client *http.Client

	events    chan *JSONRPCNotification
	connected atomic.Bool
	cancel    context.CancelFunc
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// NewHTTPTransport builds an HTTP transport for the server config.
func NewHTTPTransport(cfg *models.ToolServerConfig) *HTTPTransport {
	timeout := cfg.CallTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPTransport{
		config:   cfg,
		logger:   slog.Default().With("tool_server", cfg.ID, "transport", "http"),
		client:   &http.Client{Timeout: timeout},
		events:   make(chan *JSONRPCNotification, 100),
		stopChan: make(chan struct{}),
	}
}

// Connect marks the transport ready and starts the SSE listener.
// Initialization happens at the client layer. The listener runs on its
// own lifecycle context so it outlives ctx, which only bounds the
// connect phase; it stops at Close.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	if t.config.HTTPEndpoint == "" {
		return fmt.Errorf("endpoint is required for http transport")
	}

	t.connected.Store(true)
	t.logger.Info("http transport ready", "endpoint", t.config.HTTPEndpoint)

	runCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	t.wg.Add(1)
	go t.sseLoop(runCtx)

	return nil
}

// Close stops the SSE listener.
func (t *HTTPTransport) Close() error {
	t.connected.Store(false)
	close(t.stopChan)
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
	return nil
}

// Call posts a request and decodes the response.
func (t *HTTPTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, fmt.Errorf("not connected")
	}

	req := JSONRPCRequest{JSONRPC: "2.0", ID: uuid.New().String(), Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	raw, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}

	var rpcResp JSONRPCResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("tool server error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// Notify posts a notification, ignoring the response body.
func (t *HTTPTransport) Notify(ctx context.Context, method string, params any) error {
	if !t.connected.Load() {
		return fmt.Errorf("not connected")
	}

	notif := JSONRPCNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}

	_, err := t.post(ctx, notif)
	return err
}

func (t *HTTPTransport) post(ctx context.Context, payload any) ([]byte, error) {
	body, _ := json.Marshal(payload)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.config.HTTPEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(raw))
	}
	return io.ReadAll(resp.Body)
}

// Events returns the notification channel.
func (t *HTTPTransport) Events() <-chan *JSONRPCNotification {
	return t.events
}

// Connected reports whether the transport is usable.
func (t *HTTPTransport) Connected() bool {
	return t.connected.Load()
}

// sseLoop keeps a notification stream open, reconnecting with a short
// pause after each drop.
func (t *HTTPTransport) sseLoop(ctx context.Context) {
	defer t.wg.Done()

	sseURL := strings.TrimSuffix(t.config.HTTPEndpoint, "/") + "/sse"

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopChan:
			return
		default:
		}

		t.consumeSSE(ctx, sseURL)

		select {
		case <-ctx.Done():
			return
		case <-t.stopChan:
			return
		case <-time.After(2 * time.Second):
		}
	}
}

func (t *HTTPTransport) consumeSSE(ctx context.Context, sseURL string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sseURL, nil)
	if err != nil {
		t.logger.Debug("failed to create SSE request", "error", err)
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	// The pooled client has a per-call timeout that would cut a long-lived
	// stream; use a bare client for the listener.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		t.logger.Debug("SSE connection failed", "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.logger.Debug("SSE returned non-200", "status", resp.StatusCode)
		return
	}

	scanner := sse.NewScanner(resp.Body)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopChan:
			return
		default:
		}

		ev, err := scanner.Next()
		if err != nil {
			if err != io.EOF {
				t.logger.Debug("SSE read error", "error", err)
			}
			return
		}

		var notif JSONRPCNotification
		if err := json.Unmarshal([]byte(ev.Data), &notif); err != nil || notif.Method == "" {
			continue
		}
		select {
		case t.events <- &notif:
		default:
			t.logger.Warn("notification channel full, dropping")
		}
	}
}
