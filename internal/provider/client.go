// Package provider implements the OpenRouter chat-completions client:
// streaming requests with retry and classification, small non-streaming
// completions for auxiliary calls, and the model catalog.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parley-chat/parley/internal/backoff"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"

	// firstByteTimeout bounds the wait for response headers; the total
	// stream lifetime is bounded separately.
	firstByteTimeout = 30 * time.Second
	streamTimeout    = 5 * time.Minute

	maxStreamAttempts = 3
)

// Options configures the client.
type Options struct {
	APIKey  string
	BaseURL string

	// Referer and Title populate the OpenRouter attribution headers.
	Referer string
	Title   string

	Logger *slog.Logger
}

// Client talks to an OpenRouter-compatible endpoint.
type Client struct {
	apiKey  string
	baseURL string
	referer string
	title   string

	httpClient *http.Client
	openai     *openai.Client
	policy     backoff.Policy
	logger     *slog.Logger
}

// NewClient builds a client with a pooled transport.
func NewClient(opts Options) *Client {
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: firstByteTimeout,
	}

	cfg := openai.DefaultConfig(opts.APIKey)
	cfg.BaseURL = baseURL
	cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}

	return &Client{
		apiKey:     opts.APIKey,
		baseURL:    baseURL,
		referer:    opts.Referer,
		title:      opts.Title,
		httpClient: &http.Client{Transport: transport},
		openai:     openai.NewClientWithConfig(cfg),
		policy:     backoff.DefaultPolicy(),
		logger:     logger.With("component", "provider"),
	}
}

// Stream opens a streaming chat completion. Transient failures before the
// first byte are retried with backoff; once a stream is open it is the
// caller's to consume and close.
func (c *Client) Stream(ctx context.Context, req *ChatRequest) (*ChatStream, error) {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, streamTimeout)

	stream, err := backoff.Retry(ctx, c.policy, maxStreamAttempts, IsRetryable,
		func(attempt int) (*ChatStream, error) {
			if attempt > 1 {
				c.logger.Warn("retrying provider stream", "attempt", attempt, "model", req.Model)
			}
			return c.openStream(ctx, body)
		})
	if err != nil {
		cancel()
		return nil, err
	}
	stream.cancel = cancel
	return stream, nil
}

func (c *Client) openStream(ctx context.Context, body []byte) (*ChatStream, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Message: err.Error()}
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, classifyStatus(resp.StatusCode, readErrorBody(resp.Body))
	}
	return newChatStream(resp.Body), nil
}

// Complete issues a small non-streaming completion, used for auxiliary
// calls such as conversation titling.
func (c *Client) Complete(ctx context.Context, model string, messages []openai.ChatCompletionMessage, maxTokens int) (string, error) {
	resp, err := c.openai.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("completion: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

// ListModels fetches the provider's model catalog.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Kind: KindTransient, Message: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, readErrorBody(resp.Body))
	}

	var payload struct {
		Data []Model `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	return payload.Data, nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	if c.referer != "" {
		req.Header.Set("HTTP-Referer", c.referer)
	}
	if c.title != "" {
		req.Header.Set("X-Title", c.title)
	}
}

// readErrorBody extracts the provider's error message from a non-200
// response, falling back to the raw body.
func readErrorBody(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 8<<10))
	if err != nil || len(raw) == 0 {
		return "no response body"
	}
	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error.Message != "" {
		return payload.Error.Message
	}
	return string(raw)
}
