package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/parley-chat/parley/internal/backoff"
)

func fastPolicy() backoff.Policy {
	return backoff.Policy{Initial: time.Millisecond, Max: time.Millisecond, Factor: 1}
}

func writeSSE(w http.ResponseWriter, frames ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	for _, f := range frames {
		fmt.Fprintf(w, "data: %s\n\n", f)
	}
}

func TestClientStreamDecodesChunks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		writeSSE(w,
			`{"choices":[{"delta":{"role":"assistant","content":"Hel"}}]}`,
			`{"choices":[{"delta":{"content":"lo"}}]}`,
			`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
			"[DONE]",
		)
	}))
	defer srv.Close()

	c := NewClient(Options{APIKey: "test-key", BaseURL: srv.URL})
	c.policy = fastPolicy()

	stream, err := c.Stream(context.Background(), &ChatRequest{Model: "test/model"})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer stream.Close()

	acc := NewAccumulator()
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		acc.Add(chunk)
	}
	turn := acc.Finalize()
	if turn.Content != "Hello" || turn.FinishReason != FinishStop {
		t.Errorf("turn = %+v", turn)
	}
}

func TestClientStreamRetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, `{"error":{"message":"upstream overloaded"}}`, http.StatusBadGateway)
			return
		}
		writeSSE(w, `{"choices":[{"delta":{"content":"ok"}}]}`, "[DONE]")
	}))
	defer srv.Close()

	c := NewClient(Options{APIKey: "k", BaseURL: srv.URL})
	c.policy = fastPolicy()

	stream, err := c.Stream(context.Background(), &ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer stream.Close()

	if got := calls.Load(); got != 2 {
		t.Errorf("server calls = %d, want 2", got)
	}
}

func TestClientStreamFatalNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"invalid api key"}}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(Options{APIKey: "bad", BaseURL: srv.URL})
	c.policy = fastPolicy()

	_, err := c.Stream(context.Background(), &ChatRequest{Model: "m"})
	if err == nil {
		t.Fatal("expected error")
	}
	var perr *Error
	if !errors.As(err, &perr) || perr.Kind != KindFatal || perr.Status != http.StatusUnauthorized {
		t.Errorf("err = %v, want fatal 401", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("server calls = %d, want 1 (no retry)", got)
	}
}

func TestClientStreamExhaustsTransientRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(Options{APIKey: "k", BaseURL: srv.URL})
	c.policy = fastPolicy()

	_, err := c.Stream(context.Background(), &ChatRequest{Model: "m"})
	if !errors.Is(err, backoff.ErrAttemptsExhausted) {
		t.Fatalf("err = %v, want attempts exhausted", err)
	}
	if got := calls.Load(); got != maxStreamAttempts {
		t.Errorf("server calls = %d, want %d", got, maxStreamAttempts)
	}
}

func TestClientStreamTruncation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Body ends without the [DONE] sentinel.
		writeSSE(w, `{"choices":[{"delta":{"content":"partial"}}]}`)
	}))
	defer srv.Close()

	c := NewClient(Options{APIKey: "k", BaseURL: srv.URL})
	c.policy = fastPolicy()

	stream, err := c.Stream(context.Background(), &ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer stream.Close()

	if _, err := stream.Recv(); err != nil {
		t.Fatalf("first Recv() error = %v", err)
	}
	if _, err := stream.Recv(); !errors.Is(err, ErrStreamTruncated) {
		t.Errorf("Recv() error = %v, want ErrStreamTruncated", err)
	}
}

func TestClientStreamSkipsNonChunkFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, ": keep-alive\n\n")
		io.WriteString(w, "data: OPENROUTER PROCESSING\n\n")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewClient(Options{APIKey: "k", BaseURL: srv.URL})
	c.policy = fastPolicy()

	stream, err := c.Stream(context.Background(), &ChatRequest{Model: "m"})
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	defer stream.Close()

	chunk, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv() error = %v", err)
	}
	if chunk.Choices[0].Delta.Content != "hi" {
		t.Errorf("unexpected chunk: %+v", chunk)
	}
	if _, err := stream.Recv(); err != io.EOF {
		t.Errorf("Recv() after DONE = %v, want io.EOF", err)
	}
}

func TestFilterModels(t *testing.T) {
	catalog := []Model{
		{ID: "openai/gpt-4o", Name: "GPT-4o", SupportedParameters: []string{"tools", "temperature"},
			Architecture: Architecture{InputModalities: []string{"text", "image"}}},
		{ID: "meta/llama-3", Name: "Llama 3", SupportedParameters: []string{"temperature"}},
	}

	tools := FilterModels(catalog, CatalogFilter{ToolsOnly: true})
	if len(tools) != 1 || tools[0].ID != "openai/gpt-4o" {
		t.Errorf("ToolsOnly = %+v", tools)
	}
	search := FilterModels(catalog, CatalogFilter{Search: "llama"})
	if len(search) != 1 || search[0].ID != "meta/llama-3" {
		t.Errorf("Search = %+v", search)
	}
	images := FilterModels(catalog, CatalogFilter{ImagesOnly: true})
	if len(images) != 1 || images[0].ID != "openai/gpt-4o" {
		t.Errorf("ImagesOnly = %+v", images)
	}
}
