package provider

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/parley-chat/parley/internal/sse"
)

// StreamChunk is one decoded streaming chat-completion chunk.
type StreamChunk struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
	Error   *WireError     `json:"error,omitempty"`
}

// StreamChoice carries one choice's delta and finish reason.
type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// StreamDelta is the incremental content of a chunk.
type StreamDelta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	Reasoning string          `json:"reasoning,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ToolCallDelta is a fragment of a streamed tool call. The index keys
// fragments to an accumulating call; id and name typically arrive only on
// the first fragment while arguments trickle across many.
type ToolCallDelta struct {
	Index    *int          `json:"index,omitempty"`
	ID       string        `json:"id,omitempty"`
	Type     string        `json:"type,omitempty"`
	Function FunctionDelta `json:"function"`
}

// FunctionDelta carries partial function call data.
type FunctionDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Usage is the token accounting reported on the final chunk.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// WireError is an error object embedded mid-stream by the provider.
type WireError struct {
	Code    any    `json:"code,omitempty"`
	Message string `json:"message"`
}

// ChatStream decodes chat-completion chunks from an SSE response body.
// Recv returns io.EOF after the [DONE] sentinel; a body that closes before
// the sentinel yields ErrStreamTruncated.
type ChatStream struct {
	scanner *sse.Scanner
	body    io.Closer
	cancel  func()
	done    bool
}

func newChatStream(body io.ReadCloser) *ChatStream {
	return &ChatStream{scanner: sse.NewScanner(body), body: body}
}

// Recv returns the next decoded chunk.
func (s *ChatStream) Recv() (*StreamChunk, error) {
	if s.done {
		return nil, io.EOF
	}
	for {
		ev, err := s.scanner.Next()
		if err == io.EOF {
			if !s.done {
				return nil, ErrStreamTruncated
			}
			return nil, io.EOF
		}
		if err != nil {
			return nil, fmt.Errorf("read stream: %w", err)
		}
		if ev.IsDone() {
			s.done = true
			return nil, io.EOF
		}
		if ev.Data == "" {
			continue
		}
		var chunk StreamChunk
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			// Providers occasionally interleave keep-alive or vendor
			// frames; skip anything that is not a chunk object.
			continue
		}
		if chunk.Error != nil {
			return nil, &Error{Kind: KindFatal, Message: chunk.Error.Message}
		}
		return &chunk, nil
	}
}

// Close releases the underlying response body and its deadline.
func (s *ChatStream) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.body == nil {
		return nil
	}
	return s.body.Close()
}
