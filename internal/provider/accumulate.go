package provider

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/parley-chat/parley/pkg/models"
)

// FinishReason is the normalized end-of-turn classification.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
	FinishError     FinishReason = "error"
)

// MalformedCall is a tool call whose reassembled arguments failed to parse
// as a JSON object. The call is never executed; callers synthesize an error
// tool result instead.
type MalformedCall struct {
	ID       string
	Name     string
	Raw      string
	ParseErr error
}

// Turn is the fully accumulated assistant turn.
type Turn struct {
	Content      string
	Reasoning    string
	ToolCalls    []models.ToolCall
	Malformed    []MalformedCall
	FinishReason FinishReason
	Usage        *Usage
}

type callAccumulator struct {
	id   string
	name string
	args strings.Builder
}

// Accumulator folds streamed chunks into a complete assistant turn.
// Tool-call fragments are keyed by their delta index; id and name take the
// first non-empty value seen, while argument fragments concatenate in
// arrival order. Arguments are parsed exactly once, at Finalize.
type Accumulator struct {
	content   strings.Builder
	reasoning strings.Builder
	calls     map[int]*callAccumulator
	order     []int
	nextIndex int
	finish    FinishReason
	usage     *Usage
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{calls: make(map[int]*callAccumulator)}
}

// Add folds one chunk into the turn and returns the delta content, if any,
// for immediate forwarding to the client.
func (a *Accumulator) Add(chunk *StreamChunk) string {
	if chunk == nil || len(chunk.Choices) == 0 {
		if chunk != nil && chunk.Usage != nil {
			a.usage = chunk.Usage
		}
		return ""
	}
	if chunk.Usage != nil {
		a.usage = chunk.Usage
	}

	// Requests always pin a single completion (n=1), so the accumulator
	// models one choice: deltas for choice index 0 are folded and any
	// other index is dropped rather than merged into the wrong turn.
	var emitted string
	for _, choice := range chunk.Choices {
		if choice.Index != 0 {
			continue
		}
		delta := choice.Delta

		a.content.WriteString(delta.Content)
		a.reasoning.WriteString(delta.Reasoning)
		emitted += delta.Content

		for _, tc := range delta.ToolCalls {
			idx := a.nextIndex
			if tc.Index != nil {
				idx = *tc.Index
			}
			acc, ok := a.calls[idx]
			if !ok {
				acc = &callAccumulator{}
				a.calls[idx] = acc
				a.order = append(a.order, idx)
				a.nextIndex = idx + 1
			}
			if acc.id == "" {
				acc.id = tc.ID
			}
			if acc.name == "" {
				acc.name = tc.Function.Name
			}
			acc.args.WriteString(tc.Function.Arguments)
		}

		if choice.FinishReason != "" {
			a.finish = normalizeFinish(choice.FinishReason)
		}
	}
	return emitted
}

// Finalize closes the turn, parsing each call's reassembled arguments.
func (a *Accumulator) Finalize() *Turn {
	turn := &Turn{
		Content:   a.content.String(),
		Reasoning: a.reasoning.String(),
		Usage:     a.usage,
	}

	indexes := append([]int(nil), a.order...)
	sort.Ints(indexes)

	for _, idx := range indexes {
		acc := a.calls[idx]
		raw := acc.args.String()
		if raw == "" {
			raw = "{}"
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(raw), &obj); err != nil {
			turn.Malformed = append(turn.Malformed, MalformedCall{
				ID:       acc.id,
				Name:     acc.name,
				Raw:      raw,
				ParseErr: err,
			})
			continue
		}
		turn.ToolCalls = append(turn.ToolCalls, models.ToolCall{
			ID:        acc.id,
			Name:      acc.name,
			Arguments: raw,
		})
	}

	turn.FinishReason = a.finish
	if turn.FinishReason == "" {
		if len(turn.ToolCalls) > 0 || len(turn.Malformed) > 0 {
			turn.FinishReason = FinishToolCalls
		} else {
			turn.FinishReason = FinishStop
		}
	}
	return turn
}

func normalizeFinish(reason string) FinishReason {
	switch reason {
	case "stop", "end_turn":
		return FinishStop
	case "tool_calls", "function_call":
		return FinishToolCalls
	case "length", "max_tokens":
		return FinishLength
	case "error":
		return FinishError
	default:
		return FinishStop
	}
}
