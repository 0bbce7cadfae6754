package provider

import (
	"testing"
)

func intPtr(v int) *int { return &v }

func chunkWithDelta(delta StreamDelta, finish string) *StreamChunk {
	return &StreamChunk{Choices: []StreamChoice{{Delta: delta, FinishReason: finish}}}
}

func TestAccumulatorContentAndFinish(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(chunkWithDelta(StreamDelta{Role: "assistant", Content: "Hello"}, ""))
	acc.Add(chunkWithDelta(StreamDelta{Content: ", world"}, ""))
	acc.Add(chunkWithDelta(StreamDelta{}, "stop"))

	turn := acc.Finalize()
	if turn.Content != "Hello, world" {
		t.Errorf("Content = %q", turn.Content)
	}
	if turn.FinishReason != FinishStop {
		t.Errorf("FinishReason = %q, want stop", turn.FinishReason)
	}
	if len(turn.ToolCalls) != 0 {
		t.Errorf("unexpected tool calls: %+v", turn.ToolCalls)
	}
}

func TestAccumulatorToolCallReassembly(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(chunkWithDelta(StreamDelta{ToolCalls: []ToolCallDelta{{
		Index:    intPtr(0),
		ID:       "call_1",
		Function: FunctionDelta{Name: "get_weather", Arguments: `{"cit`},
	}}}, ""))
	acc.Add(chunkWithDelta(StreamDelta{ToolCalls: []ToolCallDelta{{
		Index:    intPtr(0),
		Function: FunctionDelta{Arguments: `y":"Par`},
	}}}, ""))
	acc.Add(chunkWithDelta(StreamDelta{ToolCalls: []ToolCallDelta{{
		Index:    intPtr(0),
		Function: FunctionDelta{Arguments: `is"}`},
	}}}, ""))
	acc.Add(chunkWithDelta(StreamDelta{}, "tool_calls"))

	turn := acc.Finalize()
	if turn.FinishReason != FinishToolCalls {
		t.Fatalf("FinishReason = %q, want tool_calls", turn.FinishReason)
	}
	if len(turn.ToolCalls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(turn.ToolCalls))
	}
	tc := turn.ToolCalls[0]
	if tc.ID != "call_1" || tc.Name != "get_weather" {
		t.Errorf("unexpected call identity: %+v", tc)
	}
	if tc.Arguments != `{"city":"Paris"}` {
		t.Errorf("Arguments = %q", tc.Arguments)
	}
}

// The same argument text must reassemble identically regardless of how the
// provider splits it across deltas.
func TestAccumulatorFragmentationInvariance(t *testing.T) {
	args := `{"query":"chat history","limit":25,"nested":{"a":[1,2,3]}}`

	for size := 1; size <= len(args); size++ {
		acc := NewAccumulator()
		first := true
		for pos := 0; pos < len(args); pos += size {
			end := pos + size
			if end > len(args) {
				end = len(args)
			}
			delta := ToolCallDelta{Index: intPtr(0), Function: FunctionDelta{Arguments: args[pos:end]}}
			if first {
				delta.ID = "call_x"
				delta.Function.Name = "search"
				first = false
			}
			acc.Add(chunkWithDelta(StreamDelta{ToolCalls: []ToolCallDelta{delta}}, ""))
		}
		turn := acc.Finalize()
		if len(turn.ToolCalls) != 1 || turn.ToolCalls[0].Arguments != args {
			t.Fatalf("fragment size %d: got %+v", size, turn.ToolCalls)
		}
	}
}

func TestAccumulatorParallelCallsKeyedByIndex(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(chunkWithDelta(StreamDelta{ToolCalls: []ToolCallDelta{
		{Index: intPtr(0), ID: "call_a", Function: FunctionDelta{Name: "alpha", Arguments: `{"a"`}},
		{Index: intPtr(1), ID: "call_b", Function: FunctionDelta{Name: "beta", Arguments: `{"b"`}},
	}}, ""))
	acc.Add(chunkWithDelta(StreamDelta{ToolCalls: []ToolCallDelta{
		{Index: intPtr(1), Function: FunctionDelta{Arguments: `:2}`}},
		{Index: intPtr(0), Function: FunctionDelta{Arguments: `:1}`}},
	}}, ""))

	turn := acc.Finalize()
	if len(turn.ToolCalls) != 2 {
		t.Fatalf("got %d calls, want 2", len(turn.ToolCalls))
	}
	if turn.ToolCalls[0].Name != "alpha" || turn.ToolCalls[0].Arguments != `{"a":1}` {
		t.Errorf("call 0 = %+v", turn.ToolCalls[0])
	}
	if turn.ToolCalls[1].Name != "beta" || turn.ToolCalls[1].Arguments != `{"b":2}` {
		t.Errorf("call 1 = %+v", turn.ToolCalls[1])
	}
}

func TestAccumulatorIgnoresOtherChoiceIndexes(t *testing.T) {
	acc := NewAccumulator()
	got := acc.Add(&StreamChunk{Choices: []StreamChoice{
		{Index: 0, Delta: StreamDelta{Content: "mine"}},
		{Index: 1, Delta: StreamDelta{Content: "not mine"}, FinishReason: "stop"},
	}})
	if got != "mine" {
		t.Errorf("Add() = %q, want only choice 0 content", got)
	}
	acc.Add(chunkWithDelta(StreamDelta{Content: "!"}, ""))

	turn := acc.Finalize()
	if turn.Content != "mine!" {
		t.Errorf("Content = %q, stray choice leaked in", turn.Content)
	}
}

func TestAccumulatorFirstNonEmptyIdentityWins(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(chunkWithDelta(StreamDelta{ToolCalls: []ToolCallDelta{{
		Index: intPtr(0), Function: FunctionDelta{Arguments: "{"},
	}}}, ""))
	acc.Add(chunkWithDelta(StreamDelta{ToolCalls: []ToolCallDelta{{
		Index: intPtr(0), ID: "call_late", Function: FunctionDelta{Name: "late_name", Arguments: "}"},
	}}}, ""))
	acc.Add(chunkWithDelta(StreamDelta{ToolCalls: []ToolCallDelta{{
		Index: intPtr(0), ID: "call_other", Function: FunctionDelta{Name: "other"},
	}}}, ""))

	turn := acc.Finalize()
	if len(turn.ToolCalls) != 1 {
		t.Fatalf("got %d calls, want 1", len(turn.ToolCalls))
	}
	if turn.ToolCalls[0].ID != "call_late" || turn.ToolCalls[0].Name != "late_name" {
		t.Errorf("identity = %+v, want first non-empty values kept", turn.ToolCalls[0])
	}
}

func TestAccumulatorMalformedArguments(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(chunkWithDelta(StreamDelta{ToolCalls: []ToolCallDelta{{
		Index:    intPtr(0),
		ID:       "call_bad",
		Function: FunctionDelta{Name: "broken", Arguments: `{"unterminated": tru`},
	}}}, ""))
	acc.Add(chunkWithDelta(StreamDelta{}, "tool_calls"))

	turn := acc.Finalize()
	if len(turn.ToolCalls) != 0 {
		t.Errorf("malformed call must not appear as executable: %+v", turn.ToolCalls)
	}
	if len(turn.Malformed) != 1 {
		t.Fatalf("got %d malformed calls, want 1", len(turn.Malformed))
	}
	mc := turn.Malformed[0]
	if mc.ID != "call_bad" || mc.Name != "broken" || mc.ParseErr == nil {
		t.Errorf("unexpected malformed record: %+v", mc)
	}
}

func TestAccumulatorEmptyArgumentsBecomeEmptyObject(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(chunkWithDelta(StreamDelta{ToolCalls: []ToolCallDelta{{
		Index: intPtr(0), ID: "call_noargs", Function: FunctionDelta{Name: "ping"},
	}}}, ""))

	turn := acc.Finalize()
	if len(turn.ToolCalls) != 1 || turn.ToolCalls[0].Arguments != "{}" {
		t.Fatalf("got %+v, want empty-object arguments", turn.ToolCalls)
	}
	if turn.FinishReason != FinishToolCalls {
		t.Errorf("FinishReason = %q, want tool_calls inferred from calls", turn.FinishReason)
	}
}
