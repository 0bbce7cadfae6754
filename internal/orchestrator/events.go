package orchestrator

// EventType discriminates the events emitted while processing a turn.
type EventType string

const (
	// EventSession announces the resolved session id before any content.
	EventSession EventType = "session"
	// EventDelta carries an assistant text fragment.
	EventDelta EventType = "delta"
	// EventTool reports tool-call lifecycle transitions.
	EventTool EventType = "tool"
	// EventError is a terminal error frame; EventDone still follows.
	EventError EventType = "error"
	// EventDone terminates the stream.
	EventDone EventType = "done"
)

// ToolStatus is the lifecycle state carried by a tool event.
type ToolStatus string

const (
	ToolStarted  ToolStatus = "started"
	ToolFinished ToolStatus = "finished"
	ToolFailed   ToolStatus = "error"
)

// Terminal error reasons surfaced to the client.
const (
	ReasonToolLoopExhausted = "tool_loop_exhausted"
	ReasonProviderError     = "provider_error"
	ReasonInternalError     = "internal_error"
)

// ToolEvent describes one tool-call transition.
type ToolEvent struct {
	Name   string     `json:"name"`
	Status ToolStatus `json:"status"`
	CallID string     `json:"call_id"`
	Result string     `json:"result,omitempty"`
}

// ErrorEvent is the payload of a terminal error frame.
type ErrorEvent struct {
	Reason  string `json:"error"`
	Message string `json:"message,omitempty"`
}

// Event is one item in the stream returned by ProcessStream. Exactly one
// payload field is meaningful for a given Type.
type Event struct {
	Type      EventType
	SessionID string
	Delta     string
	Reasoning string
	Tool      *ToolEvent
	Err       *ErrorEvent
}
