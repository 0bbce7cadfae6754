package provider

import (
	openai "github.com/sashabaranov/go-openai"

	"github.com/parley-chat/parley/pkg/models"
)

// ChatMessage is the provider-bound message shape. Content is either a
// plain string or a list of wire content parts; richer internal shapes are
// translated at this boundary.
type ChatMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content"`
	ToolCalls  []WireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

// WireToolCall is an assistant-message tool call in the provider's shape.
type WireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function WireFunction `json:"function"`
}

// WireFunction carries the function name and raw JSON arguments.
type WireFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type wireTextPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type wireImagePart struct {
	Type     string       `json:"type"`
	ImageURL wireImageURL `json:"image_url"`
}

type wireImageURL struct {
	URL string `json:"url"`
}

// ChatRequest is the outbound chat-completions request. Sampling
// parameters are flattened at the top level; persisted snapshots keep them
// nested under "parameters".
type ChatRequest struct {
	Model    string                    `json:"model"`
	Messages []ChatMessage             `json:"messages"`
	Tools    []openai.Tool             `json:"tools,omitempty"`
	Stream   bool                      `json:"stream"`
	Provider *models.ProviderOverrides `json:"provider,omitempty"`

	Temperature       *float64               `json:"temperature,omitempty"`
	TopP              *float64               `json:"top_p,omitempty"`
	TopK              *int                   `json:"top_k,omitempty"`
	MinP              *float64               `json:"min_p,omitempty"`
	TopA              *float64               `json:"top_a,omitempty"`
	MaxTokens         *int                   `json:"max_tokens,omitempty"`
	FrequencyPenalty  *float64               `json:"frequency_penalty,omitempty"`
	PresencePenalty   *float64               `json:"presence_penalty,omitempty"`
	RepetitionPenalty *float64               `json:"repetition_penalty,omitempty"`
	Seed              *int64                 `json:"seed,omitempty"`
	Stop              models.StopSequences   `json:"stop,omitempty"`
	ParallelToolCalls *bool                  `json:"parallel_tool_calls,omitempty"`
	ToolChoice        string                 `json:"tool_choice,omitempty"`
	SafePrompt        *bool                  `json:"safe_prompt,omitempty"`
	RawMode           *bool                  `json:"raw_mode,omitempty"`
	StructuredOutputs *bool                  `json:"structured_outputs,omitempty"`
	ResponseFormat    *models.ResponseFormat `json:"response_format,omitempty"`
	Reasoning         *models.Reasoning      `json:"reasoning,omitempty"`
}

// ApplySettings copies the snapshot's sampling parameters and routing
// overrides into the flattened request form.
func (r *ChatRequest) ApplySettings(s models.ModelSettings) {
	s = s.Clone()
	if s.ModelID != "" && r.Model == "" {
		r.Model = s.ModelID
	}
	if s.ProviderOverrides != (models.ProviderOverrides{}) {
		ov := s.ProviderOverrides
		r.Provider = &ov
	}
	p := s.Parameters
	r.Temperature = p.Temperature
	r.TopP = p.TopP
	r.TopK = p.TopK
	r.MinP = p.MinP
	r.TopA = p.TopA
	r.MaxTokens = p.MaxTokens
	r.FrequencyPenalty = p.FrequencyPenalty
	r.PresencePenalty = p.PresencePenalty
	r.RepetitionPenalty = p.RepetitionPenalty
	r.Seed = p.Seed
	r.Stop = p.Stop
	r.ParallelToolCalls = p.ParallelToolCalls
	r.ToolChoice = p.ToolChoice
	r.SafePrompt = p.SafePrompt
	r.RawMode = p.RawMode
	r.StructuredOutputs = p.StructuredOutputs
	r.ResponseFormat = p.ResponseFormat
	r.Reasoning = p.Reasoning
}

// ConvertMessages translates stored messages into the provider shape:
// rich content becomes wire part lists, assistant tool calls keep their raw
// argument JSON, and tool messages carry text only.
func ConvertMessages(msgs []*models.Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := ChatMessage{Role: string(m.Role)}
		switch m.Role {
		case models.RoleTool:
			cm.Content = m.Content.PlainText()
			cm.ToolCallID = m.ToolCallID
			cm.Name = m.ToolName
		case models.RoleAssistant:
			cm.Content = m.Content.PlainText()
			for _, tc := range m.ToolCalls {
				cm.ToolCalls = append(cm.ToolCalls, WireToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: WireFunction{
						Name:      tc.Name,
						Arguments: tc.Arguments,
					},
				})
			}
		default:
			cm.Content = convertContent(m.Content)
		}
		out = append(out, cm)
	}
	return out
}

func convertContent(c models.Content) any {
	if !c.IsRich() {
		return c.Text
	}
	parts := make([]any, 0, len(c.Parts))
	for _, p := range c.Parts {
		switch p.Type {
		case models.PartText, models.PartToolResultText:
			parts = append(parts, wireTextPart{Type: "text", Text: p.Text})
		case models.PartImageURL:
			if p.ImageURL != nil {
				parts = append(parts, wireImagePart{
					Type:     "image_url",
					ImageURL: wireImageURL{URL: p.ImageURL.URL},
				})
			}
		}
	}
	return parts
}

// SystemMessage builds a transient system message for the request head.
func SystemMessage(content string) ChatMessage {
	return ChatMessage{Role: string(models.RoleSystem), Content: content}
}
