package models

import (
	"encoding/json"
	"time"
)

// ProviderOverrides are OpenRouter routing options echoed in the outbound
// request's provider block.
type ProviderOverrides struct {
	Sort              string `json:"sort,omitempty"`
	DataCollection    string `json:"data_collection,omitempty"`
	AllowFallbacks    *bool  `json:"allow_fallbacks,omitempty"`
	RequireParameters *bool  `json:"require_parameters,omitempty"`
}

// StopSequences accepts either a single string or an array of strings, as
// the chat-completions API does.
type StopSequences []string

func (s StopSequences) MarshalJSON() ([]byte, error) {
	if len(s) == 1 {
		return json.Marshal(s[0])
	}
	return json.Marshal([]string(s))
}

func (s *StopSequences) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = StopSequences{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ResponseFormat selects the provider's output format.
type ResponseFormat struct {
	Type string `json:"type"`
}

// Reasoning configures reasoning-capable models.
type Reasoning struct {
	Effort    string `json:"effort,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
	Exclude   *bool  `json:"exclude,omitempty"`
}

// Parameters are the sampling options recognized and forwarded to the
// provider when set. Pointers distinguish "unset" from zero values.
type Parameters struct {
	Temperature       *float64        `json:"temperature,omitempty"`
	TopP              *float64        `json:"top_p,omitempty"`
	TopK              *int            `json:"top_k,omitempty"`
	MinP              *float64        `json:"min_p,omitempty"`
	TopA              *float64        `json:"top_a,omitempty"`
	MaxTokens         *int            `json:"max_tokens,omitempty"`
	FrequencyPenalty  *float64        `json:"frequency_penalty,omitempty"`
	PresencePenalty   *float64        `json:"presence_penalty,omitempty"`
	RepetitionPenalty *float64        `json:"repetition_penalty,omitempty"`
	Seed              *int64          `json:"seed,omitempty"`
	Stop              StopSequences   `json:"stop,omitempty"`
	ParallelToolCalls *bool           `json:"parallel_tool_calls,omitempty"`
	ToolChoice        string          `json:"tool_choice,omitempty"`
	SafePrompt        *bool           `json:"safe_prompt,omitempty"`
	RawMode           *bool           `json:"raw_mode,omitempty"`
	StructuredOutputs *bool           `json:"structured_outputs,omitempty"`
	ResponseFormat    *ResponseFormat `json:"response_format,omitempty"`
	Reasoning         *Reasoning      `json:"reasoning,omitempty"`
}

// ModelSettings is a snapshot of the model configuration used to issue a
// provider request. Snapshots are immutable once used; mutations produce a
// new snapshot. Persisted snapshots nest sampling options under
// "parameters"; the outbound provider request flattens them.
type ModelSettings struct {
	ModelID           string            `json:"model_id"`
	ProviderOverrides ProviderOverrides `json:"provider_overrides,omitempty"`
	Parameters        Parameters        `json:"parameters,omitempty"`
	SystemPrompt      string            `json:"system_prompt,omitempty"`
	UpdatedAt         time.Time         `json:"updated_at,omitempty"`
}

// Clone returns a deep copy so callers can mutate freely without touching
// the active snapshot.
func (m ModelSettings) Clone() ModelSettings {
	out := m
	out.Parameters = m.Parameters.clone()
	out.ProviderOverrides = m.ProviderOverrides.clone()
	return out
}

func (p Parameters) clone() Parameters {
	out := p
	out.Temperature = cloneFloat(p.Temperature)
	out.TopP = cloneFloat(p.TopP)
	out.TopK = cloneInt(p.TopK)
	out.MinP = cloneFloat(p.MinP)
	out.TopA = cloneFloat(p.TopA)
	out.MaxTokens = cloneInt(p.MaxTokens)
	out.FrequencyPenalty = cloneFloat(p.FrequencyPenalty)
	out.PresencePenalty = cloneFloat(p.PresencePenalty)
	out.RepetitionPenalty = cloneFloat(p.RepetitionPenalty)
	if p.Seed != nil {
		v := *p.Seed
		out.Seed = &v
	}
	if p.Stop != nil {
		out.Stop = append(StopSequences(nil), p.Stop...)
	}
	out.ParallelToolCalls = cloneBool(p.ParallelToolCalls)
	out.SafePrompt = cloneBool(p.SafePrompt)
	out.RawMode = cloneBool(p.RawMode)
	out.StructuredOutputs = cloneBool(p.StructuredOutputs)
	if p.ResponseFormat != nil {
		v := *p.ResponseFormat
		out.ResponseFormat = &v
	}
	if p.Reasoning != nil {
		v := *p.Reasoning
		v.Exclude = cloneBool(p.Reasoning.Exclude)
		out.Reasoning = &v
	}
	return out
}

func (o ProviderOverrides) clone() ProviderOverrides {
	out := o
	out.AllowFallbacks = cloneBool(o.AllowFallbacks)
	out.RequireParameters = cloneBool(o.RequireParameters)
	return out
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func cloneBool(v *bool) *bool {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Preset is a named, durable snapshot of model settings plus the
// tool-server configuration active when it was captured.
type Preset struct {
	Name        string             `json:"name"`
	Settings    ModelSettings      `json:"settings"`
	ToolServers []ToolServerConfig `json:"tool_servers,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}
