package provider

import (
	"encoding/json"
	"testing"

	"github.com/parley-chat/parley/pkg/models"
)

func TestApplySettingsFlattensParameters(t *testing.T) {
	temp := 0.7
	topK := 40
	seed := int64(1234)
	settings := models.ModelSettings{
		ModelID:           "openai/gpt-4o",
		ProviderOverrides: models.ProviderOverrides{Sort: "throughput"},
		Parameters: models.Parameters{
			Temperature: &temp,
			TopK:        &topK,
			Seed:        &seed,
			Stop:        models.StopSequences{"END"},
		},
	}

	var req ChatRequest
	req.ApplySettings(settings)

	raw, err := json.Marshal(&req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var wire map[string]any
	if err := json.Unmarshal(raw, &wire); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if wire["model"] != "openai/gpt-4o" {
		t.Errorf("model = %v", wire["model"])
	}
	if wire["temperature"] != 0.7 {
		t.Errorf("temperature = %v", wire["temperature"])
	}
	if wire["top_k"] != float64(40) {
		t.Errorf("top_k = %v", wire["top_k"])
	}
	if _, nested := wire["parameters"]; nested {
		t.Error("request must flatten sampling options, not nest them")
	}
	provider, ok := wire["provider"].(map[string]any)
	if !ok || provider["sort"] != "throughput" {
		t.Errorf("provider block = %v", wire["provider"])
	}
	// Single stop sequence serializes as a bare string.
	if wire["stop"] != "END" {
		t.Errorf("stop = %v", wire["stop"])
	}
}

func TestApplySettingsDoesNotAliasSnapshot(t *testing.T) {
	temp := 0.5
	settings := models.ModelSettings{
		ModelID:    "m",
		Parameters: models.Parameters{Temperature: &temp},
	}

	var req ChatRequest
	req.ApplySettings(settings)
	*req.Temperature = 1.5

	if *settings.Parameters.Temperature != 0.5 {
		t.Error("request mutation leaked into the settings snapshot")
	}
}

func TestConvertMessagesRoles(t *testing.T) {
	parent := int64(1)
	msgs := []*models.Message{
		{Role: models.RoleUser, Content: models.PlainContent("hi")},
		{Role: models.RoleAssistant, Content: models.PlainContent(""), ToolCalls: []models.ToolCall{
			{ID: "call_1", Name: "files__read", Arguments: `{"path":"a.txt"}`},
		}},
		{Role: models.RoleTool, ToolCallID: "call_1", ToolName: "files__read",
			Content: models.RichContent(models.ContentPart{Type: models.PartToolResultText, Text: "contents"}),
			ParentID: &parent},
	}

	wire := ConvertMessages(msgs)
	if len(wire) != 3 {
		t.Fatalf("got %d messages", len(wire))
	}
	if wire[0].Content != "hi" {
		t.Errorf("user content = %v", wire[0].Content)
	}
	if len(wire[1].ToolCalls) != 1 || wire[1].ToolCalls[0].Function.Arguments != `{"path":"a.txt"}` {
		t.Errorf("assistant tool calls = %+v", wire[1].ToolCalls)
	}
	if wire[2].ToolCallID != "call_1" || wire[2].Name != "files__read" {
		t.Errorf("tool message identity = %+v", wire[2])
	}
	// Tool messages always flatten to plain text.
	if wire[2].Content != "contents" {
		t.Errorf("tool content = %v", wire[2].Content)
	}
}

func TestConvertMessagesRichUserContent(t *testing.T) {
	msgs := []*models.Message{{
		Role: models.RoleUser,
		Content: models.RichContent(
			models.TextPart("what is this?"),
			models.ImagePart(models.ImageURL{URL: "https://blobs/img.png", AttachmentID: "att-1"}),
		),
	}}

	wire := ConvertMessages(msgs)
	raw, err := json.Marshal(wire[0])
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded struct {
		Content []map[string]any `json:"content"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(decoded.Content) != 2 {
		t.Fatalf("content parts = %d, want 2", len(decoded.Content))
	}
	if decoded.Content[0]["type"] != "text" || decoded.Content[0]["text"] != "what is this?" {
		t.Errorf("text part = %v", decoded.Content[0])
	}
	img, _ := decoded.Content[1]["image_url"].(map[string]any)
	if decoded.Content[1]["type"] != "image_url" || img["url"] != "https://blobs/img.png" {
		t.Errorf("image part = %v", decoded.Content[1])
	}
	// Internal attachment bookkeeping must not reach the wire.
	if _, leaked := img["attachment_id"]; leaked {
		t.Error("attachment_id leaked into the provider request")
	}
}
