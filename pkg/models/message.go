package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// MetadataContentParts marks a persisted message whose content column holds
// a JSON-encoded content-part list rather than a plain string.
const MetadataContentParts = "content_parts"

// PartType identifies the kind of a content part.
type PartType string

const (
	PartText           PartType = "text"
	PartImageURL       PartType = "image_url"
	PartToolResultText PartType = "tool_result_text"
)

// ImageURL carries an image reference inside a content part.
type ImageURL struct {
	URL          string `json:"url"`
	MimeType     string `json:"mime_type,omitempty"`
	SizeBytes    int64  `json:"size_bytes,omitempty"`
	AttachmentID string `json:"attachment_id,omitempty"`
}

// ContentPart is one element of a rich message body. Exactly one of the
// type-specific fields is populated, matching Type.
type ContentPart struct {
	Type     PartType  `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: PartText, Text: text}
}

// ImagePart builds an image-url content part.
func ImagePart(img ImageURL) ContentPart {
	return ContentPart{Type: PartImageURL, ImageURL: &img}
}

// Content is a polymorphic message body: either a plain string or an
// ordered list of content parts. The list form round-trips through JSON as
// an array; the plain form as a string.
type Content struct {
	Text  string
	Parts []ContentPart
}

// IsRich reports whether the content uses the part-list form.
func (c Content) IsRich() bool { return c.Parts != nil }

// PlainText flattens the content to a single string for provider endpoints
// that expect plain string bodies.
func (c Content) PlainText() string {
	if !c.IsRich() {
		return c.Text
	}
	var out string
	for _, p := range c.Parts {
		switch p.Type {
		case PartText, PartToolResultText:
			if out != "" && p.Text != "" {
				out += "\n"
			}
			out += p.Text
		}
	}
	return out
}

// MarshalJSON encodes the plain form as a JSON string and the rich form as
// an array of parts.
func (c Content) MarshalJSON() ([]byte, error) {
	if c.IsRich() {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts either a JSON string or an array of parts.
func (c *Content) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		c.Parts = nil
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err != nil {
		return fmt.Errorf("content is neither string nor part list: %w", err)
	}
	c.Text = ""
	c.Parts = parts
	return nil
}

// PlainContent builds a plain-string content body.
func PlainContent(text string) Content { return Content{Text: text} }

// RichContent builds a part-list content body.
func RichContent(parts ...ContentPart) Content {
	if parts == nil {
		parts = []ContentPart{}
	}
	return Content{Parts: parts}
}

// ToolCall is one tool invocation requested by an assistant message.
// Arguments holds the raw JSON string exactly as assembled from the
// provider stream.
type ToolCall struct {
	ID        string `json:"tool_call_id"`
	Name      string `json:"tool_name"`
	Arguments string `json:"arguments_json"`
}

// Message is one entry in a session transcript. IDs are assigned by the
// repository and are strictly increasing; order within a session equals ID
// order.
type Message struct {
	ID         int64      `json:"id"`
	SessionID  string     `json:"session_id"`
	Role       Role       `json:"role"`
	Content    Content    `json:"content"`
	ParentID   *int64     `json:"parent_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	Metadata   string     `json:"metadata,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
