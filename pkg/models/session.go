// Package models defines the core data types shared across the gateway:
// sessions, messages, content parts, tool calls, attachments, and model
// configuration snapshots.
package models

import "time"

// TitleSource records how a session title was produced.
type TitleSource string

const (
	TitleSourceAuto TitleSource = "auto"
	TitleSourceAI   TitleSource = "ai"
	TitleSourceUser TitleSource = "user"
)

// Session is a single conversation between a client and the gateway.
type Session struct {
	ID          string      `json:"session_id"`
	Title       string      `json:"title,omitempty"`
	TitleSource TitleSource `json:"title_source,omitempty"`
	Saved       bool        `json:"saved"`
	Timezone    string      `json:"timezone,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// SessionSummary is the compact session representation returned by list
// endpoints, including a preview of the first user message.
type SessionSummary struct {
	ID           string      `json:"session_id"`
	Title        string      `json:"title,omitempty"`
	TitleSource  TitleSource `json:"title_source,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	MessageCount int         `json:"message_count"`
	Preview      string      `json:"preview,omitempty"`
}
