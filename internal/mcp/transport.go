package mcp

import (
	"context"
	"encoding/json"

	"github.com/parley-chat/parley/pkg/models"
)

// Transport is a JSON-RPC connection to one tool server.
type Transport interface {
	// Connect establishes the transport connection.
	Connect(ctx context.Context) error

	// Close closes the transport connection.
	Close() error

	// Call sends a request and waits for a response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, method string, params any) error

	// Events returns a channel for server notifications.
	Events() <-chan *JSONRPCNotification

	// Connected reports whether the transport is usable.
	Connected() bool
}

// NewTransport builds the transport matching the config's transport field.
// The config must already be validated.
func NewTransport(cfg *models.ToolServerConfig) Transport {
	if cfg.HTTPEndpoint != "" {
		return NewHTTPTransport(cfg)
	}
	return NewStdioTransport(cfg)
}
