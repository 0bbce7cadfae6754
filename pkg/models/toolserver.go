package models

import (
	"errors"
	"time"
)

// ToolServerConfig describes one tool server in the aggregator pool.
// Exactly one transport field (ModuleEntry, Command, or HTTPEndpoint) must
// be populated.
type ToolServerConfig struct {
	ID      string `json:"id" yaml:"id"`
	Enabled bool   `json:"enabled" yaml:"enabled"`

	// ModuleEntry names a well-known executable entry point spawned as a
	// child process speaking JSON-RPC over stdio.
	ModuleEntry string `json:"module_entry,omitempty" yaml:"module_entry,omitempty"`

	// Command is an arbitrary command vector launched with the same stdio
	// protocol; permits non-Go server implementations.
	Command []string `json:"command,omitempty" yaml:"command,omitempty"`

	// HTTPEndpoint is a remote URL speaking JSON-RPC over HTTP/SSE.
	HTTPEndpoint string `json:"http_endpoint,omitempty" yaml:"http_endpoint,omitempty"`

	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// ToolPrefix qualifies tool names as "<prefix>__<name>" in the catalog.
	ToolPrefix    string            `json:"tool_prefix,omitempty" yaml:"tool_prefix,omitempty"`
	DisabledTools []string          `json:"disabled_tools,omitempty" yaml:"disabled_tools,omitempty"`
	ToolOverrides map[string]string `json:"tool_overrides,omitempty" yaml:"tool_overrides,omitempty"`

	CallTimeout time.Duration `json:"call_timeout,omitempty" yaml:"call_timeout,omitempty"`
}

// ErrAmbiguousTransport is returned when a config populates zero or more
// than one transport field.
var ErrAmbiguousTransport = errors.New("tool server config must set exactly one of module_entry, command, http_endpoint")

// Validate checks config invariants.
func (c *ToolServerConfig) Validate() error {
	if c.ID == "" {
		return errors.New("tool server id is required")
	}
	n := 0
	if c.ModuleEntry != "" {
		n++
	}
	if len(c.Command) > 0 {
		n++
	}
	if c.HTTPEndpoint != "" {
		n++
	}
	if n != 1 {
		return ErrAmbiguousTransport
	}
	return nil
}

// DisabledToolSet returns the disabled tools as a set for fast lookup.
func (c *ToolServerConfig) DisabledToolSet() map[string]struct{} {
	if len(c.DisabledTools) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(c.DisabledTools))
	for _, name := range c.DisabledTools {
		set[name] = struct{}{}
	}
	return set
}
