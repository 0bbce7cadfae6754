package mcp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"golang.org/x/sync/errgroup"

	openai "github.com/sashabaranov/go-openai"

	"github.com/parley-chat/parley/pkg/models"
)

const defaultCallTimeout = 60 * time.Second

// nameSeparator joins the server prefix and the tool's own name in the
// qualified catalog name.
const nameSeparator = "__"

var invalidNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// ToolImage is an image emitted by a tool call, decoded from base64.
type ToolImage struct {
	Data     []byte
	MimeType string
}

// ToolResult is the aggregator's flattened view of a tool call result:
// all text parts joined, images extracted for separate handling.
type ToolResult struct {
	Text    string
	Images  []ToolImage
	IsError bool
}

// RegisteredTool is one catalog entry with its owning server.
type RegisteredTool struct {
	ServerID    string
	Name        string // server-local name
	Qualified   string
	Description string

	schema    *jsonschema.Schema
	rawSchema json.RawMessage
	timeout   time.Duration
}

// connector abstracts a per-server client for tests.
type connector interface {
	Connect(ctx context.Context) error
	Close() error
	Connected() bool
	Tools() []*Tool
	CallTool(ctx context.Context, name string, arguments json.RawMessage) (*CallResult, error)
}

// clientFactory builds a connector for a config; swapped in tests.
type clientFactory func(cfg *models.ToolServerConfig, logger *slog.Logger) connector

// Aggregator owns the tool-server pool and exposes the merged, qualified
// tool catalog. Refresh swaps the pool atomically: the previous catalog
// stays live until the new one is fully built.
type Aggregator struct {
	logger     *slog.Logger
	newClient  clientFactory
	sessionKey string

	mu      sync.RWMutex
	servers map[string]*serverHandle
	tools   map[string]*RegisteredTool
	order   []string
}

type serverHandle struct {
	config models.ToolServerConfig
	client connector
}

// NewAggregator builds an empty aggregator. Tools whose input schema
// declares a property named sessionKey get the calling session's id
// injected into their arguments.
func NewAggregator(logger *slog.Logger, sessionKey string) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if sessionKey == "" {
		sessionKey = "session_id"
	}
	return &Aggregator{
		logger: logger.With("component", "tool_aggregator"),
		newClient: func(cfg *models.ToolServerConfig, logger *slog.Logger) connector {
			return NewClient(cfg, logger)
		},
		sessionKey: sessionKey,
		servers:    make(map[string]*serverHandle),
		tools:      make(map[string]*RegisteredTool),
	}
}

// Refresh reconciles the pool against the desired configs: new and changed
// servers connect in parallel, removed servers close, unchanged servers
// keep their connection. A server that fails to connect is logged and
// skipped; its tools simply do not appear in the catalog.
func (a *Aggregator) Refresh(ctx context.Context, configs []models.ToolServerConfig) error {
	desired := make(map[string]models.ToolServerConfig, len(configs))
	var order []string
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		if err := cfg.Validate(); err != nil {
			a.logger.Warn("skipping invalid tool server config", "server", cfg.ID, "error", err)
			continue
		}
		if _, dup := desired[cfg.ID]; dup {
			a.logger.Warn("duplicate tool server id, keeping first", "server", cfg.ID)
			continue
		}
		desired[cfg.ID] = cfg
		order = append(order, cfg.ID)
	}

	a.mu.RLock()
	current := make(map[string]*serverHandle, len(a.servers))
	for id, h := range a.servers {
		current[id] = h
	}
	a.mu.RUnlock()

	next := make(map[string]*serverHandle, len(desired))
	var toClose []*serverHandle

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	for _, id := range order {
		cfg := desired[id]
		if h, ok := current[id]; ok && h.client.Connected() && reflect.DeepEqual(h.config, cfg) {
			mu.Lock()
			next[id] = h
			mu.Unlock()
			continue
		}
		if h, ok := current[id]; ok {
			toClose = append(toClose, h)
		}

		g.Go(func() error {
			client := a.newClient(&cfg, a.logger)
			if err := client.Connect(gctx); err != nil {
				a.logger.Warn("tool server unavailable", "server", cfg.ID, "error", err)
				return nil
			}
			mu.Lock()
			next[cfg.ID] = &serverHandle{config: cfg, client: client}
			mu.Unlock()
			return nil
		})
	}

	for id, h := range current {
		if _, keep := desired[id]; !keep {
			toClose = append(toClose, h)
		}
	}

	if err := g.Wait(); err != nil {
		for _, h := range next {
			if _, existing := current[h.config.ID]; !existing {
				h.client.Close()
			}
		}
		return err
	}

	tools, toolOrder := a.buildCatalog(order, next)

	a.mu.Lock()
	a.servers = next
	a.tools = tools
	a.order = toolOrder
	a.mu.Unlock()

	for _, h := range toClose {
		if err := h.client.Close(); err != nil {
			a.logger.Debug("closing tool server", "server", h.config.ID, "error", err)
		}
	}

	a.logger.Info("tool catalog refreshed", "servers", len(next), "tools", len(toolOrder))
	return nil
}

// buildCatalog merges server tool lists, qualifying names and resolving
// collisions by appending the server id.
func (a *Aggregator) buildCatalog(order []string, servers map[string]*serverHandle) (map[string]*RegisteredTool, []string) {
	tools := make(map[string]*RegisteredTool)
	var toolOrder []string

	for _, serverID := range order {
		h, ok := servers[serverID]
		if !ok {
			continue
		}
		cfg := h.config
		disabled := cfg.DisabledToolSet()

		prefix := sanitizeName(cfg.ToolPrefix)

		for _, tool := range h.client.Tools() {
			if tool == nil || tool.Name == "" {
				continue
			}
			if _, off := disabled[tool.Name]; off {
				continue
			}

			// Servers without a prefix expose their raw tool names; the
			// server-id suffix resolves collisions either way.
			qualified := sanitizeName(tool.Name)
			if prefix != "" {
				qualified = prefix + nameSeparator + qualified
			}
			if _, taken := tools[qualified]; taken {
				qualified = qualified + nameSeparator + sanitizeName(cfg.ID)
			}
			if _, taken := tools[qualified]; taken {
				a.logger.Warn("dropping colliding tool", "server", serverID, "tool", tool.Name)
				continue
			}

			description := tool.Description
			if override, ok := cfg.ToolOverrides[tool.Name]; ok && override != "" {
				description = override
			}
			description = "[" + cfg.ID + "] " + description

			timeout := cfg.CallTimeout
			if timeout == 0 {
				timeout = defaultCallTimeout
			}

			reg := &RegisteredTool{
				ServerID:    serverID,
				Name:        tool.Name,
				Qualified:   qualified,
				Description: description,
				rawSchema:   tool.InputSchema,
				timeout:     timeout,
			}
			if len(tool.InputSchema) > 0 {
				schema, err := compileSchema(tool.InputSchema)
				if err != nil {
					a.logger.Warn("tool schema does not compile, skipping validation",
						"server", serverID, "tool", tool.Name, "error", err)
				} else {
					reg.schema = schema
				}
			}

			tools[qualified] = reg
			toolOrder = append(toolOrder, qualified)
		}
	}
	return tools, toolOrder
}

func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tool.json", bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile("tool.json")
}

// Catalog returns the merged tool list in provider request form.
func (a *Aggregator) Catalog() []openai.Tool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]openai.Tool, 0, len(a.order))
	for _, qualified := range a.order {
		reg := a.tools[qualified]
		schema := reg.rawSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        reg.Qualified,
				Description: reg.Description,
				Parameters:  schema,
			},
		})
	}
	return out
}

// Tools returns the registered tools in catalog order.
func (a *Aggregator) Tools() []*RegisteredTool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]*RegisteredTool, 0, len(a.order))
	for _, qualified := range a.order {
		out = append(out, a.tools[qualified])
	}
	return out
}

// Call invokes a qualified tool. Arguments are validated against the
// tool's schema before dispatch; the session id is injected when the
// schema declares a matching property and the model left it unset.
func (a *Aggregator) Call(ctx context.Context, qualified, argumentsJSON, sessionID string) (*ToolResult, error) {
	a.mu.RLock()
	reg, ok := a.tools[qualified]
	var handle *serverHandle
	if ok {
		handle = a.servers[reg.ServerID]
	}
	a.mu.RUnlock()

	if !ok || handle == nil {
		return nil, fmt.Errorf("unknown tool %q", qualified)
	}

	if argumentsJSON == "" {
		argumentsJSON = "{}"
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(argumentsJSON), &args); err != nil {
		return nil, fmt.Errorf("tool %q: arguments are not a JSON object: %w", qualified, err)
	}

	if sessionID != "" && schemaHasProperty(reg.rawSchema, a.sessionKey) {
		if _, set := args[a.sessionKey]; !set {
			args[a.sessionKey] = sessionID
		}
	}

	if reg.schema != nil {
		if err := reg.schema.Validate(map[string]any(args)); err != nil {
			return nil, fmt.Errorf("tool %q: invalid arguments: %w", qualified, err)
		}
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("tool %q: encode arguments: %w", qualified, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, reg.timeout)
	defer cancel()

	result, err := handle.client.CallTool(callCtx, reg.Name, raw)
	if err != nil {
		return nil, fmt.Errorf("tool %q: %w", qualified, err)
	}
	return flattenResult(result), nil
}

// Shutdown closes every server connection.
func (a *Aggregator) Shutdown() {
	a.mu.Lock()
	servers := a.servers
	a.servers = make(map[string]*serverHandle)
	a.tools = make(map[string]*RegisteredTool)
	a.order = nil
	a.mu.Unlock()

	for _, h := range servers {
		if err := h.client.Close(); err != nil {
			a.logger.Debug("closing tool server", "server", h.config.ID, "error", err)
		}
	}
}

// flattenResult joins text parts and extracts images.
func flattenResult(result *CallResult) *ToolResult {
	out := &ToolResult{IsError: result.IsError}
	var texts []string
	for _, part := range result.Content {
		switch part.Type {
		case "text":
			if part.Text != "" {
				texts = append(texts, part.Text)
			}
		case "image":
			data, err := base64.StdEncoding.DecodeString(part.Data)
			if err != nil {
				texts = append(texts, "[image could not be decoded]")
				continue
			}
			out.Images = append(out.Images, ToolImage{Data: data, MimeType: part.MimeType})
		case "resource":
			if part.Text != "" {
				texts = append(texts, part.Text)
			}
		}
	}
	out.Text = strings.Join(texts, "\n")
	return out
}

// schemaHasProperty reports whether the raw schema declares a top-level
// object property with the given name.
func schemaHasProperty(raw json.RawMessage, name string) bool {
	if len(raw) == 0 {
		return false
	}
	var schema struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(raw, &schema); err != nil {
		return false
	}
	_, ok := schema.Properties[name]
	return ok
}

func sanitizeName(name string) string {
	s := invalidNameChars.ReplaceAllString(name, "_")
	if len(s) > 64 {
		s = s[:64]
	}
	return s
}
