package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/parley-chat/parley/pkg/models"
)

type fakeServer struct {
	id        string
	tools     []*Tool
	failConn  bool
	connected atomic.Bool
	closed    atomic.Bool

	lastCallName string
	lastCallArgs json.RawMessage
	result       *CallResult
	callErr      error
}

func (f *fakeServer) Connect(ctx context.Context) error {
	if f.failConn {
		return fmt.Errorf("connection refused")
	}
	f.connected.Store(true)
	return nil
}

func (f *fakeServer) Close() error {
	f.connected.Store(false)
	f.closed.Store(true)
	return nil
}

func (f *fakeServer) Connected() bool { return f.connected.Load() }
func (f *fakeServer) Tools() []*Tool  { return f.tools }

func (f *fakeServer) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*CallResult, error) {
	f.lastCallName = name
	f.lastCallArgs = arguments
	if f.callErr != nil {
		return nil, f.callErr
	}
	if f.result != nil {
		return f.result, nil
	}
	return &CallResult{Content: []ResultContent{{Type: "text", Text: "ok"}}}, nil
}

func newTestAggregator(servers map[string]*fakeServer) *Aggregator {
	a := NewAggregator(slog.Default(), "session_id")
	a.newClient = func(cfg *models.ToolServerConfig, logger *slog.Logger) connector {
		if s, ok := servers[cfg.ID]; ok {
			return s
		}
		return &fakeServer{id: cfg.ID, failConn: true}
	}
	return a
}

func stdioConfig(id string) models.ToolServerConfig {
	return models.ToolServerConfig{ID: id, Enabled: true, ToolPrefix: id, Command: []string{"/bin/" + id}}
}

func TestAggregatorQualifiesToolNames(t *testing.T) {
	servers := map[string]*fakeServer{
		"files": {id: "files", tools: []*Tool{
			{Name: "read", Description: "Read a file"},
			{Name: "write", Description: "Write a file"},
		}},
		"search": {id: "search", tools: []*Tool{
			{Name: "query", Description: "Search the index"},
		}},
	}
	a := newTestAggregator(servers)

	err := a.Refresh(context.Background(), []models.ToolServerConfig{
		stdioConfig("files"), stdioConfig("search"),
	})
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	catalog := a.Catalog()
	if len(catalog) != 3 {
		t.Fatalf("catalog size = %d, want 3", len(catalog))
	}
	names := make([]string, 0, len(catalog))
	for _, tool := range catalog {
		names = append(names, tool.Function.Name)
	}
	want := []string{"files__read", "files__write", "search__query"}
	for i, n := range want {
		if names[i] != n {
			t.Errorf("catalog[%d] = %q, want %q", i, names[i], n)
		}
	}
	if !strings.HasPrefix(catalog[0].Function.Description, "[files] ") {
		t.Errorf("description not server-tagged: %q", catalog[0].Function.Description)
	}
}

func TestAggregatorToolPrefixAndCollisions(t *testing.T) {
	servers := map[string]*fakeServer{
		"alpha": {id: "alpha", tools: []*Tool{{Name: "run"}}},
		"beta":  {id: "beta", tools: []*Tool{{Name: "run"}}},
	}
	a := newTestAggregator(servers)

	cfgAlpha := stdioConfig("alpha")
	cfgAlpha.ToolPrefix = "exec"
	cfgBeta := stdioConfig("beta")
	cfgBeta.ToolPrefix = "exec"

	if err := a.Refresh(context.Background(), []models.ToolServerConfig{cfgAlpha, cfgBeta}); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	catalog := a.Catalog()
	if len(catalog) != 2 {
		t.Fatalf("catalog size = %d, want 2", len(catalog))
	}
	if catalog[0].Function.Name != "exec__run" {
		t.Errorf("first = %q", catalog[0].Function.Name)
	}
	// Second server's identically-prefixed tool gets the server id suffix.
	if catalog[1].Function.Name != "exec__run__beta" {
		t.Errorf("second = %q, want collision suffix", catalog[1].Function.Name)
	}
}

func TestAggregatorRawNamesWithoutPrefix(t *testing.T) {
	servers := map[string]*fakeServer{
		"alpha": {id: "alpha", tools: []*Tool{{Name: "run"}}},
		"beta":  {id: "beta", tools: []*Tool{{Name: "run"}}},
	}
	a := newTestAggregator(servers)

	cfgAlpha := stdioConfig("alpha")
	cfgAlpha.ToolPrefix = ""
	cfgBeta := stdioConfig("beta")
	cfgBeta.ToolPrefix = ""

	if err := a.Refresh(context.Background(), []models.ToolServerConfig{cfgAlpha, cfgBeta}); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	catalog := a.Catalog()
	if len(catalog) != 2 {
		t.Fatalf("catalog size = %d, want 2", len(catalog))
	}
	// No prefix configured: the raw tool name goes out as-is, and only
	// the colliding second server picks up its id as a suffix.
	if catalog[0].Function.Name != "run" {
		t.Errorf("first = %q, want raw name", catalog[0].Function.Name)
	}
	if catalog[1].Function.Name != "run__beta" {
		t.Errorf("second = %q, want collision suffix", catalog[1].Function.Name)
	}

	if _, err := a.Call(context.Background(), "run", "{}", "s"); err != nil {
		t.Errorf("Call(raw name) error = %v", err)
	}
	if servers["alpha"].lastCallName != "run" {
		t.Errorf("server received %q", servers["alpha"].lastCallName)
	}
}

func TestAggregatorDisabledToolsAndOverrides(t *testing.T) {
	servers := map[string]*fakeServer{
		"files": {id: "files", tools: []*Tool{
			{Name: "read", Description: "original"},
			{Name: "delete", Description: "dangerous"},
		}},
	}
	a := newTestAggregator(servers)

	cfg := stdioConfig("files")
	cfg.DisabledTools = []string{"delete"}
	cfg.ToolOverrides = map[string]string{"read": "Read file contents from the workspace"}

	if err := a.Refresh(context.Background(), []models.ToolServerConfig{cfg}); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	catalog := a.Catalog()
	if len(catalog) != 1 || catalog[0].Function.Name != "files__read" {
		t.Fatalf("catalog = %+v, want only files__read", catalog)
	}
	if catalog[0].Function.Description != "[files] Read file contents from the workspace" {
		t.Errorf("description = %q", catalog[0].Function.Description)
	}
}

func TestAggregatorUnavailableServerSkipped(t *testing.T) {
	servers := map[string]*fakeServer{
		"up":   {id: "up", tools: []*Tool{{Name: "ping"}}},
		"down": {id: "down", failConn: true},
	}
	a := newTestAggregator(servers)

	err := a.Refresh(context.Background(), []models.ToolServerConfig{
		stdioConfig("up"), stdioConfig("down"),
	})
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	catalog := a.Catalog()
	if len(catalog) != 1 || catalog[0].Function.Name != "up__ping" {
		t.Errorf("catalog = %+v", catalog)
	}
}

func TestAggregatorCallValidatesArguments(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"path": {"type": "string"}},
		"required": ["path"],
		"additionalProperties": false
	}`)
	server := &fakeServer{id: "files", tools: []*Tool{{Name: "read", InputSchema: schema}}}
	a := newTestAggregator(map[string]*fakeServer{"files": server})

	if err := a.Refresh(context.Background(), []models.ToolServerConfig{stdioConfig("files")}); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if _, err := a.Call(context.Background(), "files__read", `{"path": 42}`, "sess"); err == nil {
		t.Error("expected validation error for wrong type")
	}
	if server.lastCallName != "" {
		t.Error("invalid arguments must not reach the server")
	}

	result, err := a.Call(context.Background(), "files__read", `{"path":"a.txt"}`, "sess")
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if result.Text != "ok" {
		t.Errorf("result = %+v", result)
	}
	if server.lastCallName != "read" {
		t.Errorf("server received %q, want unqualified name", server.lastCallName)
	}
}

func TestAggregatorInjectsSessionID(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string"},
			"session_id": {"type": "string"}
		}
	}`)
	server := &fakeServer{id: "memory", tools: []*Tool{{Name: "recall", InputSchema: schema}}}
	a := newTestAggregator(map[string]*fakeServer{"memory": server})

	if err := a.Refresh(context.Background(), []models.ToolServerConfig{stdioConfig("memory")}); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if _, err := a.Call(context.Background(), "memory__recall", `{"query":"notes"}`, "sess-42"); err != nil {
		t.Fatalf("Call() error = %v", err)
	}

	var sent map[string]any
	if err := json.Unmarshal(server.lastCallArgs, &sent); err != nil {
		t.Fatalf("decode sent args: %v", err)
	}
	if sent["session_id"] != "sess-42" {
		t.Errorf("session_id = %v, want injected", sent["session_id"])
	}

	// A model-provided value is never overwritten.
	if _, err := a.Call(context.Background(), "memory__recall", `{"session_id":"explicit"}`, "sess-42"); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if err := json.Unmarshal(server.lastCallArgs, &sent); err != nil {
		t.Fatalf("decode sent args: %v", err)
	}
	if sent["session_id"] != "explicit" {
		t.Errorf("session_id = %v, want explicit value kept", sent["session_id"])
	}
}

func TestAggregatorFlattensResultContent(t *testing.T) {
	img := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	server := &fakeServer{
		id:    "shots",
		tools: []*Tool{{Name: "capture"}},
		result: &CallResult{Content: []ResultContent{
			{Type: "text", Text: "first"},
			{Type: "image", Data: img, MimeType: "image/png"},
			{Type: "text", Text: "second"},
		}},
	}
	a := newTestAggregator(map[string]*fakeServer{"shots": server})

	if err := a.Refresh(context.Background(), []models.ToolServerConfig{stdioConfig("shots")}); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	result, err := a.Call(context.Background(), "shots__capture", "{}", "s")
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if result.Text != "first\nsecond" {
		t.Errorf("Text = %q", result.Text)
	}
	if len(result.Images) != 1 || string(result.Images[0].Data) != "png-bytes" || result.Images[0].MimeType != "image/png" {
		t.Errorf("Images = %+v", result.Images)
	}
}

func TestAggregatorRefreshClosesRemovedServers(t *testing.T) {
	old := &fakeServer{id: "old", tools: []*Tool{{Name: "x"}}}
	kept := &fakeServer{id: "kept", tools: []*Tool{{Name: "y"}}}
	a := newTestAggregator(map[string]*fakeServer{"old": old, "kept": kept})

	if err := a.Refresh(context.Background(), []models.ToolServerConfig{
		stdioConfig("old"), stdioConfig("kept"),
	}); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if err := a.Refresh(context.Background(), []models.ToolServerConfig{stdioConfig("kept")}); err != nil {
		t.Fatalf("second Refresh() error = %v", err)
	}

	if !old.closed.Load() {
		t.Error("removed server was not closed")
	}
	if kept.closed.Load() {
		t.Error("kept server must not be closed")
	}
	if len(a.Catalog()) != 1 {
		t.Errorf("catalog = %+v", a.Catalog())
	}
}

func TestAggregatorUnknownTool(t *testing.T) {
	a := newTestAggregator(nil)
	if _, err := a.Call(context.Background(), "nope__missing", "{}", "s"); err == nil {
		t.Error("expected error for unknown tool")
	}
}

func TestAggregatorShutdown(t *testing.T) {
	server := &fakeServer{id: "s", tools: []*Tool{{Name: "t"}}}
	a := newTestAggregator(map[string]*fakeServer{"s": server})

	if err := a.Refresh(context.Background(), []models.ToolServerConfig{stdioConfig("s")}); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	a.Shutdown()

	if !server.closed.Load() {
		t.Error("shutdown did not close the server")
	}
	if len(a.Catalog()) != 0 {
		t.Error("catalog not cleared")
	}
}
