// Package web is the HTTP surface: the chat SSE endpoint, session and
// settings management, uploads, the model-catalog proxy, and metrics.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parley-chat/parley/internal/attachments"
	"github.com/parley-chat/parley/internal/observability"
	"github.com/parley-chat/parley/internal/orchestrator"
	"github.com/parley-chat/parley/internal/provider"
	"github.com/parley-chat/parley/internal/settings"
	"github.com/parley-chat/parley/internal/store"
)

// ModelSource serves the provider model catalog; satisfied by
// provider.Catalog.
type ModelSource interface {
	Models(ctx context.Context) ([]provider.Model, error)
}

// Config wires the handler's collaborators. Attachments, Models, and
// Metrics may be nil; the matching endpoints then return 503.
type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Store        *store.Store
	Attachments  *attachments.Service
	Manager      *settings.Manager
	Models       ModelSource
	Metrics      *observability.Metrics
	Logger       *slog.Logger
}

// Handler serves the HTTP API.
type Handler struct {
	cfg    *Config
	logger *slog.Logger
	mux    *http.ServeMux
}

// NewHandler builds the handler and its route table.
func NewHandler(cfg *Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		cfg:    cfg,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}
	h.routes()
	return h
}

func (h *Handler) routes() {
	h.mux.HandleFunc("POST /api/chat/stream", h.handleChatStream)
	h.mux.HandleFunc("GET /api/chat/conversations", h.handleConversations)
	h.mux.HandleFunc("DELETE /api/chat/session/{id}", h.handleDeleteSession)
	h.mux.HandleFunc("GET /api/chat/session/{id}/messages", h.handleSessionMessages)
	h.mux.HandleFunc("POST /api/chat/session/{id}/generate-title", h.handleGenerateTitle)

	h.mux.HandleFunc("/api/settings/model", h.handleModelSettings)
	h.mux.HandleFunc("/api/presets/", h.handlePresetCollection)
	h.mux.HandleFunc("/api/presets/{name}", h.handlePreset)
	h.mux.HandleFunc("POST /api/presets/{name}/apply", h.handlePresetApply)
	h.mux.HandleFunc("/api/mcp/servers", h.handleToolServers)
	h.mux.HandleFunc("POST /api/mcp/servers/refresh", h.handleToolServersRefresh)

	h.mux.HandleFunc("POST /api/uploads", h.handleUpload)
	h.mux.HandleFunc("GET /api/models", h.handleModels)
	h.mux.HandleFunc("GET /api/health", h.handleHealth)

	h.mux.Handle("/metrics", promhttp.Handler())
}

// Routes returns the root handler with request instrumentation.
func (h *Handler) Routes() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.mux.ServeHTTP(rec, r)
		pattern := r.Pattern
		if pattern == "" {
			pattern = "unmatched"
		}
		h.cfg.Metrics.HTTPRequest(r.Method, pattern, strconv.Itoa(rec.status), time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE streaming working through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]string{"status": "ok"})
}

// jsonResponse writes a JSON response.
func (h *Handler) jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("json encode error", "error", err)
	}
}

// jsonError writes a JSON error response.
func (h *Handler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	val := r.URL.Query().Get(name)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}
