package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/parley-chat/parley/internal/orchestrator"
	"github.com/parley-chat/parley/internal/store"
)

type chatStreamRequest struct {
	Model     string                         `json:"model,omitempty"`
	SessionID string                         `json:"session_id,omitempty"`
	Timezone  string                         `json:"timezone,omitempty"`
	Messages  []orchestrator.IncomingMessage `json:"messages"`
}

// deltaFrame is the OpenAI-choices shape written on unnamed data frames.
type deltaFrame struct {
	Choices []deltaChoice `json:"choices"`
}

type deltaChoice struct {
	Delta deltaBody `json:"delta"`
}

type deltaBody struct {
	Content   string `json:"content,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

func (h *Handler) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Messages) == 0 {
		h.jsonError(w, "messages required", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.jsonError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	events, err := h.cfg.Orchestrator.ProcessStream(r.Context(), orchestrator.ProcessRequest{
		SessionID:     req.SessionID,
		Timezone:      req.Timezone,
		ModelOverride: req.Model,
		Messages:      req.Messages,
	})
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for ev := range events {
		switch ev.Type {
		case orchestrator.EventSession:
			h.writeNamedFrame(w, "session", map[string]string{"session_id": ev.SessionID})
		case orchestrator.EventTool:
			h.writeNamedFrame(w, "tool", ev.Tool)
		case orchestrator.EventDelta:
			h.writeDataFrame(w, deltaFrame{Choices: []deltaChoice{{
				Delta: deltaBody{Content: ev.Delta, Reasoning: ev.Reasoning},
			}}})
		case orchestrator.EventError:
			h.writeDataFrame(w, ev.Err)
		case orchestrator.EventDone:
			fmt.Fprint(w, "data: [DONE]\n\n")
		}
		flusher.Flush()
	}
}

func (h *Handler) writeNamedFrame(w http.ResponseWriter, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("sse encode error", "event", event, "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, raw)
}

func (h *Handler) writeDataFrame(w http.ResponseWriter, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("sse encode error", "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", raw)
}

func (h *Handler) handleConversations(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	offset := parseIntParam(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	sessions, err := h.cfg.Store.ListSessions(r.Context(), store.ListSessionsOptions{
		Limit:  limit,
		Offset: offset,
		Search: r.URL.Query().Get("search"),
	})
	if err != nil {
		h.logger.Error("list sessions failed", "error", err)
		h.jsonError(w, "failed to list sessions", http.StatusInternalServerError)
		return
	}
	h.jsonResponse(w, map[string]any{"sessions": sessions})
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.cfg.Orchestrator.ClearSession(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.jsonError(w, "session not found", http.StatusNotFound)
			return
		}
		h.logger.Error("delete session failed", "session_id", id, "error", err)
		h.jsonError(w, "failed to delete session", http.StatusInternalServerError)
		return
	}
	h.jsonResponse(w, map[string]string{"status": "deleted", "session_id": id})
}

func (h *Handler) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	msgs, err := h.cfg.Orchestrator.GetConversation(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.jsonError(w, "session not found", http.StatusNotFound)
			return
		}
		h.logger.Error("get conversation failed", "session_id", id, "error", err)
		h.jsonError(w, "failed to load messages", http.StatusInternalServerError)
		return
	}
	h.jsonResponse(w, map[string]any{"session_id": id, "messages": msgs})
}

func (h *Handler) handleGenerateTitle(w http.ResponseWriter, r *http.Request) {
	titler := h.cfg.Orchestrator.Titler()
	if titler == nil {
		h.jsonError(w, "title generation not configured", http.StatusServiceUnavailable)
		return
	}
	id := r.PathValue("id")
	title, err := titler.Generate(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.jsonError(w, "session not found", http.StatusNotFound)
			return
		}
		h.logger.Error("title generation failed", "session_id", id, "error", err)
		h.jsonError(w, "failed to generate title", http.StatusInternalServerError)
		return
	}
	h.jsonResponse(w, map[string]string{
		"session_id":   id,
		"title":        title,
		"title_source": "ai",
	})
}
