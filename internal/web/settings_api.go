package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/parley-chat/parley/internal/settings"
	"github.com/parley-chat/parley/pkg/models"
)

func (h *Handler) handleModelSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.jsonResponse(w, h.cfg.Manager.Settings.Get())
	case http.MethodPut:
		var snapshot models.ModelSettings
		if err := json.NewDecoder(r.Body).Decode(&snapshot); err != nil {
			h.jsonError(w, "invalid settings body", http.StatusBadRequest)
			return
		}
		if snapshot.ModelID == "" {
			h.jsonError(w, "model_id required", http.StatusBadRequest)
			return
		}
		if err := h.cfg.Manager.Settings.Set(snapshot); err != nil {
			h.logger.Error("settings update failed", "error", err)
			h.jsonError(w, "failed to persist settings", http.StatusInternalServerError)
			return
		}
		h.jsonResponse(w, h.cfg.Manager.Settings.Get())
	default:
		h.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handlePresetCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.jsonResponse(w, map[string]any{"presets": h.cfg.Manager.Presets.List()})
	case http.MethodPost:
		var body struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
			h.jsonError(w, "name required", http.StatusBadRequest)
			return
		}
		preset, err := h.cfg.Manager.SaveCurrentAsPreset(body.Name)
		if err != nil {
			h.logger.Error("preset save failed", "preset", body.Name, "error", err)
			h.jsonError(w, "failed to save preset", http.StatusInternalServerError)
			return
		}
		h.jsonResponse(w, preset)
	default:
		h.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handlePreset(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	switch r.Method {
	case http.MethodGet:
		preset, err := h.cfg.Manager.Presets.Get(name)
		if err != nil {
			h.jsonError(w, "preset not found", http.StatusNotFound)
			return
		}
		h.jsonResponse(w, preset)
	case http.MethodPut:
		// Re-snapshot the current active state under this name.
		preset, err := h.cfg.Manager.SaveCurrentAsPreset(name)
		if err != nil {
			h.logger.Error("preset update failed", "preset", name, "error", err)
			h.jsonError(w, "failed to update preset", http.StatusInternalServerError)
			return
		}
		h.jsonResponse(w, preset)
	case http.MethodDelete:
		if err := h.cfg.Manager.Presets.Delete(name); err != nil {
			if errors.Is(err, settings.ErrPresetNotFound) {
				h.jsonError(w, "preset not found", http.StatusNotFound)
				return
			}
			h.logger.Error("preset delete failed", "preset", name, "error", err)
			h.jsonError(w, "failed to delete preset", http.StatusInternalServerError)
			return
		}
		h.jsonResponse(w, map[string]string{"status": "deleted", "name": name})
	default:
		h.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handlePresetApply(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	snapshot, err := h.cfg.Orchestrator.ApplyPreset(r.Context(), name)
	if err != nil {
		if errors.Is(err, settings.ErrPresetNotFound) {
			h.jsonError(w, "preset not found", http.StatusNotFound)
			return
		}
		h.logger.Error("preset apply failed", "preset", name, "error", err)
		h.jsonError(w, "failed to apply preset", http.StatusInternalServerError)
		return
	}
	h.jsonResponse(w, snapshot)
}

func (h *Handler) handleToolServers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.jsonResponse(w, map[string]any{"servers": h.cfg.Manager.ToolServers.Get()})
	case http.MethodPut:
		var configs []models.ToolServerConfig
		if err := json.NewDecoder(r.Body).Decode(&configs); err != nil {
			h.jsonError(w, "invalid server list", http.StatusBadRequest)
			return
		}
		if err := h.cfg.Manager.SetToolServers(r.Context(), configs); err != nil {
			h.logger.Error("tool server update failed", "error", err)
			h.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.jsonResponse(w, map[string]any{"servers": h.cfg.Manager.ToolServers.Get()})
	default:
		h.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleToolServersRefresh(w http.ResponseWriter, r *http.Request) {
	if err := h.cfg.Manager.RefreshToolPool(r.Context()); err != nil {
		h.logger.Error("tool pool refresh failed", "error", err)
		h.jsonError(w, "failed to refresh tool pool", http.StatusInternalServerError)
		return
	}
	h.jsonResponse(w, map[string]string{"status": "refreshed"})
}
