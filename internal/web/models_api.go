package web

import (
	"net/http"
	"sort"

	"github.com/parley-chat/parley/internal/provider"
)

type modelsResponse struct {
	Models []provider.Model `json:"models"`
	Facets modelFacets      `json:"facets"`
}

// modelFacets are value counts computed over the filtered list, used by
// clients to build filter UIs without a second round-trip.
type modelFacets struct {
	InputModalities     map[string]int `json:"input_modalities"`
	SupportedParameters map[string]int `json:"supported_parameters"`
	ToolCapable         int            `json:"tool_capable"`
	ImageCapable        int            `json:"image_capable"`
}

func (h *Handler) handleModels(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Models == nil {
		h.jsonError(w, "model catalog not configured", http.StatusServiceUnavailable)
		return
	}
	catalog, err := h.cfg.Models.Models(r.Context())
	if err != nil {
		h.logger.Error("model catalog fetch failed", "error", err)
		h.jsonError(w, "failed to fetch model catalog", http.StatusBadGateway)
		return
	}

	q := r.URL.Query()
	filtered := provider.FilterModels(catalog, provider.CatalogFilter{
		Search:     q.Get("search"),
		ToolsOnly:  q.Get("tools_only") == "true",
		ImagesOnly: q.Get("images_only") == "true",
	})
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].ID < filtered[j].ID })

	h.jsonResponse(w, modelsResponse{Models: filtered, Facets: computeFacets(filtered)})
}

func computeFacets(list []provider.Model) modelFacets {
	facets := modelFacets{
		InputModalities:     make(map[string]int),
		SupportedParameters: make(map[string]int),
	}
	for _, m := range list {
		for _, mod := range m.Architecture.InputModalities {
			facets.InputModalities[mod]++
		}
		for _, p := range m.SupportedParameters {
			facets.SupportedParameters[p]++
		}
		if m.SupportsTools() {
			facets.ToolCapable++
		}
		if m.SupportsImages() {
			facets.ImageCapable++
		}
	}
	return facets
}
