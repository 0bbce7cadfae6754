package provider

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"
)

// Model is one catalog entry from the provider's model listing.
type Model struct {
	ID                  string       `json:"id"`
	Name                string       `json:"name"`
	Description         string       `json:"description,omitempty"`
	ContextLength       int          `json:"context_length"`
	SupportedParameters []string     `json:"supported_parameters,omitempty"`
	Architecture        Architecture `json:"architecture"`
	Pricing             Pricing      `json:"pricing"`
}

// Architecture lists the model's modalities.
type Architecture struct {
	InputModalities  []string `json:"input_modalities,omitempty"`
	OutputModalities []string `json:"output_modalities,omitempty"`
}

// Pricing is the per-token price strings as the API reports them.
type Pricing struct {
	Prompt     string `json:"prompt,omitempty"`
	Completion string `json:"completion,omitempty"`
}

// SupportsTools reports whether the model accepts the tools parameter.
func (m Model) SupportsTools() bool {
	return slices.Contains(m.SupportedParameters, "tools")
}

// SupportsImages reports whether the model accepts image input.
func (m Model) SupportsImages() bool {
	return slices.Contains(m.Architecture.InputModalities, "image")
}

// CatalogFilter narrows a model listing.
type CatalogFilter struct {
	// Search matches case-insensitively against id and display name.
	Search string
	// ToolsOnly keeps only models supporting tool calls.
	ToolsOnly bool
	// ImagesOnly keeps only models accepting image input.
	ImagesOnly bool
}

// FilterModels applies the filter, preserving catalog order.
func FilterModels(models []Model, f CatalogFilter) []Model {
	needle := strings.ToLower(f.Search)
	out := make([]Model, 0, len(models))
	for _, m := range models {
		if f.ToolsOnly && !m.SupportsTools() {
			continue
		}
		if f.ImagesOnly && !m.SupportsImages() {
			continue
		}
		if needle != "" &&
			!strings.Contains(strings.ToLower(m.ID), needle) &&
			!strings.Contains(strings.ToLower(m.Name), needle) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Catalog caches the model listing so repeated UI requests do not hit the
// provider on every keystroke.
type Catalog struct {
	client *Client
	ttl    time.Duration

	mu        sync.Mutex
	models    []Model
	fetchedAt time.Time
}

// NewCatalog wraps a client with a cache. A non-positive ttl disables
// caching.
func NewCatalog(client *Client, ttl time.Duration) *Catalog {
	return &Catalog{client: client, ttl: ttl}
}

// Models returns the cached listing, refreshing it when stale.
func (c *Catalog) Models(ctx context.Context) ([]Model, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.models != nil && c.ttl > 0 && time.Since(c.fetchedAt) < c.ttl {
		return c.models, nil
	}
	models, err := c.client.ListModels(ctx)
	if err != nil {
		if c.models != nil {
			// Serve the stale copy rather than failing the UI.
			return c.models, nil
		}
		return nil, err
	}
	c.models = models
	c.fetchedAt = time.Now()
	return models, nil
}
