package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/parley-chat/parley/pkg/models"
)

// ErrPresetNotFound is returned for lookups of unknown preset names.
var ErrPresetNotFound = errors.New("settings: preset not found")

// ToolRefresher reconnects the tool pool to a new server list; satisfied
// by the mcp aggregator.
type ToolRefresher interface {
	Refresh(ctx context.Context, configs []models.ToolServerConfig) error
}

// PresetStore persists named presets in one JSON file.
type PresetStore struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	presets map[string]models.Preset
}

// LoadPresets reads the preset file; a missing file means no presets.
func LoadPresets(path string, logger *slog.Logger) (*PresetStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &PresetStore{
		path:    path,
		logger:  logger.With("component", "presets"),
		presets: make(map[string]models.Preset),
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("presets: read %s: %w", path, err)
	}
	var list []models.Preset
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("presets: parse %s: %w", path, err)
	}
	for _, p := range list {
		s.presets[p.Name] = p
	}
	return s, nil
}

// List returns all presets sorted by name.
func (s *PresetStore) List() []models.Preset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Preset, 0, len(s.presets))
	for _, p := range s.presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns one preset by name.
func (s *PresetStore) Get(name string) (models.Preset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.presets[name]
	if !ok {
		return models.Preset{}, ErrPresetNotFound
	}
	return p, nil
}

// Save creates or replaces a preset and persists the file.
func (s *PresetStore) Save(preset models.Preset) error {
	if preset.Name == "" {
		return errors.New("presets: name is required")
	}
	now := time.Now().UTC()
	preset.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.presets[preset.Name]; ok {
		preset.CreatedAt = existing.CreatedAt
	} else {
		preset.CreatedAt = now
	}

	previous := s.presets[preset.Name]
	_, existed := s.presets[preset.Name]
	s.presets[preset.Name] = preset
	if err := s.persistLocked(); err != nil {
		if existed {
			s.presets[preset.Name] = previous
		} else {
			delete(s.presets, preset.Name)
		}
		return err
	}
	return nil
}

// Delete removes a preset and persists the file.
func (s *PresetStore) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous, ok := s.presets[name]
	if !ok {
		return ErrPresetNotFound
	}
	delete(s.presets, name)
	if err := s.persistLocked(); err != nil {
		s.presets[name] = previous
		return err
	}
	return nil
}

func (s *PresetStore) persistLocked() error {
	list := make([]models.Preset, 0, len(s.presets))
	for _, p := range s.presets {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return writeJSONAtomic(s.path, list)
}

// Manager coordinates settings, tool servers, and presets so that a
// preset apply is atomic: on any failure the previous state is restored,
// including the tool pool.
type Manager struct {
	Settings    *Store
	ToolServers *ToolServerStore
	Presets     *PresetStore

	refresher ToolRefresher
	logger    *slog.Logger
}

// NewManager wires the three stores to the tool pool.
func NewManager(settings *Store, toolServers *ToolServerStore, presets *PresetStore, refresher ToolRefresher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		Settings:    settings,
		ToolServers: toolServers,
		Presets:     presets,
		refresher:   refresher,
		logger:      logger.With("component", "settings_manager"),
	}
}

// ApplyPreset replaces the active settings and tool-server list with the
// preset's and refreshes the tool pool. Any failure rolls back to the
// state before the call.
func (m *Manager) ApplyPreset(ctx context.Context, name string) error {
	preset, err := m.Presets.Get(name)
	if err != nil {
		return err
	}

	prevSettings := m.Settings.Get()
	prevServers := m.ToolServers.Get()

	if err := m.Settings.Set(preset.Settings); err != nil {
		return fmt.Errorf("apply preset %q: settings: %w", name, err)
	}
	if err := m.ToolServers.Set(preset.ToolServers); err != nil {
		if rbErr := m.Settings.Set(prevSettings); rbErr != nil {
			m.logger.Error("settings rollback failed", "error", rbErr)
		}
		return fmt.Errorf("apply preset %q: tool servers: %w", name, err)
	}
	if m.refresher != nil {
		if err := m.refresher.Refresh(ctx, preset.ToolServers); err != nil {
			if rbErr := m.ToolServers.Set(prevServers); rbErr != nil {
				m.logger.Error("tool server rollback failed", "error", rbErr)
			}
			if rbErr := m.Settings.Set(prevSettings); rbErr != nil {
				m.logger.Error("settings rollback failed", "error", rbErr)
			}
			if rbErr := m.refresher.Refresh(ctx, prevServers); rbErr != nil {
				m.logger.Error("tool pool rollback failed", "error", rbErr)
			}
			return fmt.Errorf("apply preset %q: refresh tool pool: %w", name, err)
		}
	}

	m.logger.Info("preset applied", "preset", name, "model", preset.Settings.ModelID)
	return nil
}

// SetToolServers replaces the active server list and refreshes the tool
// pool, rolling the list back if the refresh fails.
func (m *Manager) SetToolServers(ctx context.Context, configs []models.ToolServerConfig) error {
	prev := m.ToolServers.Get()
	if err := m.ToolServers.Set(configs); err != nil {
		return err
	}
	if m.refresher == nil {
		return nil
	}
	if err := m.refresher.Refresh(ctx, configs); err != nil {
		if rbErr := m.ToolServers.Set(prev); rbErr != nil {
			m.logger.Error("tool server rollback failed", "error", rbErr)
		}
		if rbErr := m.refresher.Refresh(ctx, prev); rbErr != nil {
			m.logger.Error("tool pool rollback failed", "error", rbErr)
		}
		return fmt.Errorf("set tool servers: refresh pool: %w", err)
	}
	return nil
}

// RefreshToolPool re-reads the persisted server list and rebuilds the
// catalog; used by the refresh endpoint and the file watcher.
func (m *Manager) RefreshToolPool(ctx context.Context) error {
	if err := m.ToolServers.Reload(); err != nil {
		return err
	}
	if m.refresher == nil {
		return nil
	}
	return m.refresher.Refresh(ctx, m.ToolServers.Get())
}

// SaveCurrentAsPreset captures the active settings and tool servers under
// the given name.
func (m *Manager) SaveCurrentAsPreset(name string) (models.Preset, error) {
	preset := models.Preset{
		Name:        name,
		Settings:    m.Settings.Get(),
		ToolServers: m.ToolServers.Get(),
	}
	if err := m.Presets.Save(preset); err != nil {
		return models.Preset{}, err
	}
	saved, err := m.Presets.Get(name)
	if err != nil {
		return models.Preset{}, err
	}
	return saved, nil
}
