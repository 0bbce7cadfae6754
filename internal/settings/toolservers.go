package settings

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/parley-chat/parley/pkg/models"
)

// ToolServerStore holds the configured tool servers, persisted as a JSON
// list. The on-disk file is also what the fsnotify watcher observes.
type ToolServerStore struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	configs []models.ToolServerConfig
}

// LoadToolServers reads the tool-server file; a missing file means an
// empty pool.
func LoadToolServers(path string, logger *slog.Logger) (*ToolServerStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ToolServerStore{
		path:   path,
		logger: logger.With("component", "tool_servers"),
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tool servers: read %s: %w", path, err)
	}
	var configs []models.ToolServerConfig
	if err := json.Unmarshal(raw, &configs); err != nil {
		return nil, fmt.Errorf("tool servers: parse %s: %w", path, err)
	}
	s.configs = configs
	return s, nil
}

// Path returns the backing file path.
func (s *ToolServerStore) Path() string { return s.path }

// Get returns a copy of the configured servers.
func (s *ToolServerStore) Get() []models.ToolServerConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ToolServerConfig, len(s.configs))
	copy(out, s.configs)
	return out
}

// Set validates, replaces, and persists the server list.
func (s *ToolServerStore) Set(configs []models.ToolServerConfig) error {
	seen := make(map[string]struct{}, len(configs))
	for i := range configs {
		if err := configs[i].Validate(); err != nil {
			return fmt.Errorf("tool servers: config %q: %w", configs[i].ID, err)
		}
		if _, dup := seen[configs[i].ID]; dup {
			return fmt.Errorf("tool servers: duplicate id %q", configs[i].ID)
		}
		seen[configs[i].ID] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.configs
	s.configs = append([]models.ToolServerConfig(nil), configs...)
	if err := writeJSONAtomic(s.path, s.configs); err != nil {
		s.configs = previous
		return err
	}
	s.logger.Info("tool server list updated", "servers", len(configs))
	return nil
}

// Reload re-reads the file, used when the watcher sees an external edit.
func (s *ToolServerStore) Reload() error {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		s.mu.Lock()
		s.configs = nil
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("tool servers: read %s: %w", s.path, err)
	}
	var configs []models.ToolServerConfig
	if err := json.Unmarshal(raw, &configs); err != nil {
		return fmt.Errorf("tool servers: parse %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.configs = configs
	s.mu.Unlock()
	return nil
}
