// Package settings owns the mutable runtime configuration: the active
// model settings snapshot, the tool-server list, and named presets. All
// three persist as JSON files written atomically (temp file + rename).
package settings

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/parley-chat/parley/pkg/models"
)

// Store holds the active model settings. Get returns deep copies, so a
// snapshot taken at the start of a turn is immune to later updates.
type Store struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	current models.ModelSettings
}

// LoadStore reads the settings file, falling back to defaults when the
// file does not exist yet.
func LoadStore(path string, defaults models.ModelSettings, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:    path,
		logger:  logger.With("component", "settings"),
		current: defaults.Clone(),
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("settings: read %s: %w", path, err)
	}
	var loaded models.ModelSettings
	if err := json.Unmarshal(raw, &loaded); err != nil {
		return nil, fmt.Errorf("settings: parse %s: %w", path, err)
	}
	s.current = loaded
	return s, nil
}

// Get returns a deep copy of the active settings.
func (s *Store) Get() models.ModelSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Set replaces the active settings and persists them.
func (s *Store) Set(settings models.ModelSettings) error {
	settings.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.current
	s.current = settings.Clone()
	if err := writeJSONAtomic(s.path, s.current); err != nil {
		s.current = previous
		return err
	}
	s.logger.Info("model settings updated", "model", settings.ModelID)
	return nil
}

// writeJSONAtomic writes to a temp file in the target directory and
// renames it into place, so readers never observe a partial file.
func writeJSONAtomic(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("settings: encode: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("settings: create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("settings: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("settings: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("settings: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("settings: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("settings: rename into place: %w", err)
	}
	return nil
}
