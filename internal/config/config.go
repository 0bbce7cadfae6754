// Package config loads the gateway's boot-time configuration from a YAML
// file with environment expansion, then overlays the recognized
// environment variables. Runtime-mutable state (model settings, presets,
// tool servers) lives in internal/settings, not here.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Provider    ProviderConfig    `yaml:"provider"`
	Database    DatabaseConfig    `yaml:"database"`
	State       StateConfig       `yaml:"state"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	Chat        ChatConfig        `yaml:"chat"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// ProviderConfig points at the OpenAI-compatible chat-completions
// endpoint.
type ProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
	SystemPrompt string `yaml:"system_prompt"`
	Referer      string `yaml:"referer"`
	Title        string `yaml:"title"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// StateConfig names the JSON snapshot files.
type StateConfig struct {
	Dir             string `yaml:"dir"`
	SettingsPath    string `yaml:"settings_path"`
	PresetsPath     string `yaml:"presets_path"`
	ToolServersPath string `yaml:"tool_servers_path"`
}

type AttachmentsConfig struct {
	Bucket          string        `yaml:"bucket"`
	Endpoint        string        `yaml:"endpoint"`
	Region          string        `yaml:"region"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	UsePathStyle    bool          `yaml:"use_path_style"`
	KeyPrefix       string        `yaml:"key_prefix"`
	MaxSizeBytes    int64         `yaml:"max_size_bytes"`
	RetentionDays   int           `yaml:"retention_days"`
	ReapSchedule    string        `yaml:"reap_schedule"`
	Retention       time.Duration `yaml:"-"`
}

type ChatConfig struct {
	MaxToolIterations int    `yaml:"max_tool_iterations"`
	TitleModel        string `yaml:"title_model"`
	PlannerModel      string `yaml:"planner_model"`
	SessionKey        string `yaml:"session_key"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the configuration file, expands ${VAR} references, applies
// defaults, and overlays recognized environment variables. An empty path
// yields the default configuration.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, nil
}

// Validate reports configuration the server cannot start without.
func (c *Config) Validate() error {
	if c.Provider.APIKey == "" {
		return fmt.Errorf("config: provider api_key (or OPENROUTER_API_KEY) is required")
	}
	return nil
}

// AttachmentsEnabled reports whether a blob store is configured.
func (c *Config) AttachmentsEnabled() bool {
	return c.Attachments.Bucket != ""
}

func applyEnv(cfg *Config) {
	setString := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString(&cfg.Provider.APIKey, "OPENROUTER_API_KEY")
	setString(&cfg.Provider.BaseURL, "OPENROUTER_BASE_URL")
	setString(&cfg.Provider.DefaultModel, "OPENROUTER_DEFAULT_MODEL")
	setString(&cfg.Provider.SystemPrompt, "OPENROUTER_SYSTEM_PROMPT")
	setString(&cfg.Attachments.Bucket, "ATTACHMENTS_S3_BUCKET")
	setString(&cfg.Attachments.Endpoint, "ATTACHMENTS_S3_ENDPOINT")
	setString(&cfg.Attachments.Region, "ATTACHMENTS_S3_REGION")
	setString(&cfg.Attachments.AccessKeyID, "ATTACHMENTS_S3_ACCESS_KEY_ID")
	setString(&cfg.Attachments.SecretAccessKey, "ATTACHMENTS_S3_SECRET_ACCESS_KEY")

	if v := os.Getenv("ATTACHMENTS_MAX_SIZE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			cfg.Attachments.MaxSizeBytes = n
		}
	}
	if v := os.Getenv("ATTACHMENTS_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Attachments.RetentionDays = n
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8117
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = filepath.Join(defaultStateDir(cfg), "parley.db")
	}
	if cfg.State.Dir == "" {
		cfg.State.Dir = defaultStateDir(cfg)
	}
	if cfg.State.SettingsPath == "" {
		cfg.State.SettingsPath = filepath.Join(cfg.State.Dir, "settings.json")
	}
	if cfg.State.PresetsPath == "" {
		cfg.State.PresetsPath = filepath.Join(cfg.State.Dir, "presets.json")
	}
	if cfg.State.ToolServersPath == "" {
		cfg.State.ToolServersPath = filepath.Join(cfg.State.Dir, "tool_servers.json")
	}
	if cfg.Attachments.MaxSizeBytes == 0 {
		cfg.Attachments.MaxSizeBytes = 20 << 20
	}
	if cfg.Attachments.RetentionDays == 0 {
		cfg.Attachments.RetentionDays = 7
	}
	cfg.Attachments.Retention = time.Duration(cfg.Attachments.RetentionDays) * 24 * time.Hour
	if cfg.Attachments.ReapSchedule == "" {
		cfg.Attachments.ReapSchedule = "@hourly"
	}
	if cfg.Chat.MaxToolIterations == 0 {
		cfg.Chat.MaxToolIterations = 8
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func defaultStateDir(cfg *Config) string {
	if cfg.State.Dir != "" {
		return cfg.State.Dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".parley"
	}
	return filepath.Join(home, ".parley")
}
