// Package config loads Steward's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fentz26/steward/internal/deploy"
	"github.com/fentz26/steward/internal/logging"
	"github.com/fentz26/steward/internal/monitor"
	"github.com/fentz26/steward/internal/opportunity"
	"github.com/fentz26/steward/internal/rollback"
	"github.com/fentz26/steward/internal/scheduler"
	"github.com/fentz26/steward/internal/validation"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Environment overrides.
const (
	EnvDB       = "STEWARD_DB"
	EnvListen   = "STEWARD_LISTEN"
	EnvLogLevel = "STEWARD_LOG_LEVEL"
	EnvConfig   = "STEWARD_CONFIG"
)

// StoreConfig locates the SQLite database.
type StoreConfig struct {
	Path string `yaml:"path" validate:"required"`
}

// ServerConfig configures the operator HTTP API.
type ServerConfig struct {
	Listen          string        `yaml:"listen" validate:"required,hostname_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// CollaboratorsConfig points at the external investigator, generator and
// registry service.
type CollaboratorsConfig struct {
	BaseURL       string        `yaml:"base_url" validate:"omitempty,url"`
	Timeout       time.Duration `yaml:"timeout" validate:"gt=0"`
	ReloadTimeout time.Duration `yaml:"reload_timeout" validate:"gt=0"`
}

// ExecutorConfig configures the sandbox used by shadow, replay and synthetic
// testing.
type ExecutorConfig struct {
	Interpreter string        `yaml:"interpreter" validate:"required,oneof=python3 node sh"`
	WorkDir     string        `yaml:"work_dir"`
	Timeout     time.Duration `yaml:"timeout" validate:"gt=0"`
}

// Config is the full daemon configuration.
type Config struct {
	Store         StoreConfig         `yaml:"store"`
	Server        ServerConfig        `yaml:"server"`
	Logging       logging.Config      `yaml:"logging"`
	Loop          scheduler.Config    `yaml:"loop"`
	Testing       validation.Config   `yaml:"testing"`
	Deploy        deploy.Config       `yaml:"deploy"`
	Monitor       monitor.Config      `yaml:"monitor"`
	FastRollback  rollback.Config     `yaml:"fast_rollback"`
	Opportunity   opportunity.Config  `yaml:"opportunity"`
	Collaborators CollaboratorsConfig `yaml:"collaborators"`
	Executor      ExecutorConfig      `yaml:"executor"`
}

// Dir returns Steward's home directory, ~/.steward.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".steward"
	}
	return filepath.Join(home, ".steward")
}

// DefaultPath returns the configuration file path, honoring STEWARD_CONFIG.
func DefaultPath() string {
	if p := os.Getenv(EnvConfig); p != "" {
		return p
	}
	return filepath.Join(Dir(), "config.yaml")
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Store: StoreConfig{Path: filepath.Join(Dir(), "steward.db")},
		Server: ServerConfig{
			Listen:          "127.0.0.1:7466",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging:      logging.DefaultConfig(),
		Loop:         *scheduler.DefaultConfig(),
		Testing:      validation.DefaultConfig(),
		Deploy:       deploy.DefaultConfig(),
		Monitor:      monitor.DefaultConfig(),
		FastRollback: rollback.DefaultConfig(),
		Opportunity:  opportunity.DefaultConfig(),
		Collaborators: CollaboratorsConfig{
			Timeout:       2 * time.Minute,
			ReloadTimeout: 30 * time.Second,
		},
		Executor: ExecutorConfig{
			Interpreter: "python3",
			Timeout:     30 * time.Second,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv(EnvDB); path != "" {
		c.Store.Path = path
	}
	if addr := os.Getenv(EnvListen); addr != "" {
		c.Server.Listen = addr
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		c.Logging.Level = level
	}
}

// Validate checks every section against its constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return fmt.Errorf("invalid config: %s: failed %q", verrs[0].Namespace(), verrs[0].Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Save writes the configuration as YAML, creating the directory if needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
