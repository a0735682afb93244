// Package config provides configuration file support for pkgaudit.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/package-audit/pkgaudit/pkg/fsutil"
	"github.com/package-audit/pkgaudit/pkg/logging"
	"github.com/package-audit/pkgaudit/pkg/webhook"
)

const (
	// HomeEnv overrides the home directory.
	HomeEnv = "PKGAUDIT_HOME"
	// FileName is the config file inside the home directory.
	FileName = "config.yaml"

	defaultHomeName = ".package-audit"
)

// Config represents the pkgaudit configuration.
type Config struct {
	Lock      LockConfig     `yaml:"lock"`
	Snapshots SnapshotConfig `yaml:"snapshots"`
	Commands  CommandConfig  `yaml:"commands"`
	Server    ServerConfig   `yaml:"server"`
	Logging   LoggingConfig  `yaml:"logging"`
	Webhooks  webhook.Config `yaml:"webhooks"`
}

// LockConfig configures the cross-process lock.
type LockConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	WaitTimeout  time.Duration `yaml:"wait_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// SnapshotConfig configures snapshot retention.
type SnapshotConfig struct {
	RetentionLimit int `yaml:"retention_limit"`
}

// CommandConfig configures backend command execution.
type CommandConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr               string `yaml:"addr"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	RateLimitBurst     int    `yaml:"rate_limit_burst"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Lock: LockConfig{
			Timeout:      30 * time.Second,
			WaitTimeout:  60 * time.Second,
			PollInterval: 500 * time.Millisecond,
		},
		Snapshots: SnapshotConfig{RetentionLimit: 10},
		Commands:  CommandConfig{Timeout: 30 * time.Second},
		Server: ServerConfig{
			Addr:               "127.0.0.1:8765",
			RateLimitPerMinute: 60,
			RateLimitBurst:     20,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Webhooks: webhook.DefaultConfig(),
	}
}

// HomeDir returns $PKGAUDIT_HOME, or ~/.package-audit.
func HomeDir() (string, error) {
	if home := os.Getenv(HomeEnv); home != "" {
		return filepath.Abs(home)
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(userHome, defaultHomeName), nil
}

// Path returns the config file path under home.
func Path(home string) string {
	return filepath.Join(home, FileName)
}

// Load loads configuration from <home>/config.yaml.
// Returns default config if file doesn't exist. Keys missing from the file
// keep their defaults.
func Load(home string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(Path(home))
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes configuration to <home>/config.yaml.
func Save(home string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(home, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := fsutil.AtomicWrite(Path(home), data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.Lock.Timeout <= 0 {
		errs = append(errs, errors.New("lock.timeout must be positive"))
	}
	if c.Lock.WaitTimeout < 0 {
		errs = append(errs, errors.New("lock.wait_timeout must not be negative"))
	}
	if c.Lock.PollInterval <= 0 {
		errs = append(errs, errors.New("lock.poll_interval must be positive"))
	}
	if c.Snapshots.RetentionLimit < 1 {
		errs = append(errs, errors.New("snapshots.retention_limit must be at least 1"))
	}
	if c.Commands.Timeout <= 0 {
		errs = append(errs, errors.New("commands.timeout must be positive"))
	}
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr must not be empty"))
	}
	if c.Server.RateLimitPerMinute < 0 || c.Server.RateLimitBurst < 0 {
		errs = append(errs, errors.New("server rate limits must not be negative"))
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	switch logging.Format(c.Logging.Format) {
	case logging.FormatJSON, logging.FormatText:
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format))
	}
	if err := c.Webhooks.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// NewLogger builds the logger described by the logging section.
func (c *Config) NewLogger() *logging.Logger {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	log := logging.NewLogger(level)
	log.SetFormat(logging.Format(c.Logging.Format))
	return log
}
