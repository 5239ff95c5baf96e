package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	APIBaseURL        string `mapstructure:"API_BASE_URL"`
	Env               string `mapstructure:"ENV"`
	SessionFile       string `mapstructure:"SESSION_FILE"`
	PollIntervalMs    int    `mapstructure:"POLL_INTERVAL_MS"`
	GuardCooldownMs   int    `mapstructure:"GUARD_COOLDOWN_MS"`
	RequestTimeoutMs  int    `mapstructure:"REQUEST_TIMEOUT_MS"`
	SandboxPort       string `mapstructure:"SANDBOX_PORT"`
	SandboxSigningKey string `mapstructure:"SANDBOX_SIGNING_KEY"`
	SandboxAdvanceMs  int    `mapstructure:"SANDBOX_ADVANCE_MS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("API_BASE_URL", "http://localhost:8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("SESSION_FILE", defaultSessionFile())
	v.SetDefault("POLL_INTERVAL_MS", 2500)
	v.SetDefault("GUARD_COOLDOWN_MS", 1000)
	v.SetDefault("REQUEST_TIMEOUT_MS", 0)
	v.SetDefault("SANDBOX_PORT", "8000")
	v.SetDefault("SANDBOX_SIGNING_KEY", "")
	v.SetDefault("SANDBOX_ADVANCE_MS", 4000)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("API_BASE_URL")
	v.BindEnv("ENV")
	v.BindEnv("SESSION_FILE")
	v.BindEnv("POLL_INTERVAL_MS")
	v.BindEnv("GUARD_COOLDOWN_MS")
	v.BindEnv("REQUEST_TIMEOUT_MS")
	v.BindEnv("SANDBOX_PORT")
	v.BindEnv("SANDBOX_SIGNING_KEY")
	v.BindEnv("SANDBOX_ADVANCE_MS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("API_BASE_URL is required")
	}
	if c.PollIntervalMs <= 0 {
		return fmt.Errorf("POLL_INTERVAL_MS must be positive, got %d", c.PollIntervalMs)
	}
	if c.GuardCooldownMs <= 0 {
		return fmt.Errorf("GUARD_COOLDOWN_MS must be positive, got %d", c.GuardCooldownMs)
	}
	if c.RequestTimeoutMs < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT_MS must be >= 0, got %d", c.RequestTimeoutMs)
	}
	return nil
}

// PollInterval returns the poller tick interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// GuardCooldown returns the session guard re-arm cooldown.
func (c *Config) GuardCooldown() time.Duration {
	return time.Duration(c.GuardCooldownMs) * time.Millisecond
}

// RequestTimeout returns the per-request transport timeout. Zero means no
// timeout is imposed and a call waits until the transport resolves or errors.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func defaultSessionFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".dentaldesk-session.json"
	}
	return filepath.Join(home, ".dentaldesk", "session.json")
}
