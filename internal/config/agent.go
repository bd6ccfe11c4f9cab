package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Agent holds the settings the agent reads at startup. The same file is
// edited by the control panel and rewritten when discovery finds a collector.
type Agent struct {
	ServerURL        string        `yaml:"server_url"`
	UserLabel        string        `yaml:"user_label"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	APIKey           string        `yaml:"api_key"`
	DiscoveryPort    int           `yaml:"discovery_port"`
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`

	// LogLevel comes from LOG_LEVEL only and is never written back.
	LogLevel slog.Level `yaml:"-"`
}

func DefaultAgent() Agent {
	return Agent{
		PollInterval:     2 * time.Second,
		APIKey:           DefaultAPIKey,
		DiscoveryPort:    54321,
		DiscoveryTimeout: 10 * time.Second,
		LogLevel:         slog.LevelInfo,
	}
}

// LoadAgent reads path, then applies environment overrides. A missing file
// yields the defaults.
func LoadAgent(path string) (Agent, error) {
	_ = godotenv.Load()
	cfg := DefaultAgent()
	if path != "" {
		content, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Agent{}, fmt.Errorf("read agent config: %w", err)
		default:
			if err := yaml.Unmarshal(content, &cfg); err != nil {
				return Agent{}, fmt.Errorf("parse agent config: %w", err)
			}
		}
	}

	cfg.ServerURL = getenv("SERVER_URL", cfg.ServerURL)
	cfg.UserLabel = getenv("USER_LABEL", cfg.UserLabel)
	cfg.APIKey = getenv("AGENT_API_KEY", cfg.APIKey)
	cfg.PollInterval = getenvDuration("POLL_INTERVAL", cfg.PollInterval)
	cfg.LogLevel = getenvLevel("LOG_LEVEL", cfg.LogLevel)

	d := DefaultAgent()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = d.PollInterval
	}
	if cfg.APIKey == "" {
		cfg.APIKey = d.APIKey
	}
	if cfg.DiscoveryPort <= 0 {
		cfg.DiscoveryPort = d.DiscoveryPort
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = d.DiscoveryTimeout
	}
	return cfg, nil
}

// SaveAgent writes cfg to path, creating parent directories.
func SaveAgent(path string, cfg Agent) error {
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode agent config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
