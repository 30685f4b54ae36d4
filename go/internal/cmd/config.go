package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/newsch/collascii-go/go/internal/lineproto"
	"github.com/newsch/collascii-go/go/internal/session"
)

// Config is the server configuration. Defaults run a standalone in-memory
// server; the YAML file and environment switch on the optional pieces
// (archive, relay, discovery).
type Config struct {
	Session session.Config `yaml:"session"`

	Line struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
		// SessionID pins the line-protocol canvas under a fixed id so it
		// can be restored from the archive across restarts. Empty means a
		// fresh id per boot.
		SessionID string `yaml:"session_id"`
	} `yaml:"line"`

	Relay struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url"`
	} `yaml:"relay"`

	Archive struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"archive"`

	Discovery struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"discovery"`
}

func defaultConfig() *Config {
	cfg := &Config{Session: session.DefaultConfig()}
	cfg.Line.Enabled = true
	cfg.Line.Addr = lineproto.DefaultAddr
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// loadConfig reads the YAML file at path over the defaults. An empty path
// means defaults only. Environment variables override afterwards.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.Relay.URL = v
	}
	if v := os.Getenv("LINE_ADDR"); v != "" {
		cfg.Line.Addr = v
	}
	return cfg, nil
}
