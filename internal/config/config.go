// Package config loads the brains host configuration: defaults, then a
// TOML file, then env vars (env wins).
package config

import (
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Server    ServerConfig    `toml:"server"`
	Database  DatabaseConfig  `toml:"database"`
	LLM       LLMConfig       `toml:"llm"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	Observer  ObserverConfig  `toml:"observer"`
}

type ServerConfig struct {
	Addr    string `toml:"addr"`
	BaseURL string `toml:"base_url"`
	// HeartbeatSeconds is the HEARTBEAT cadence on watch streams during
	// long LLM calls. 0 disables heartbeats.
	HeartbeatSeconds int `toml:"heartbeat_seconds"`
}

type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `toml:"driver"`
	// Path is the SQLite file (sqlite driver only).
	Path string `toml:"path"`
	// URL is the connection string (postgres driver only).
	URL string `toml:"url"`
}

type LLMConfig struct {
	Provider string `toml:"provider"`
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	// MaxConcurrent bounds in-flight LLM calls across all runs.
	// 0 means unbounded.
	MaxConcurrent int `toml:"max_concurrent"`
}

type SchedulerConfig struct {
	Enabled         bool `toml:"enabled"`
	IntervalSeconds int  `toml:"interval_seconds"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:             ":8080",
			BaseURL:          "http://localhost:8080",
			HeartbeatSeconds: 15,
		},
		Database:  DatabaseConfig{Driver: "sqlite", Path: "brains.db"},
		LLM:       LLMConfig{MaxConcurrent: 8},
		Scheduler: SchedulerConfig{Enabled: true, IntervalSeconds: 60},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "brains.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	// Env overrides
	if v := os.Getenv("BRAINS_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("BRAINS_BASE_URL"); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := os.Getenv("BRAINS_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("BRAINS_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("BRAINS_DB_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("BRAINS_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("BRAINS_LLM_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LLM.MaxConcurrent = n
		}
	}
	if v := os.Getenv("BRAINS_OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}

	return cfg
}
