// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads daemon configuration from a YAML file with
// environment variable overrides (DURABLY_*).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Worker  WorkerConfig  `yaml:"worker"`
	Auth    AuthConfig    `yaml:"auth"`
	Log     LogConfig     `yaml:"log"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// ListenAddr is the TCP address to bind.
	ListenAddr string `yaml:"listen_addr,omitempty"`

	// BasePath prefixes all API routes.
	BasePath string `yaml:"base_path,omitempty"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// StorageConfig selects and configures the persistence backend.
type StorageConfig struct {
	// Backend is one of "sqlite", "postgres", "memory".
	Backend string `yaml:"backend,omitempty"`

	// Path is the SQLite database file.
	Path string `yaml:"path,omitempty"`

	// ConnectionString is the Postgres DSN.
	ConnectionString string `yaml:"connection_string,omitempty"`

	// MaxOpenConns bounds the Postgres connection pool.
	MaxOpenConns int `yaml:"max_open_conns,omitempty"`
}

// WorkerConfig tunes the polling worker.
type WorkerConfig struct {
	PollingInterval   time.Duration `yaml:"polling_interval,omitempty"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval,omitempty"`
	StaleThreshold    time.Duration `yaml:"stale_threshold,omitempty"`

	// ID overrides the generated worker identifier.
	ID string `yaml:"id,omitempty"`
}

// AuthConfig configures API authentication.
type AuthConfig struct {
	// Enabled requires credentials on every request.
	Enabled bool `yaml:"enabled"`

	// APIKeys lists static credentials.
	APIKeys []APIKeyConfig `yaml:"api_keys,omitempty"`

	// JWTSecret enables HS256 JWT validation when non-empty.
	JWTSecret string `yaml:"jwt_secret,omitempty"`

	// JWTIssuer is the expected issuer claim.
	JWTIssuer string `yaml:"jwt_issuer,omitempty"`

	// RateLimit configures per-caller throttling.
	RateLimit RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// APIKeyConfig is one static API key entry.
type APIKeyConfig struct {
	Key  string `yaml:"key"`
	Name string `yaml:"name"`
}

// RateLimitConfig configures per-caller rate limiting.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`
	BurstSize         int     `yaml:"burst_size,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	// Enabled turns on span export to stdout.
	Enabled bool `yaml:"enabled"`
}

// Default returns the configuration used when no file or overrides are given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8484",
			BasePath:        "/v1",
			ShutdownTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			Path:    "durably.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a config file (optional) and applies environment overrides.
// An empty path uses defaults; a named file that does not exist is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays DURABLY_* environment variables onto the config.
func (c *Config) applyEnv() {
	if v := os.Getenv("DURABLY_LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("DURABLY_BASE_PATH"); v != "" {
		c.Server.BasePath = v
	}
	if v := os.Getenv("DURABLY_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := os.Getenv("DURABLY_SQLITE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("DURABLY_DATABASE_URL"); v != "" {
		c.Storage.ConnectionString = v
	}
	if v := os.Getenv("DURABLY_WORKER_ID"); v != "" {
		c.Worker.ID = v
	}
	if v := os.Getenv("DURABLY_POLLING_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Worker.PollingInterval = d
		}
	}
	if v := os.Getenv("DURABLY_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Worker.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("DURABLY_STALE_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Worker.StaleThreshold = d
		}
	}
	if v := os.Getenv("DURABLY_AUTH_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Auth.Enabled = b
		}
	}
	if v := os.Getenv("DURABLY_API_KEY"); v != "" {
		c.Auth.APIKeys = append(c.Auth.APIKeys, APIKeyConfig{Key: v, Name: "env"})
	}
	if v := os.Getenv("DURABLY_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("DURABLY_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("DURABLY_TRACING_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Tracing.Enabled = b
		}
	}
}

func (c *Config) validate() error {
	switch c.Storage.Backend {
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite backend")
		}
	case "postgres":
		if c.Storage.ConnectionString == "" {
			return fmt.Errorf("storage.connection_string is required for the postgres backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage backend %q (expected sqlite, postgres, or memory)", c.Storage.Backend)
	}
	if c.Auth.Enabled && len(c.Auth.APIKeys) == 0 && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.enabled requires at least one API key or a JWT secret")
	}
	return nil
}
