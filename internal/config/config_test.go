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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8484", cfg.Server.ListenAddr)
	assert.Equal(t, "/v1", cfg.Server.BasePath)
	assert.Equal(t, "sqlite", cfg.Storage.Backend)
	assert.Equal(t, "durably.db", cfg.Storage.Path)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Auth.Enabled)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen_addr: ":9000"
  base_path: /api
storage:
  backend: postgres
  connection_string: postgres://localhost/durably
worker:
  polling_interval: 500ms
  stale_threshold: 1m
auth:
  enabled: true
  api_keys:
    - key: test-key
      name: tester
  rate_limit:
    enabled: true
    requests_per_second: 5
log:
  level: debug
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.ListenAddr)
	assert.Equal(t, "/api", cfg.Server.BasePath)
	assert.Equal(t, "postgres", cfg.Storage.Backend)
	assert.Equal(t, 500*time.Millisecond, cfg.Worker.PollingInterval)
	assert.Equal(t, time.Minute, cfg.Worker.StaleThreshold)
	require.Len(t, cfg.Auth.APIKeys, 1)
	assert.Equal(t, "tester", cfg.Auth.APIKeys[0].Name)
	assert.True(t, cfg.Auth.RateLimit.Enabled)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DURABLY_LISTEN_ADDR", ":7777")
	t.Setenv("DURABLY_STORAGE_BACKEND", "memory")
	t.Setenv("DURABLY_POLLING_INTERVAL", "250ms")
	t.Setenv("DURABLY_AUTH_ENABLED", "true")
	t.Setenv("DURABLY_API_KEY", "env-key")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7777", cfg.Server.ListenAddr)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.PollingInterval)
	assert.True(t, cfg.Auth.Enabled)
	require.Len(t, cfg.Auth.APIKeys, 1)
	assert.Equal(t, "env-key", cfg.Auth.APIKeys[0].Key)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Storage.Backend = "mysql"
	assert.Error(t, cfg.validate())

	cfg = Default()
	cfg.Storage.Backend = "postgres"
	assert.Error(t, cfg.validate(), "postgres requires a connection string")

	cfg = Default()
	cfg.Auth.Enabled = true
	assert.Error(t, cfg.validate(), "auth requires credentials")

	cfg = Default()
	cfg.Auth.Enabled = true
	cfg.Auth.JWTSecret = "s"
	assert.NoError(t, cfg.validate())
}
