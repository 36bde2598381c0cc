// Copyright (C) 2025 fleet-x-project
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// SPDX-License-Identifier: LGPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleet-x-project/fleet/internal/logger"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleet.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromFileAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, `
identity:
  key_directory: /var/lib/fleet/keys
passport: {}
directory: {}
rpc:
  reconnect: {}
logging: {}
health: {}
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "/var/lib/fleet/keys", cfg.Identity.KeyDirectory)
	assert.Equal(t, "FLEET_KEY_PASSPHRASE", cfg.Identity.PassphraseEnv)
	assert.Equal(t, 24*time.Hour, cfg.Passport.DefaultTTL)
	assert.Equal(t, 5*time.Second, cfg.Directory.LookupTimeout)
	assert.Equal(t, ":8080", cfg.RPC.ListenAddr)
	assert.Equal(t, 30*time.Second, cfg.RPC.DialTimeout)
	assert.Equal(t, time.Second, cfg.RPC.Reconnect.InitialBackoff)
	assert.Equal(t, 2.0, cfg.RPC.Reconnect.Factor)
	assert.Equal(t, 5, cfg.RPC.Reconnect.MaxAttempts)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, ":8081", cfg.Health.Addr)
	assert.Equal(t, "/healthz", cfg.Health.Path)
}

func TestLoadFromFilePreservesExplicitValues(t *testing.T) {
	path := writeTempConfig(t, `
environment: staging
rpc:
  listen_addr: ":9090"
  require_auth: false
  rate_limit:
    max_requests: 10
    window_ms: 1000
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, ":9090", cfg.RPC.ListenAddr)
	assert.False(t, cfg.RPC.RequireAuth)
	assert.Equal(t, 10, cfg.RPC.RateLimit.MaxRequests)
	assert.Equal(t, int64(1000), cfg.RPC.RateLimit.WindowMs)
}

func TestLoadFromFileSubstitutesEnvVars(t *testing.T) {
	require.NoError(t, os.Setenv("FLEET_TEST_LISTEN_ADDR", ":7777"))
	defer os.Unsetenv("FLEET_TEST_LISTEN_ADDR")

	path := writeTempConfig(t, `
rpc:
  listen_addr: "${FLEET_TEST_LISTEN_ADDR}"
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.RPC.ListenAddr)
}

func TestLoadFromFileEnvOverrideWinsOverYAML(t *testing.T) {
	require.NoError(t, os.Setenv("FLEET_LOG_LEVEL", "debug"))
	defer os.Unsetenv("FLEET_LOG_LEVEL")

	path := writeTempConfig(t, `
logging:
  level: info
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadFromFileMissingFileErrors(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	var ferr *logger.FleetError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, logger.ErrCodeConfigurationError, ferr.Code)
}

func TestSubstituteEnvVarsUsesDefaultWhenUnset(t *testing.T) {
	os.Unsetenv("FLEET_DOES_NOT_EXIST")
	result := SubstituteEnvVars("${FLEET_DOES_NOT_EXIST:fallback}")
	assert.Equal(t, "fallback", result)
}

func TestSubstituteEnvVarsPrefersSetValue(t *testing.T) {
	require.NoError(t, os.Setenv("FLEET_SUBST_TEST", "actual"))
	defer os.Unsetenv("FLEET_SUBST_TEST")
	result := SubstituteEnvVars("${FLEET_SUBST_TEST:fallback}")
	assert.Equal(t, "actual", result)
}

func TestGetEnvironmentDefaultsToDevelopment(t *testing.T) {
	os.Unsetenv("FLEET_ENV")
	os.Unsetenv("ENVIRONMENT")
	assert.Equal(t, "development", GetEnvironment())
	assert.True(t, IsDevelopment())
	assert.False(t, IsProduction())
}

func TestGetEnvironmentReadsFleetEnv(t *testing.T) {
	require.NoError(t, os.Setenv("FLEET_ENV", "Production"))
	defer os.Unsetenv("FLEET_ENV")
	assert.Equal(t, "production", GetEnvironment())
	assert.True(t, IsProduction())
}

func TestSaveToFileRoundTrip(t *testing.T) {
	cfg := &Config{
		Environment: "staging",
		RPC:         &RPCConfig{ListenAddr: ":9999"},
	}

	path := filepath.Join(t.TempDir(), "out.yaml")
	require.NoError(t, SaveToFile(cfg, path))

	reloaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "staging", reloaded.Environment)
	assert.Equal(t, ":9999", reloaded.RPC.ListenAddr)
}
