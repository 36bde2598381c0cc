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

// Package config loads fleet's YAML configuration, overlaying it with
// ${VAR}-style environment substitution and a set of FLEET_*-prefixed
// environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fleet-x-project/fleet/internal/logger"
)

// Config is the top-level configuration structure.
type Config struct {
	Environment string           `yaml:"environment" json:"environment"`
	Identity    *IdentityConfig  `yaml:"identity" json:"identity"`
	Passport    *PassportConfig  `yaml:"passport" json:"passport"`
	Directory   *DirectoryConfig `yaml:"directory" json:"directory"`
	RPC         *RPCConfig       `yaml:"rpc" json:"rpc"`
	Logging     *LoggingConfig   `yaml:"logging" json:"logging"`
	Health      *HealthConfig    `yaml:"health" json:"health"`
}

// IdentityConfig locates and optionally vault-encrypts an agent's key
// material.
type IdentityConfig struct {
	KeyDirectory  string `yaml:"key_directory" json:"key_directory"`
	VaultEnabled  bool   `yaml:"vault_enabled" json:"vault_enabled"`
	PassphraseEnv string `yaml:"passphrase_env" json:"passphrase_env"`
}

// PassportConfig configures passport issuance defaults.
type PassportConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`
}

// DirectoryConfig configures discovery lookups.
type DirectoryConfig struct {
	LookupTimeout time.Duration `yaml:"lookup_timeout" json:"lookup_timeout"`
}

// RPCConfig configures the RPC client and server defaults.
type RPCConfig struct {
	ListenAddr        string        `yaml:"listen_addr" json:"listen_addr"`
	DialTimeout       time.Duration `yaml:"dial_timeout" json:"dial_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout" json:"request_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" json:"heartbeat_interval"`
	RequireAuth       bool             `yaml:"require_auth" json:"require_auth"`
	Reconnect         *ReconnectConfig `yaml:"reconnect" json:"reconnect"`
	RateLimit         *RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
}

// ReconnectConfig mirrors rpc.ReconnectOptions.
type ReconnectConfig struct {
	Enabled        bool          `yaml:"enabled" json:"enabled"`
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	Factor         float64       `yaml:"factor" json:"factor"`
	MaxBackoff     time.Duration `yaml:"max_backoff" json:"max_backoff"`
	MaxAttempts    int           `yaml:"max_attempts" json:"max_attempts"`
}

// RateLimitConfig mirrors rpc.RateLimiterOptions.
type RateLimitConfig struct {
	MaxRequests int   `yaml:"max_requests" json:"max_requests"`
	WindowMs    int64 `yaml:"window_ms" json:"window_ms"`
}

// LoggingConfig configures internal/logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// HealthConfig configures the health endpoint.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Addr    string `yaml:"addr" json:"addr"`
	Path    string `yaml:"path" json:"path"`
}

// LoadFromFile reads a YAML config file at path, loads any .env file in
// the working directory into the process environment, substitutes ${VAR} references,
// applies FLEET_* environment overrides, and fills unset fields with
// defaults.
func LoadFromFile(path string) (*Config, error) {
	LoadDotEnv()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, logger.NewFleetError(logger.ErrCodeConfigurationError, fmt.Sprintf("read config file %s", path), err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, logger.NewFleetError(logger.ErrCodeConfigurationError, fmt.Sprintf("parse config file %s", path), err)
	}

	SubstituteEnvVarsInConfig(cfg)
	applyEnvOverrides(cfg)
	setDefaults(cfg)

	return cfg, nil
}

// SaveToFile writes cfg to path as YAML, or JSON if path ends in ".json".
func SaveToFile(cfg *Config, path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".json") {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// setDefaults fills the zero-value fields of every populated section. A
// nil section is left nil: its owning component falls back to its own
// package-level default (directory.DefaultLookupTimeout,
// rpc.DefaultReconnectOptions, ...) rather than config inventing one.
func setDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}

	if cfg.Identity != nil {
		if cfg.Identity.KeyDirectory == "" {
			cfg.Identity.KeyDirectory = ".fleet/keys"
		}
		if cfg.Identity.PassphraseEnv == "" {
			cfg.Identity.PassphraseEnv = "FLEET_KEY_PASSPHRASE"
		}
	}

	if cfg.Passport != nil && cfg.Passport.DefaultTTL == 0 {
		cfg.Passport.DefaultTTL = 24 * time.Hour
	}

	if cfg.Directory != nil && cfg.Directory.LookupTimeout == 0 {
		cfg.Directory.LookupTimeout = 5 * time.Second
	}

	if cfg.RPC != nil {
		if cfg.RPC.ListenAddr == "" {
			cfg.RPC.ListenAddr = ":8080"
		}
		if cfg.RPC.DialTimeout == 0 {
			cfg.RPC.DialTimeout = 30 * time.Second
		}
		if cfg.RPC.RequestTimeout == 0 {
			cfg.RPC.RequestTimeout = 30 * time.Second
		}
		if cfg.RPC.Reconnect != nil {
			if cfg.RPC.Reconnect.InitialBackoff == 0 {
				cfg.RPC.Reconnect.InitialBackoff = time.Second
			}
			if cfg.RPC.Reconnect.Factor == 0 {
				cfg.RPC.Reconnect.Factor = 2
			}
			if cfg.RPC.Reconnect.MaxBackoff == 0 {
				cfg.RPC.Reconnect.MaxBackoff = 30 * time.Second
			}
			if cfg.RPC.Reconnect.MaxAttempts == 0 {
				cfg.RPC.Reconnect.MaxAttempts = 5
			}
		}
	}

	if cfg.Logging != nil {
		if cfg.Logging.Level == "" {
			cfg.Logging.Level = "info"
		}
		if cfg.Logging.Format == "" {
			cfg.Logging.Format = "json"
		}
		if cfg.Logging.Output == "" {
			cfg.Logging.Output = "stdout"
		}
	}

	if cfg.Health != nil {
		if cfg.Health.Addr == "" {
			cfg.Health.Addr = ":8081"
		}
		if cfg.Health.Path == "" {
			cfg.Health.Path = "/healthz"
		}
	}
}

// applyEnvOverrides lets a small set of FLEET_* environment variables win
// over whatever the YAML file set, for the handful of settings operators
// commonly need to flip per-deployment without editing the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLEET_ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("FLEET_RPC_LISTEN_ADDR"); v != "" && cfg.RPC != nil {
		cfg.RPC.ListenAddr = v
	}
	if v := os.Getenv("FLEET_LOG_LEVEL"); v != "" && cfg.Logging != nil {
		cfg.Logging.Level = v
	}
}
