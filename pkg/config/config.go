// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the mcpbox process configuration.
//
// Configuration is read from an optional YAML file, overridden by
// MCPBOX_-prefixed environment variables, and finally by command-line
// flags bound by the caller.
package config

import (
	stderrors "errors"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/mcpbox/mcpbox/pkg/errors"
)

// Config is the root configuration for every mcpbox process.
type Config struct {
	// Host and Port locate the admin API listener.
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	// EncryptionMasterKey is the hex-encoded 32-byte key for all
	// AES-256-GCM operations (server secrets, OAuth artifacts).
	EncryptionMasterKey string `mapstructure:"encryption_master_key"`

	// ServiceToken authenticates the control plane to the sandbox service.
	ServiceToken string `mapstructure:"service_token"`

	// JWTSigningKey signs admin session tokens.
	JWTSigningKey string `mapstructure:"jwt_signing_key"`

	LogRetentionDays int `mapstructure:"log_retention_days"`

	Admin     AdminConfig     `mapstructure:"admin"`
	DB        DBConfig        `mapstructure:"db"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Sandbox   SandboxConfig   `mapstructure:"sandbox"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	External  ExternalConfig  `mapstructure:"external"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// AdminConfig holds the single admin principal used by the login flow.
type AdminConfig struct {
	Username string `mapstructure:"username"`
	// PasswordHash is a bcrypt hash; the cleartext never appears in config.
	PasswordHash string `mapstructure:"password_hash"`
}

// DBConfig configures the sqlite store.
type DBConfig struct {
	Path          string `mapstructure:"path"`
	BusyTimeoutMS int    `mapstructure:"busy_timeout_ms"`
}

// HTTPConfig sizes the shared outbound HTTP transport.
type HTTPConfig struct {
	PoolSize   int `mapstructure:"pool_size"`
	KeepaliveS int `mapstructure:"keepalive_s"`
	TimeoutS   int `mapstructure:"timeout_s"`
}

// JWTConfig holds admin session token lifetimes.
type JWTConfig struct {
	AccessExpiryM  int `mapstructure:"access_expiry_m"`
	RefreshExpiryH int `mapstructure:"refresh_expiry_h"`
}

// SandboxConfig configures the executor and its service listener.
type SandboxConfig struct {
	// Embedded runs the sandbox service inside the control-plane process.
	// When false, URL locates an external sandbox service.
	Embedded bool   `mapstructure:"embedded"`
	URL      string `mapstructure:"url"`
	Port     int    `mapstructure:"port"`

	MemoryMB  int `mapstructure:"memory_mb"`
	CPUS      int `mapstructure:"cpu_s"`
	FDCap     int `mapstructure:"fd_cap"`
	MaxWallMS int `mapstructure:"max_wall_ms"`
	Workers   int `mapstructure:"workers"`
}

// GatewayConfig configures the MCP gateway listener and session handling.
type GatewayConfig struct {
	Port        int  `mapstructure:"port"`
	ToolPrefix  bool `mapstructure:"tool_prefix"`
	SessionTTLM int  `mapstructure:"session_ttl_m"`
	MaxSessions int  `mapstructure:"max_sessions"`

	// RemoteMode enables method-level email authorization behind an
	// identity-forwarding proxy.
	RemoteMode       bool   `mapstructure:"remote_mode"`
	IdentityJWKSURL  string `mapstructure:"identity_jwks_url"`
	IdentityIssuer   string `mapstructure:"identity_issuer"`
	IdentityAudience string `mapstructure:"identity_audience"`
}

// ExternalConfig bounds the outbound MCP session pool.
type ExternalConfig struct {
	SessionIdleM int `mapstructure:"session_idle_m"`
	MaxSessions  int `mapstructure:"max_sessions"`
	MaxHops      int `mapstructure:"max_hops"`
}

// RateLimitConfig holds the per-bucket request-per-minute limits.
type RateLimitConfig struct {
	APIRPM       int `mapstructure:"api_rpm"`
	LoginRPM     int `mapstructure:"login_rpm"`
	TokenFailRPM int `mapstructure:"token_fail_rpm"`
	InvokeRPM    int `mapstructure:"invoke_rpm"`
}

const envPrefix = "MCPBOX"

// Load reads configuration from the given file path (optional), the
// environment, and built-in defaults, then validates the result.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
	} else {
		v.SetConfigName("mcpbox")
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.Join(xdg.ConfigHome, "mcpbox"))
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !stderrors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config: %w", err)
			}
			// No config file is fine; env and defaults carry the process.
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 8080)
	v.SetDefault("log_retention_days", 30)

	v.SetDefault("db.path", filepath.Join(xdg.DataHome, "mcpbox", "mcpbox.db"))
	v.SetDefault("db.busy_timeout_ms", 5000)

	v.SetDefault("http.pool_size", 10)
	v.SetDefault("http.keepalive_s", 5)
	v.SetDefault("http.timeout_s", 30)

	v.SetDefault("jwt.access_expiry_m", 15)
	v.SetDefault("jwt.refresh_expiry_h", 168)

	v.SetDefault("sandbox.embedded", true)
	v.SetDefault("sandbox.port", 8090)
	v.SetDefault("sandbox.memory_mb", 256)
	v.SetDefault("sandbox.cpu_s", 60)
	v.SetDefault("sandbox.fd_cap", 64)
	v.SetDefault("sandbox.max_wall_ms", 300_000)
	v.SetDefault("sandbox.workers", 0) // 0 means sized from GOMAXPROCS

	v.SetDefault("gateway.port", 8081)
	v.SetDefault("gateway.tool_prefix", true)
	v.SetDefault("gateway.session_ttl_m", 30)
	v.SetDefault("gateway.max_sessions", 256)
	v.SetDefault("gateway.remote_mode", false)

	v.SetDefault("external.session_idle_m", 10)
	v.SetDefault("external.max_sessions", 64)
	v.SetDefault("external.max_hops", 3)

	v.SetDefault("rate_limit.api_rpm", 100)
	v.SetDefault("rate_limit.login_rpm", 5)
	v.SetDefault("rate_limit.token_fail_rpm", 10)
	v.SetDefault("rate_limit.invoke_rpm", 60)
}

// Validate checks the invariants every process relies on.
func (c *Config) Validate() error {
	if _, err := c.MasterKey(); err != nil {
		return err
	}
	if len(c.ServiceToken) < 16 {
		return errors.NewValidationError("service_token must be at least 16 characters", nil)
	}
	if len(c.JWTSigningKey) < 32 {
		return errors.NewValidationError("jwt_signing_key must be at least 32 characters", nil)
	}
	if !c.Sandbox.Embedded && c.Sandbox.URL == "" {
		return errors.NewValidationError("sandbox.url is required when sandbox.embedded is false", nil)
	}
	if c.Gateway.RemoteMode && c.Gateway.IdentityJWKSURL == "" {
		return errors.NewValidationError("gateway.identity_jwks_url is required in remote mode", nil)
	}
	if c.External.MaxHops < 1 {
		return errors.NewValidationError("external.max_hops must be at least 1", nil)
	}
	return nil
}

// MasterKey decodes the hex master key and checks its length.
func (c *Config) MasterKey() ([]byte, error) {
	key, err := hex.DecodeString(c.EncryptionMasterKey)
	if err != nil {
		return nil, errors.NewValidationError("encryption_master_key must be hex encoded", err)
	}
	if len(key) != 32 {
		return nil, errors.NewValidationError(
			fmt.Sprintf("encryption_master_key must decode to 32 bytes, got %d", len(key)), nil)
	}
	return key, nil
}

// SandboxBaseURL returns the sandbox service URL the client should dial.
func (c *Config) SandboxBaseURL() string {
	if c.Sandbox.URL != "" {
		return c.Sandbox.URL
	}
	return fmt.Sprintf("http://%s:%d", c.Host, c.Sandbox.Port)
}
