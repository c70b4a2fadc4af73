// SPDX-FileCopyrightText: Copyright 2026 MCPBox Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mcpbox.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func validYAML() string {
	return `
encryption_master_key: "` + testMasterKey + `"
service_token: "0123456789abcdef"
jwt_signing_key: "` + strings.Repeat("k", 32) + `"
`
}

func TestLoadDefaults(t *testing.T) { //nolint:paralleltest // viper reads the environment
	path := writeConfigFile(t, validYAML())

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 8081, cfg.Gateway.Port)
	assert.Equal(t, 8090, cfg.Sandbox.Port)
	assert.True(t, cfg.Sandbox.Embedded)
	assert.Equal(t, 256, cfg.Sandbox.MemoryMB)
	assert.Equal(t, 60, cfg.Sandbox.CPUS)
	assert.Equal(t, 64, cfg.Sandbox.FDCap)
	assert.Equal(t, 300_000, cfg.Sandbox.MaxWallMS)
	assert.Equal(t, 100, cfg.RateLimit.APIRPM)
	assert.Equal(t, 5, cfg.RateLimit.LoginRPM)
	assert.Equal(t, 10, cfg.RateLimit.TokenFailRPM)
	assert.Equal(t, 60, cfg.RateLimit.InvokeRPM)
	assert.Equal(t, 3, cfg.External.MaxHops)
	assert.Equal(t, 30, cfg.LogRetentionDays)
	assert.True(t, cfg.Gateway.ToolPrefix)
}

func TestLoadOverrides(t *testing.T) { //nolint:paralleltest // viper reads the environment
	path := writeConfigFile(t, validYAML()+`
port: 9999
gateway:
  tool_prefix: false
  max_sessions: 16
sandbox:
  memory_mb: 128
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Port)
	assert.False(t, cfg.Gateway.ToolPrefix)
	assert.Equal(t, 16, cfg.Gateway.MaxSessions)
	assert.Equal(t, 128, cfg.Sandbox.MemoryMB)
}

func TestMasterKeyDecoding(t *testing.T) {
	t.Parallel()

	cfg := &Config{EncryptionMasterKey: testMasterKey}
	key, err := cfg.MasterKey()
	require.NoError(t, err)
	assert.Len(t, key, 32)

	cfg = &Config{EncryptionMasterKey: "not-hex"}
	_, err = cfg.MasterKey()
	assert.Error(t, err)

	cfg = &Config{EncryptionMasterKey: "abcd"}
	_, err = cfg.MasterKey()
	assert.Error(t, err, "short keys must be rejected")
}

func TestValidate(t *testing.T) {
	t.Parallel()

	base := func() *Config {
		return &Config{
			EncryptionMasterKey: testMasterKey,
			ServiceToken:        "0123456789abcdef",
			JWTSigningKey:       strings.Repeat("k", 32),
			Sandbox:             SandboxConfig{Embedded: true},
			External:            ExternalConfig{MaxHops: 3},
		}
	}

	t.Run("valid", func(t *testing.T) {
		t.Parallel()
		assert.NoError(t, base().Validate())
	})

	t.Run("short service token", func(t *testing.T) {
		t.Parallel()
		cfg := base()
		cfg.ServiceToken = "short"
		assert.Error(t, cfg.Validate())
	})

	t.Run("short signing key", func(t *testing.T) {
		t.Parallel()
		cfg := base()
		cfg.JWTSigningKey = "short"
		assert.Error(t, cfg.Validate())
	})

	t.Run("external sandbox requires url", func(t *testing.T) {
		t.Parallel()
		cfg := base()
		cfg.Sandbox.Embedded = false
		assert.Error(t, cfg.Validate())

		cfg.Sandbox.URL = "http://sandbox:8090"
		assert.NoError(t, cfg.Validate())
	})

	t.Run("remote mode requires jwks url", func(t *testing.T) {
		t.Parallel()
		cfg := base()
		cfg.Gateway.RemoteMode = true
		assert.Error(t, cfg.Validate())

		cfg.Gateway.IdentityJWKSURL = "https://idp.example.com/jwks"
		assert.NoError(t, cfg.Validate())
	})
}

func TestSandboxBaseURL(t *testing.T) {
	t.Parallel()

	cfg := &Config{Host: "127.0.0.1", Sandbox: SandboxConfig{Port: 8090}}
	assert.Equal(t, "http://127.0.0.1:8090", cfg.SandboxBaseURL())

	cfg.Sandbox.URL = "http://sandbox.internal:9000"
	assert.Equal(t, "http://sandbox.internal:9000", cfg.SandboxBaseURL())
}
