package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func noEnvFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load([]string{"-env-file", noEnvFile(t)})
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_Layering(t *testing.T) {
	// GIVEN: A config file, an env override and a flag override
	path := writeFile(t, "loyalty.yaml", `
port: 9000
db_path: /var/lib/loyalty.db
log_level: debug
max_retries: 8
rate_limit_rps: 0
audit_interval: 15m
cors_origins:
  - https://shop.example.com
`)
	t.Setenv("LOYALTY_LOG_LEVEL", "warn")
	t.Setenv("LOYALTY_MAX_RETRIES", "3")

	// WHEN: Loading with an explicit port flag
	cfg, err := Load([]string{"-config", path, "-env-file", noEnvFile(t), "-port", "9100"})
	require.NoError(t, err)

	// THEN: Each setting comes from the highest layer that set it
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, "/var/lib/loyalty.db", cfg.DBPath)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, []string{"https://shop.example.com"}, cfg.CORSOrigins)
	assert.False(t, cfg.RateLimited())
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 15*time.Minute, cfg.AuditInterval)
}

func TestLoad_ConfigFromEnv(t *testing.T) {
	path := writeFile(t, "loyalty.yaml", "db_path: from-env-config.db\n")
	t.Setenv("LOYALTY_CONFIG", path)

	cfg, err := Load([]string{"-env-file", noEnvFile(t)})
	require.NoError(t, err)
	assert.Equal(t, "from-env-config.db", cfg.DBPath)
}

func TestLoad_DotEnv(t *testing.T) {
	os.Unsetenv("LOYALTY_SEED_FILE")
	t.Cleanup(func() { os.Unsetenv("LOYALTY_SEED_FILE") })

	envFile := writeFile(t, ".env", "LOYALTY_SEED_FILE=programs.yaml\n")

	cfg, err := Load([]string{"-env-file", envFile})
	require.NoError(t, err)
	assert.Equal(t, "programs.yaml", cfg.SeedFile)
}

func TestLoad_CORSOriginsFromEnv(t *testing.T) {
	t.Setenv("LOYALTY_CORS_ORIGINS", "https://a.example.com, https://b.example.com,")

	cfg, err := Load([]string{"-env-file", noEnvFile(t)})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSOrigins)
}

func TestLoad_AuditIntervalFromEnv(t *testing.T) {
	t.Setenv("LOYALTY_AUDIT_INTERVAL", "0s")

	cfg, err := Load([]string{"-env-file", noEnvFile(t)})
	require.NoError(t, err)
	assert.Zero(t, cfg.AuditInterval)
}

func TestLoad_Errors(t *testing.T) {
	t.Run("bad env number", func(t *testing.T) {
		t.Setenv("LOYALTY_PORT", "eighty")
		_, err := Load([]string{"-env-file", noEnvFile(t)})
		assert.Error(t, err)
	})

	t.Run("missing config file", func(t *testing.T) {
		_, err := Load([]string{"-config", filepath.Join(t.TempDir(), "nope.yaml"), "-env-file", noEnvFile(t)})
		assert.Error(t, err)
	})

	t.Run("bad yaml", func(t *testing.T) {
		path := writeFile(t, "bad.yaml", "port: [1, 2\n")
		_, err := Load([]string{"-config", path, "-env-file", noEnvFile(t)})
		assert.Error(t, err)
	})

	t.Run("unknown flag", func(t *testing.T) {
		_, err := Load([]string{"-nope"})
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Port = 0 }},
		{"port too large", func(c *Config) { c.Port = 70000 }},
		{"empty db", func(c *Config) { c.DBPath = "" }},
		{"no retries", func(c *Config) { c.MaxRetries = 0 }},
		{"negative rps", func(c *Config) { c.RateLimitRPS = -1 }},
		{"no burst", func(c *Config) { c.RateLimitBurst = 0 }},
		{"negative audit interval", func(c *Config) { c.AuditInterval = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Default().Validate())
}
