package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadConfig("FLUXOTEST", "")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "flatfile", cfg.Storage.Driver)
	assert.Equal(t, "./kanbans", cfg.Kanban.Dir)
	assert.True(t, cfg.Sweeper.Enabled)
	assert.EqualValues(t, 100, cfg.Security.RateLimit)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
storage:
  driver: bolt
  path: /tmp/fluxo.db
security:
  jwt_secret: topsecret
`), 0o644))

	cfg, err := LoadConfig("FLUXOTEST", path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "bolt", cfg.Storage.Driver)
	assert.Equal(t, "/tmp/fluxo.db", cfg.Storage.Path)
	assert.Equal(t, "topsecret", cfg.Security.JWTSecret)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o644))

	t.Setenv("FLUXOTEST_SERVER_PORT", "7070")
	cfg, err := LoadConfig("FLUXOTEST", path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Server.Port = 0 }},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "couch" }},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres"; c.Storage.DSN = "" }},
		{"missing kanban dir", func(c *Config) { c.Kanban.Dir = "" }},
		{"zero sweep interval", func(c *Config) { c.Sweeper.Interval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig("FLUXOTEST", "")
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, ValidateConfig(cfg))
		})
	}
}
