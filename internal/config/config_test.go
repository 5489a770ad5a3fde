package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sagaforge/chronicle/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.NotEmpty(t, cfg.TrackedEntityTypes)
}

func TestLoad_JSONOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"database_driver": "postgres",
		"database_dsn": "postgres://localhost/chronicle",
		"tracked_entity_types": ["settlement"]
	}`), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, "postgres://localhost/chronicle", cfg.DatabaseDSN)
	assert.Equal(t, []string{"settlement"}, cfg.TrackedEntityTypes)
	// Untouched fields keep their defaults.
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_EnvOverridesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"log_level": "warn"}`), 0o600))
	t.Setenv("CHRONICLE_LOG_LEVEL", "debug")
	t.Setenv("CHRONICLE_ENTITY_TYPES", "settlement, character")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"settlement", "character"}, cfg.TrackedEntityTypes)
}

func TestLoad_BadFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o600))
	_, err = config.Load(path)
	assert.Error(t, err)
}
