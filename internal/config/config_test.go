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
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "memory", cfg.QueueBackend)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, time.Second, cfg.BackoffBase)
	assert.Equal(t, 30*time.Second, cfg.SendTimeout)
}

func TestLoadFromEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("WORKERS=9\nSEND_TIMEOUT=5s\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("WORKERS")
		os.Unsetenv("SEND_TIMEOUT")
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Workers)
	assert.Equal(t, 5*time.Second, cfg.SendTimeout)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("QUEUE_BACKEND", "kafka")
	_, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "QUEUE_BACKEND")
}

func TestValidatePostgresNeedsURL(t *testing.T) {
	cfg := Config{QueueBackend: "postgres", StoreBackend: "postgres", Workers: 1, MaxAttempts: 1, SendTimeout: time.Second}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DATABASE_URL")
}

func TestLoadNormalizesBackendCase(t *testing.T) {
	t.Setenv("QUEUE_BACKEND", "Memory")
	t.Setenv("STORE_BACKEND", "MEMORY")
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.QueueBackend)
	assert.Equal(t, "memory", cfg.StoreBackend)
}
