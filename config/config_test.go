package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("POSTGRES_DSN", "postgres://localhost:5432/genai?sslmode=disable")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("OPENAI_API_KEY", "sk-secret")
	t.Setenv("REPLICATE_API_TOKEN", "r8-secret")
}

func TestLoad_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 5, cfg.MaxFreeCount)
	assert.Equal(t, QuotaBackendPostgres, cfg.QuotaBackend)
	assert.Equal(t, int64(60), cfg.RateLimitRPM)
	assert.Equal(t, "gpt-3.5-turbo", cfg.Providers.Chat.Model)
	assert.Equal(t, 24, cfg.Providers.Video.FPS)
}

func TestLoad_MaxFreeCount(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("MAX_FREE_COUNTS", "10")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.MaxFreeCount)
}

func TestLoad_InvalidMaxFreeCount(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("MAX_FREE_COUNTS", "many")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_FREE_COUNTS")
}

func TestLoad_PostgresBackendRequiresDSN(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("POSTGRES_DSN", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "POSTGRES_DSN")
}

func TestLoad_MemoryBackendWithoutDSN(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("POSTGRES_DSN", "")
	t.Setenv("QUOTA_BACKEND", QuotaBackendMemory)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, QuotaBackendMemory, cfg.QuotaBackend)
}

func TestLoad_UnknownBackend(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("QUOTA_BACKEND", "mongo")

	_, err := Load()
	require.Error(t, err)
}

func TestString_MasksSecrets(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	s := cfg.String()
	assert.False(t, strings.Contains(s, "sk-secret"))
	assert.False(t, strings.Contains(s, "r8-secret"))
	assert.Contains(t, s, "<redacted>")
}

func TestLoadProviders_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	data := []byte("chat:\n  model: gpt-4o-mini\nvideo:\n  fps: 12\n")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	p, err := LoadProviders(path)
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o-mini", p.Chat.Model)
	assert.Equal(t, 12, p.Video.FPS)
	// untouched fields keep their defaults
	assert.Equal(t, DefaultProviders().Chat.SystemPrompt, p.Chat.SystemPrompt)
	assert.Equal(t, 1024, p.Video.Width)
}

func TestLoadProviders_MissingFile(t *testing.T) {
	_, err := LoadProviders(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
