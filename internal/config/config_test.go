package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, cfg.BaseURL)
	assert.Equal(t, DefaultStorage, cfg.Storage)
	assert.Equal(t, DefaultInterval, cfg.Interval)
	assert.Equal(t, DefaultIntervalJitter, cfg.IntervalJitter)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, DefaultDebounce, cfg.Debounce)
	assert.False(t, cfg.ReadOnly)
	assert.Empty(t, cfg.Listen)
	assert.Equal(t, DefaultAPIRateLimit, cfg.APIRateLimit)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("MARKSYNC_BASE_URL", "https://bookmarks.example.com")
	t.Setenv("MARKSYNC_TOKEN", " secret ")
	t.Setenv("MARKSYNC_READ_ONLY", "true")
	t.Setenv("MARKSYNC_INTERVAL", "30s")
	t.Setenv("MARKSYNC_INTERVAL_JITTER", "0.35")
	t.Setenv("MARKSYNC_LISTEN", "127.0.0.1:7070")
	t.Setenv("MARKSYNC_API_TOKEN", "api-secret")

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, "https://bookmarks.example.com", cfg.BaseURL)
	assert.Equal(t, "secret", cfg.Token)
	assert.True(t, cfg.ReadOnly)
	assert.Equal(t, 30*time.Second, cfg.Interval)
	assert.Equal(t, 0.35, cfg.IntervalJitter)
	assert.Equal(t, "127.0.0.1:7070", cfg.Listen)
	assert.Equal(t, "api-secret", cfg.APIToken)
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Setenv("MARKSYNC_STORAGE", "memory://")
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(flags)
	require.NoError(t, flags.Parse([]string{"--storage", "sqlite://bookmarks.db"}))

	v := New()
	require.NoError(t, Bind(v, flags))
	cfg, err := Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, "sqlite://bookmarks.db", cfg.Storage)
}

func TestLoadReadsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marksync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("token: from-file\ntimeout: 3s\n"), 0o600))

	cfg, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Token)
	assert.Equal(t, 3*time.Second, cfg.Timeout)

	_, err = Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadDotEnvSkipsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("MARKSYNC_SESSION_FILE=/tmp/session.json\n"), 0o600))
	t.Setenv("MARKSYNC_SESSION_FILE", "")
	require.NoError(t, os.Unsetenv("MARKSYNC_SESSION_FILE"))

	require.NoError(t, LoadDotEnv(filepath.Join(dir, "missing.env"), path))
	assert.Equal(t, "/tmp/session.json", os.Getenv("MARKSYNC_SESSION_FILE"))
}

func TestValidate(t *testing.T) {
	cfg, err := Config{BaseURL: DefaultBaseURL, IntervalJitter: 1.5, Interval: -time.Second}.Validate()
	require.NoError(t, err)
	assert.Equal(t, 1.0, cfg.IntervalJitter)
	assert.Equal(t, DefaultInterval, cfg.Interval)

	cfg, err = Config{APIRateLimit: -3}.Validate()
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.APIRateLimit)

	_, err = Config{BaseURL: "ftp://example.com"}.Validate()
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Config{SessionURL: "ws://x", SessionFile: "session.json"}.Validate()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestClampJitterRatio(t *testing.T) {
	assert.Equal(t, 0.0, ClampJitterRatio(-0.1))
	assert.Equal(t, 1.0, ClampJitterRatio(1.5))
	assert.Equal(t, 0.4, ClampJitterRatio(0.4))
}
