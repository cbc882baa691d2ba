package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Equal(t, 60, cfg.RateLimit.User.PerMinute)
	assert.Equal(t, 1000, cfg.RateLimit.User.PerHour)
	assert.Equal(t, 30, cfg.RateLimit.Device.PerMinute)
	assert.Equal(t, 500, cfg.RateLimit.Device.PerHour)
	assert.Equal(t, 3, cfg.Worker.MaxRetries)
}

func TestLoadWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Queue.StreamName, cfg.Queue.StreamName)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/no/such/config.json")
	assert.Error(t, err)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"log": {"level": "debug", "format": "text"},
		"nats": {"url": "nats://prod:4222"},
		"rateLimit": {
			"user": {"perMinute": 10, "perHour": 100},
			"device": {"perMinute": 5, "perHour": 50}
		}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "nats://prod:4222", cfg.NATS.URL)
	assert.Equal(t, 10, cfg.RateLimit.User.PerMinute)
	// Untouched sections keep defaults
	assert.Equal(t, "SCREENING", cfg.Queue.StreamName)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"nats":{"url":"nats://file:4222"}}`), 0o600))

	t.Setenv(EnvNATSURL, "nats://env:4222")
	t.Setenv(EnvOpenAIKey, "sk-from-env")
	t.Setenv(EnvLogLevel, "warn")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
	assert.Equal(t, "sk-from-env", cfg.Analysis.APIKey)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadRejectsBadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte("{{{"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "verbose"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Log.Format = "xml"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.NATS.URL = ""
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.RateLimit.User.PerMinute = -1
	assert.Error(t, cfg.Validate())
}
