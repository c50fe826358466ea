package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `{
		"authBaseURL": "https://auth.example.com",
		"clientID": "client-1",
		"redirectURI": "http://localhost:9999/cb",
		"scope": "openid profile email",
		"apiBaseURL": "https://api.example.com",
		"stateDir": "/tmp/tokenfront-test",
		"sessionWindow": "720h",
		"httpTimeout": 15,
		"logLevel": "debug"
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://auth.example.com", cfg.AuthBaseURL)
	assert.Equal(t, "client-1", cfg.ClientID)
	assert.Equal(t, "http://localhost:9999/cb", cfg.RedirectURI)
	assert.Equal(t, "openid profile email", cfg.Scope)
	assert.Equal(t, 720*time.Hour, cfg.SessionWindow.Value())
	assert.Equal(t, 15*time.Second, cfg.HTTPTimeout.Value())
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadEnvReference(t *testing.T) {
	t.Setenv("TEST_CLIENT_ID", "from-env")
	path := writeConfig(t, `{
		"authBaseURL": "https://auth.example.com",
		"clientID": {"$env": "TEST_CLIENT_ID"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.ClientID)
}

func TestLoadEnvReferenceUnset(t *testing.T) {
	path := writeConfig(t, `{
		"authBaseURL": "https://auth.example.com",
		"clientID": {"$env": "TEST_UNSET_CLIENT_ID"}
	}`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TEST_UNSET_CLIENT_ID")
}

func TestLoadEnvFallbacksWithoutFile(t *testing.T) {
	t.Setenv("TOKENFRONT_AUTH_BASE_URL", "https://auth.example.com")
	t.Setenv("TOKENFRONT_CLIENT_ID", "client-env")
	t.Setenv("TOKENFRONT_STATE_DIR", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "client-env", cfg.ClientID)
	// Defaults applied
	assert.Equal(t, "http://localhost:8765/callback", cfg.RedirectURI)
	assert.Equal(t, 30*time.Second, cfg.HTTPTimeout.Value())
}

func TestLoadMissingRequiredField(t *testing.T) {
	path := writeConfig(t, `{"authBaseURL": "https://auth.example.com"}`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "clientID")
}

func TestDurationForms(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"5m"`)))
	assert.Equal(t, 5*time.Minute, d.Value())

	require.NoError(t, d.UnmarshalJSON([]byte(`90`)))
	assert.Equal(t, 90*time.Second, d.Value())

	assert.Error(t, d.UnmarshalJSON([]byte(`true`)))
	assert.Error(t, d.UnmarshalJSON([]byte(`"not-a-duration"`)))
}
