package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ricochet1k/inlinecomplete/internal/completion"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"INLINECOMPLETE_URL", "INLINECOMPLETE_TOKEN", "OPENAI_API_KEY", "GEMINI_API_KEY"} {
		t.Setenv(key, "")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, `
[client]
base_url = "wss://notebooks.example.com/user/ada"
token = "abc"
reconnect_delay = "250ms"
max_reconnect_attempts = 0

[completion]
trigger_kind = "manual"
debounce = "300ms"

[server]
backend = "gemini"
model = "gemini-2.5-pro"
static_fragments = ["a", "b"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "wss://notebooks.example.com/user/ada", cfg.Client.BaseURL)
	assert.Equal(t, 250*time.Millisecond, cfg.Client.ReconnectDelay)
	assert.Equal(t, 0, cfg.Client.MaxReconnectAttempts)
	assert.True(t, cfg.Client.AppendToken, "unset keys keep defaults")
	assert.Equal(t, BackendGemini, cfg.Server.Backend)
	assert.Equal(t, []string{"a", "b"}, cfg.Server.StaticFragments)

	settings := cfg.Settings()
	assert.Equal(t, completion.TriggerManual, settings.TriggerKind)
	assert.True(t, settings.Enabled)
	assert.Equal(t, 300*time.Millisecond, settings.Debounce)

	tc, err := cfg.Transport()
	require.NoError(t, err)
	assert.Equal(t, "wss://notebooks.example.com/user/ada/inline-completion?token=abc", tc.URL)
	assert.Empty(t, tc.Header)
}

func TestLoad_Rejects(t *testing.T) {
	clearEnv(t)
	tests := map[string]string{
		"unknown key":       "[client]\nbase = \"ws://x\"\n",
		"bad trigger kind":  "[completion]\ntrigger_kind = \"sometimes\"\n",
		"bad backend":       "[server]\nbackend = \"llama\"\n",
		"negative duration": "[client]\nreconnect_delay = \"-1s\"\n",
		"malformed":         "[client\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("INLINECOMPLETE_URL", "http://localhost:9999")
	t.Setenv("INLINECOMPLETE_TOKEN", "from-env")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("GEMINI_API_KEY", "")

	cfg, err := Load(writeConfig(t, "[client]\ntoken = \"from-file\"\nappend_token = false\n"))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Client.Token)
	assert.Equal(t, "from-env", cfg.Server.Token)
	assert.Equal(t, "sk-test", cfg.Server.OpenAIAPIKey)

	tc, err := cfg.Transport()
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:9999/inline-completion", tc.URL)
	assert.Equal(t, "token from-env", tc.Header.Get("Authorization"))
}

func TestDir(t *testing.T) {
	t.Setenv("INLINECOMPLETE_CONFIG_DIR", "/etc/inlinecomplete")
	assert.Equal(t, "/etc/inlinecomplete", Dir())

	t.Setenv("INLINECOMPLETE_CONFIG_DIR", "")
	t.Setenv("XDG_CONFIG_HOME", "/home/ada/.xdg")
	assert.Equal(t, "/home/ada/.xdg/inlinecomplete", Dir())
	assert.Equal(t, "/home/ada/.xdg/inlinecomplete/config.toml", Path())

	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("HOME", "/home/ada")
	assert.Equal(t, "/home/ada/.config/inlinecomplete", Dir())
}
