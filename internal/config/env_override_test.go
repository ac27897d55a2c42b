package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvOverrides_RemoteKey(t *testing.T) {
	t.Run("GOOGLE_API_KEY sets the key", func(t *testing.T) {
		t.Setenv("GOOGLE_API_KEY", "google-key")
		t.Setenv("GEMINI_API_KEY", "")

		cfg := &Config{}
		cfg.applyEnvOverrides()

		assert.Equal(t, "google-key", cfg.Engines.GenAI.APIKey)
	})

	t.Run("Precedence: GEMINI overrides GOOGLE", func(t *testing.T) {
		t.Setenv("GOOGLE_API_KEY", "google-key")
		t.Setenv("GEMINI_API_KEY", "gemini-key")

		cfg := &Config{}
		cfg.applyEnvOverrides()

		assert.Equal(t, "gemini-key", cfg.Engines.GenAI.APIKey)
	})
}

func TestEnvOverrides_SafeModeAndDebug(t *testing.T) {
	t.Run("valid bools apply", func(t *testing.T) {
		t.Setenv("HYBRIDEXEC_SAFE_MODE", "true")
		t.Setenv("HYBRIDEXEC_DEBUG", "1")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.True(t, cfg.SafeMode)
		assert.True(t, cfg.Logging.DebugMode)
	})

	t.Run("invalid bool is ignored", func(t *testing.T) {
		t.Setenv("HYBRIDEXEC_SAFE_MODE", "sometimes")
		t.Setenv("HYBRIDEXEC_DEBUG", "")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.False(t, cfg.SafeMode)
	})
}

func TestEnvOverrides_Endpoints(t *testing.T) {
	t.Setenv("OLLAMA_HOST", "10.0.0.5:11434")
	t.Setenv("HYBRIDEXEC_AUDIT_DB", "/tmp/audit.db")
	t.Setenv("HYBRIDEXEC_ADDR", ":9999")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	require.Equal(t, "http://10.0.0.5:11434", cfg.Engines.Ollama.BaseURL)
	assert.Equal(t, "/tmp/audit.db", cfg.Audit.Path)
	assert.Equal(t, ":9999", cfg.Server.Addr)
}
