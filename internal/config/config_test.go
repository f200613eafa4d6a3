package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, 8081, cfg.Server.HealthPort)

	require.Equal(t, 20, cfg.Session.MaxTurns)
	require.Equal(t, 120, cfg.Session.IdleTimeoutSeconds)
	require.Equal(t, 12, cfg.Session.HistoryWindow)
	require.Contains(t, cfg.Session.ClosingPhrases, "goodbye")
	require.Equal(t, 2, cfg.Session.RecordTimeoutSec)
	require.Equal(t, 30, cfg.Session.RecordMaxSec)
	require.NotEmpty(t, cfg.Session.Greeting)
	require.NotEmpty(t, cfg.Session.SystemPrompt)
	require.NotEmpty(t, cfg.Session.Farewell)

	require.Equal(t, 3, cfg.Retry.Attempts)
	require.Equal(t, 250, cfg.Retry.BackoffBaseMs)

	require.Equal(t, "openai", cfg.Speech.Backend)
	require.Equal(t, "whisper-1", cfg.Speech.OpenAI.TranscriptionModel)
	require.Equal(t, "gpt-4o", cfg.Speech.OpenAI.CompletionModel)
	require.Equal(t, "tts-1", cfg.Speech.OpenAI.SpeechModel)
	require.Equal(t, "alloy", cfg.Speech.OpenAI.Voice)

	require.Equal(t, "json", cfg.Telephony.Format)
	require.Equal(t, "none", cfg.Transcripts.Backend)
	require.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFromFile(t *testing.T) {
	yaml := `
server:
  port: 9090
session:
  max_turns: 5
  closing_phrases:
    - adios
  corrections:
    re-serve: reserve
telephony:
  format: twiml
  base_url: https://bot.example.com
`
	path := filepath.Join(t.TempDir(), "callyard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 5, cfg.Session.MaxTurns)
	require.Equal(t, []string{"adios"}, cfg.Session.ClosingPhrases)
	require.Equal(t, "reserve", cfg.Session.Corrections["re-serve"])
	require.Equal(t, "twiml", cfg.Telephony.Format)
	require.Equal(t, "https://bot.example.com", cfg.Telephony.BaseURL)

	// Unset values keep their defaults.
	require.Equal(t, 8081, cfg.Server.HealthPort)
	require.Equal(t, "whisper-1", cfg.Speech.OpenAI.TranscriptionModel)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CALLYARD_SERVER_PORT", "7070")
	t.Setenv("CALLYARD_SPEECH_OPENAI_COMPLETION_MODEL", "gpt-4o-mini")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
	require.Equal(t, "gpt-4o-mini", cfg.Speech.OpenAI.CompletionModel)
}

func TestResolveEnvRef(t *testing.T) {
	t.Setenv("TEST_SECRET", "sk-resolved")

	require.Equal(t, "sk-resolved", resolveEnvRef("${TEST_SECRET}"))
	require.Equal(t, "literal-value", resolveEnvRef("literal-value"))
	require.Equal(t, "${UNSET_VAR_XYZ}", resolveEnvRef("${UNSET_VAR_XYZ}"))
}
