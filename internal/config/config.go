// Package config handles loading and validating the callyard configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root configuration for the callyard daemon.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Session     SessionConfig     `mapstructure:"session"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Speech      SpeechConfig      `mapstructure:"speech"`
	Telephony   TelephonyConfig   `mapstructure:"telephony"`
	Transcripts TranscriptsConfig `mapstructure:"transcripts"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ServerConfig holds the webhook and health server settings.
type ServerConfig struct {
	Port       int `mapstructure:"port"`
	HealthPort int `mapstructure:"health_port"`
}

// SessionConfig governs the per-call state machine.
type SessionConfig struct {
	MaxTurns           int      `mapstructure:"max_turns"`
	IdleTimeoutSeconds int      `mapstructure:"idle_timeout_seconds"`
	HistoryWindow      int      `mapstructure:"history_window"`
	ClosingPhrases     []string `mapstructure:"closing_phrases"`

	// RecordTimeoutSec is the silence-detection timeout in record directives;
	// RecordMaxSec caps the recording length.
	RecordTimeoutSec int `mapstructure:"record_timeout_sec"`
	RecordMaxSec     int `mapstructure:"record_max_sec"`

	// Scripted utterances. Greeting opens the call; Reprompt is spoken after
	// silence; Apology after a failed transcription or completion; Farewell
	// before a forced hangup.
	Greeting     string `mapstructure:"greeting"`
	SystemPrompt string `mapstructure:"system_prompt"`
	Reprompt     string `mapstructure:"reprompt"`
	Apology      string `mapstructure:"apology"`
	Farewell     string `mapstructure:"farewell"`

	// Corrections maps commonly misrecognized phrases to their replacements,
	// applied to transcripts before they enter the conversation history.
	Corrections map[string]string `mapstructure:"corrections"`
}

// RetryConfig is the shared retry policy for external service calls.
type RetryConfig struct {
	Attempts      int `mapstructure:"attempts"`
	BackoffBaseMs int `mapstructure:"backoff_base_ms"`
}

// SpeechConfig selects and configures the AI service backend.
type SpeechConfig struct {
	Backend        string       `mapstructure:"backend"` // "openai"
	TimeoutSeconds int          `mapstructure:"timeout_seconds"`
	OpenAI         OpenAIConfig `mapstructure:"openai"`
}

// OpenAIConfig holds OpenAI API settings. BaseURL may point at any
// OpenAI-compatible server (e.g., a local whisper.cpp + Ollama gateway).
type OpenAIConfig struct {
	APIKey             string `mapstructure:"api_key"`
	BaseURL            string `mapstructure:"base_url"`
	TranscriptionModel string `mapstructure:"transcription_model"`
	CompletionModel    string `mapstructure:"completion_model"`
	SpeechModel        string `mapstructure:"speech_model"`
	Voice              string `mapstructure:"voice"`
	Language           string `mapstructure:"language"` // ISO-639-1 hint for transcription
}

// TelephonyConfig configures the provider-facing boundary.
type TelephonyConfig struct {
	// Format selects the directive document rendering: "json" or "twiml".
	Format string `mapstructure:"format"`

	// BaseURL is the public URL of this daemon, used to build audio links
	// and webhook callback URLs.
	BaseURL string `mapstructure:"base_url"`

	// AudioDir is where synthesized replies are stored for playback.
	AudioDir string `mapstructure:"audio_dir"`

	// AccountSID and AuthToken authenticate recording downloads and outbound
	// provider REST calls.
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`

	// APIBaseURL is the provider REST API base for outbound control calls.
	APIBaseURL string `mapstructure:"api_base_url"`
}

// TranscriptsConfig configures post-call transcript persistence.
type TranscriptsConfig struct {
	Backend   string   `mapstructure:"backend"` // "postgres" or "none"
	DSN       string   `mapstructure:"dsn"`
	QueueSize int      `mapstructure:"queue_size"`
	Blocklist []string `mapstructure:"blocklist"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// Load reads the configuration from file, environment variables, and defaults.
// If configFile is non-empty it is used directly; otherwise the standard
// search order applies: ./callyard.yaml, ./configs/callyard.yaml, /etc/callyard/callyard.yaml.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.health_port", 8081)
	v.SetDefault("session.max_turns", 20)
	v.SetDefault("session.idle_timeout_seconds", 120)
	v.SetDefault("session.history_window", 12)
	v.SetDefault("session.closing_phrases", []string{"goodbye", "bye bye", "that's all"})
	v.SetDefault("session.record_timeout_sec", 2)
	v.SetDefault("session.record_max_sec", 30)
	v.SetDefault("session.greeting", "Thank you for calling. This is an automated assistant. How can I help you today?")
	v.SetDefault("session.system_prompt",
		"You are a polite and helpful telephone assistant. "+
			"Keep each reply short, two to three sentences at most. "+
			"Never use filler words. Listen to the caller and respond appropriately.")
	v.SetDefault("session.reprompt", "I didn't catch that. Could you say it again?")
	v.SetDefault("session.apology", "I'm sorry, I had trouble understanding. Could you repeat that?")
	v.SetDefault("session.farewell", "I'm sorry, I'm unable to continue right now. Thank you for calling. Goodbye.")
	v.SetDefault("retry.attempts", 3)
	v.SetDefault("retry.backoff_base_ms", 250)
	v.SetDefault("speech.backend", "openai")
	v.SetDefault("speech.timeout_seconds", 30)
	v.SetDefault("speech.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("speech.openai.transcription_model", "whisper-1")
	v.SetDefault("speech.openai.completion_model", "gpt-4o")
	v.SetDefault("speech.openai.speech_model", "tts-1")
	v.SetDefault("speech.openai.voice", "alloy")
	v.SetDefault("telephony.format", "json")
	v.SetDefault("telephony.audio_dir", "audio")
	v.SetDefault("telephony.api_base_url", "https://api.twilio.com/2010-04-01")
	v.SetDefault("transcripts.backend", "none")
	v.SetDefault("transcripts.queue_size", 64)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Config file
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("callyard")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/callyard")
	}

	// Environment variables: CALLYARD_SERVER_PORT, CALLYARD_SPEECH_BACKEND, etc.
	v.SetEnvPrefix("CALLYARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (optional — env vars and defaults are sufficient)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		slog.Info("no config file found, using defaults and environment variables")
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	// Resolve env var references in sensitive fields (e.g., "${OPENAI_API_KEY}")
	cfg.Speech.OpenAI.APIKey = resolveEnvRef(cfg.Speech.OpenAI.APIKey)
	cfg.Telephony.AccountSID = resolveEnvRef(cfg.Telephony.AccountSID)
	cfg.Telephony.AuthToken = resolveEnvRef(cfg.Telephony.AuthToken)
	cfg.Transcripts.DSN = resolveEnvRef(cfg.Transcripts.DSN)

	return &cfg, nil
}

// resolveEnvRef replaces "${VAR_NAME}" patterns with the corresponding env var value.
func resolveEnvRef(val string) string {
	if strings.HasPrefix(val, "${") && strings.HasSuffix(val, "}") {
		envKey := val[2 : len(val)-1]
		if envVal := os.Getenv(envKey); envVal != "" {
			return envVal
		}
	}
	return val
}

// SetupLogging configures the global slog logger based on config.
func SetupLogging(cfg LoggingConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
