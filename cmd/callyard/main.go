// Callyard is a telephone voice-dialogue daemon: it answers inbound calls,
// records and transcribes the caller, produces a reply with a language model,
// synthesizes it, and instructs playback, turn after turn until the call ends.
//
// Usage:
//
//	callyard [flags]
//	callyard --config /path/to/callyard.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nadzzz/callyard/internal/call"
	"github.com/nadzzz/callyard/internal/config"
	"github.com/nadzzz/callyard/internal/health"
	"github.com/nadzzz/callyard/internal/monitor"
	"github.com/nadzzz/callyard/internal/retry"
	"github.com/nadzzz/callyard/internal/session"
	openaispeech "github.com/nadzzz/callyard/internal/speech/openai"
	"github.com/nadzzz/callyard/internal/telephony"
	"github.com/nadzzz/callyard/internal/translog"
)

// version is set at build time via ldflags.
var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configFile := flag.String("config", "", "path to config file (e.g. configs/callyard.local.yaml)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("callyard %s\n", version)
		os.Exit(0)
	}

	// Load configuration.
	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging.
	config.SetupLogging(cfg.Logging)
	slog.Info("callyard starting", "version", version)

	// Create root context with signal handling for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize the speech backend.
	var services session.Services
	switch cfg.Speech.Backend {
	case "openai":
		client := openaispeech.New(cfg.Speech.OpenAI,
			time.Duration(cfg.Speech.TimeoutSeconds)*time.Second)
		services = session.Services{
			Transcriber: client,
			Completer:   client,
			Synthesizer: client,
		}
		slog.Info("using OpenAI speech backend",
			"transcription_model", cfg.Speech.OpenAI.TranscriptionModel,
			"completion_model", cfg.Speech.OpenAI.CompletionModel,
			"speech_model", cfg.Speech.OpenAI.SpeechModel)
	default:
		slog.Error("unknown speech backend", "backend", cfg.Speech.Backend)
		os.Exit(1)
	}

	// Initialize the telephony provider boundary.
	provider, err := telephony.NewProvider(cfg.Telephony)
	if err != nil {
		slog.Error("failed to initialize telephony provider", "error", err)
		os.Exit(1)
	}

	// Initialize transcript persistence.
	var store translog.Store
	var pgStore *translog.PostgresStore
	switch cfg.Transcripts.Backend {
	case "postgres":
		pgStore, err = translog.NewPostgresStore(ctx, cfg.Transcripts.DSN)
		if err != nil {
			slog.Error("failed to connect transcript store", "error", err)
			os.Exit(1)
		}
		store = pgStore
		slog.Info("using postgres transcript store")
	case "none", "":
		store = translog.NopStore{}
		slog.Info("transcript persistence disabled")
	default:
		slog.Error("unknown transcripts backend", "backend", cfg.Transcripts.Backend)
		os.Exit(1)
	}
	logger := translog.New(store, cfg.Transcripts.Blocklist, cfg.Transcripts.QueueSize)

	// Live monitoring hub.
	hub := monitor.NewHub()

	// Create the session registry and start the idle sweep.
	registry := session.NewRegistry(session.Deps{
		Config: cfg.Session,
		Policy: retry.Policy{
			MaxAttempts: cfg.Retry.Attempts,
			BackoffBase: time.Duration(cfg.Retry.BackoffBaseMs) * time.Millisecond,
		},
		Services: services,
		Control:  provider,
		Matcher:  call.NewSubstringMatcher(cfg.Session.ClosingPhrases),
		Sink:     logger,
		Observer: hub,
	})
	go registry.Run(ctx)

	// Start health check server.
	healthServer := health.New(cfg.Server.HealthPort, registry)
	go func() {
		if err := healthServer.ListenAndServe(ctx); err != nil {
			slog.Error("health server failed", "error", err)
		}
	}()

	// Start the telephony webhook server.
	server := telephony.NewServer(cfg.Server.Port, cfg.Telephony, registry, provider, hub)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Listen(ctx); err != nil {
			slog.Error("telephony server failed", "error", err)
			cancel()
		}
	}()

	healthServer.SetReady(true)
	slog.Info("callyard ready",
		"port", cfg.Server.Port,
		"health_port", cfg.Server.HealthPort,
		"max_turns", cfg.Session.MaxTurns,
		"idle_timeout_seconds", cfg.Session.IdleTimeoutSeconds)

	// Block until shutdown signal.
	<-ctx.Done()
	slog.Info("shutdown signal received, draining...")

	if err := server.Close(); err != nil {
		slog.Error("telephony server close error", "error", err)
	}
	registry.Close()
	hub.Close()
	logger.Close()
	if pgStore != nil {
		pgStore.Close()
	}

	wg.Wait()
	slog.Info("callyard stopped")
}
