package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/relayguard/relayguard/internal/backend/openai"
	"github.com/relayguard/relayguard/internal/classifier"
	"github.com/relayguard/relayguard/internal/config"
	"github.com/relayguard/relayguard/internal/core/ports"
	"github.com/relayguard/relayguard/internal/fallback"
	"github.com/relayguard/relayguard/internal/guardian"
	"github.com/relayguard/relayguard/internal/history"
	"github.com/relayguard/relayguard/internal/journal"
	"github.com/relayguard/relayguard/internal/scheduler"
	"github.com/relayguard/relayguard/internal/server"
	"github.com/relayguard/relayguard/internal/snapshot"
	"github.com/relayguard/relayguard/internal/telemetry"
	"github.com/relayguard/relayguard/internal/truncation"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	shutdownTracer, err := telemetry.InitTracer("relayguard", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	var attempts ports.AttemptJournal
	if cfg.Journal.Enabled {
		store, err := journal.New(cfg.Journal.Path)
		if err != nil {
			log.Fatalf("Failed to open attempt journal: %v", err)
		}
		defer store.Close()
		attempts = store
	}

	var detector truncation.Detector
	if cfg.Truncation.Enabled {
		detector = truncation.NewHeuristic(truncation.Config{
			MinRunes:       cfg.Truncation.MinRunes,
			MinTokens:      cfg.Truncation.MinTokens,
			TokenizerModel: cfg.Truncation.TokenizerModel,
		}, logger)
	}

	cls, err := classifier.New(classifier.Options{
		Keywords:             cfg.Classifier.Keywords,
		Patterns:             cfg.Classifier.Patterns,
		RetryableStatuses:    cfg.Classifier.RetryableStatuses,
		NonRetryableStatuses: cfg.Classifier.NonRetryableStatuses,
		Truncation:           detector,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to build classifier: %v", err)
	}

	sched := scheduler.New(cls, scheduler.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		DelayMode:   cfg.Retry.DelayMode,
		Concurrent: scheduler.ConcurrentPolicy{
			Enabled:             cfg.Retry.Concurrent.Enabled,
			SequentialThreshold: cfg.Retry.Concurrent.SequentialThreshold,
			BaseBatch:           cfg.Retry.Concurrent.BaseBatch,
			GrowthFactor:        cfg.Retry.Concurrent.GrowthFactor,
			MaxBatch:            cfg.Retry.Concurrent.MaxBatch,
			BatchTimeout:        cfg.Retry.Concurrent.BatchTimeout,
		},
	}, attempts, logger)

	caller := openai.NewClient(cfg.Backend.APIKey,
		openai.WithBaseURL(cfg.Backend.BaseURL),
		openai.WithModel(cfg.Backend.Model),
		openai.WithHTTPClient(&http.Client{Timeout: cfg.Backend.Timeout}),
	)

	guardianOpts := []guardian.Option{
		guardian.WithStaticPersona(cfg.Persona.Default),
		guardian.WithJournal(attempts),
		guardian.WithLogger(logger),
	}
	if cfg.History.Enabled {
		conversations, err := history.New(cfg.History.Path)
		if err != nil {
			log.Fatalf("Failed to open conversation store: %v", err)
		}
		defer conversations.Close()
		guardianOpts = append(guardianOpts, guardian.WithConversationStore(conversations))
	}

	g := guardian.New(caller, cls, sched,
		snapshot.NewStore(cfg.Snapshot.ReleaseGrace, logger),
		fallback.New(cfg.Fallback.Message, logger),
		guardianOpts...,
	)

	srv := server.New(cfg.Server.Port, cfg.Server.RequestTimeout, logger)
	server.NewRelayHandler(g, logger).RegisterRoutes(srv.Router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			log.Fatalf("Server failed: %v", err)
		}
	case <-sigChan:
		logger.Info("Shutdown signal received, draining requests...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	logger.Info("Relay shutdown complete")
}
