package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/skypro1111/voice-note-capture/internal/config"
	"github.com/skypro1111/voice-note-capture/internal/metrics"
	"github.com/skypro1111/voice-note-capture/internal/server"
	"github.com/skypro1111/voice-note-capture/internal/stream"
	"github.com/skypro1111/voice-note-capture/internal/transcription"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "voice-note-capture"
	serviceVersion    = "1.0.0"
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	envFile := flag.String("env", ".env", "Path to .env file with overrides")
	flag.Parse()

	if err := config.LoadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load environment file: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("http_port", cfg.HTTP.Port),
		slog.String("http_address", cfg.HTTP.Address),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Float64("max_duration", cfg.Audio.MaxDuration),
		slog.Int("max_sessions", cfg.Session.MaxSessions),
		slog.Float64("vad_threshold", float64(cfg.VAD.Threshold)),
		slog.String("transcription_endpoint", cfg.Transcription.Endpoint),
		slog.Bool("api_key_set", cfg.Transcription.APIKey != ""),
		slog.String("log_level", cfg.Logging.Level),
	)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	appMetrics := metrics.NewMetrics(reg)
	logger.Info("Prometheus metrics initialized")

	client, err := transcription.NewClient(transcription.Config{
		Endpoint:      cfg.Transcription.Endpoint,
		APIKey:        cfg.Transcription.APIKey,
		Timeout:       cfg.Transcription.GetTimeoutDuration(),
		MaxConcurrent: cfg.Transcription.MaxConcurrent,
		UserAgent:     serviceName + "/" + serviceVersion,
	}, logger)
	if err != nil {
		logger.Error("Failed to create transcription client", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer client.Close()

	sessions, err := stream.NewManager(logger, client, appMetrics, managerConfig(cfg))
	if err != nil {
		logger.Error("Failed to create session manager", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Session manager initialized",
		slog.Duration("idle_timeout", cfg.Session.GetIdleTimeout()),
		slog.Duration("cleanup_interval", cfg.Session.GetCleanupInterval()),
	)

	httpServer := server.NewHTTPServer(cfg, logger, sessions, server.Options{
		Client:   client,
		Metrics:  appMetrics,
		Gatherer: reg,
	})

	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
	)

	<-ctx.Done()
	logger.Info("Starting graceful shutdown...")

	// Stop accepting requests before discarding open recordings
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	sessions.Stop()

	stats := sessions.Stats()
	uploads := client.GetStats()
	logger.Info("Final statistics",
		slog.Uint64("sessions_created", stats.Created),
		slog.Uint64("sessions_uploaded", stats.Uploaded),
		slog.Uint64("sessions_cancelled", stats.Cancelled),
		slog.Uint64("sessions_failed", stats.Failed),
		slog.Uint64("sessions_expired", stats.Expired),
		slog.Uint64("upload_requests", uploads.TotalRequests),
	)

	logger.Info("Service stopped")
}

func managerConfig(cfg *config.Config) stream.ManagerConfig {
	return stream.ManagerConfig{
		Session: stream.SessionConfig{
			MaxDuration:  cfg.Audio.GetMaxDuration(),
			VADThreshold: cfg.VAD.Threshold,
			RejectSilent: cfg.Session.RejectSilent,
		},
		IdleTimeout:     cfg.Session.GetIdleTimeout(),
		CleanupInterval: cfg.Session.GetCleanupInterval(),
		MaxSessions:     cfg.Session.MaxSessions,
		ChunkBuffer:     cfg.Session.ChunkBuffer,
		UploadTimeout:   cfg.Transcription.GetTimeoutDuration(),
		Language:        cfg.Transcription.Language,
	}
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Anything else is a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
