package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tjfontaine/line-gemini-relay/internal/config"
	"github.com/tjfontaine/line-gemini-relay/internal/ledger"
	"github.com/tjfontaine/line-gemini-relay/internal/ledger/memory"
	"github.com/tjfontaine/line-gemini-relay/internal/ledger/sqlite"
	"github.com/tjfontaine/line-gemini-relay/internal/provider/gemini"
	"github.com/tjfontaine/line-gemini-relay/internal/provider/line"
	"github.com/tjfontaine/line-gemini-relay/internal/relay"
	"github.com/tjfontaine/line-gemini-relay/internal/server"
	"github.com/tjfontaine/line-gemini-relay/internal/telemetry"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Logging.SlogLevel(),
	}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, cfg.Telemetry.Exporter, logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	store, err := openLedger(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to open ledger: %v", err)
	}
	if store != nil {
		defer store.Close()
	}

	parser, replier := line.CreateFromConfig(cfg.LINE)
	completer := gemini.CreateFromConfig(cfg.Gemini)

	h := relay.NewHandler(parser, completer, replier, relay.Options{
		FallbackText:    cfg.Reply.FallbackText,
		FallbackOnError: cfg.Reply.FallbackOnError,
		ProcessTimeout:  config.Duration(cfg.Relay.ProcessTimeout),
		MaxBodyBytes:    cfg.Relay.MaxBodyBytes,
		Ledger:          store,
		Logger:          logger,
	})

	srv := server.New(server.Options{
		Port:         cfg.Server.Port,
		ReadTimeout:  config.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: config.Duration(cfg.Server.WriteTimeout),
	}, logger)
	srv.Router.Post("/callback", h.HandleCallback)

	logger.Info("relay configured",
		slog.String("provider", completer.Name()),
		slog.String("model", completer.Model()),
		slog.String("storage", cfg.Storage.Type),
		slog.Bool("fallback_on_error", cfg.Reply.FallbackOnError),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
		return
	case <-sigChan:
	}

	logger.Info("Shutdown signal received, stopping relay...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("Relay shutdown complete")
}

// openLedger returns nil when storage.type is none.
func openLedger(cfg config.StorageConfig) (ledger.Ledger, error) {
	ttl := config.Duration(cfg.TTL)
	switch cfg.Type {
	case "sqlite":
		return sqlite.New(cfg.SQLite.Path, ttl)
	case "none":
		return nil, nil
	default:
		return memory.New(ttl), nil
	}
}
