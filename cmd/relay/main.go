// Command relay runs the device-facing conversation relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/Neifuisann/Aishachat-backend-sub000/pkg/relay/config"
	"github.com/Neifuisann/Aishachat-backend-sub000/pkg/relay/keypool"
	"github.com/Neifuisann/Aishachat-backend-sub000/pkg/relay/resume"
	"github.com/Neifuisann/Aishachat-backend-sub000/pkg/relay/server"
	"github.com/Neifuisann/Aishachat-backend-sub000/pkg/relay/sessions"
	"github.com/Neifuisann/Aishachat-backend-sub000/pkg/relay/store"
	"github.com/Neifuisann/Aishachat-backend-sub000/pkg/relay/vision"
)

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "relay:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// Missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	keys := keypool.New(cfg.APIKeys)
	if keys.Size() == 0 {
		return errors.New("no upstream api keys configured")
	}

	st, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	analyzer, err := vision.NewGeminiAnalyzer(ctx, cfg.APIKeys[0], cfg.VisionModel)
	if err != nil {
		logger.Warn("vision analyzer unavailable, photo capture disabled", "error", err)
	}

	deps := server.Dependencies{
		Logger:  logger,
		Config:  cfg,
		Keys:    keys,
		Store:   st,
		Resume:  resume.NewTracker(cfg.ResumeWindow),
		Tracker: sessions.NewTracker(),
	}
	if analyzer != nil {
		deps.Analyzer = analyzer
	}

	srv, err := server.New(deps)
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case err := <-serveErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-serveErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("relay stopped")
	return nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
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
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// openStore returns the Postgres store when DATABASE_URL is set, otherwise
// the in-memory store for local runs.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, func(), error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		logger.Info("no database configured, using in-memory store")
		return store.NewMemory(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}
	if err := store.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("migrate database: %w", err)
	}
	logger.Info("database ready")
	return store.NewPG(pool, logger), pool.Close, nil
}
