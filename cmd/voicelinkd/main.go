// Command voicelinkd serves session credential minting for voicelink clients,
// plus health, Prometheus metrics, and a websocket status feed. It is the
// only process that holds the upstream API key.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/loqui-ai/voicelink/internal/tokend"
	"github.com/loqui-ai/voicelink/pkg/config"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if cfg.UpstreamAPIKey == "" {
		logger.Warn("OPENAI_API_KEY is not set; session minting will fail")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	srv := tokend.New(tokend.Config{
		Addr:            cfg.Addr,
		UpstreamMintURL: cfg.UpstreamMintURL,
		UpstreamAPIKey:  cfg.UpstreamAPIKey,
		Model:           cfg.Model,
		RateLimitPerMin: cfg.RateLimitPerMin,
	}, logger)

	if err := srv.Run(ctx, cfg.ShutdownGrace); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("token service exited", "error", err)
		os.Exit(1)
	}
	logger.Info("token service stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
