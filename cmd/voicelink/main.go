// Command voicelink runs an interactive voice session against the realtime
// assistant from the terminal: it mints a credential from the token service,
// opens the microphone, negotiates the peer transport, and prints the
// conversation as it happens.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loqui-ai/voicelink/pkg/config"
	"github.com/loqui-ai/voicelink/pkg/live"
	"github.com/loqui-ai/voicelink/pkg/media"
	"github.com/loqui-ai/voicelink/pkg/token"
	"github.com/loqui-ai/voicelink/pkg/transport"
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

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Session metrics live in this process; the debug listener is the only
	// place they can be scraped from.
	if cfg.DebugAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("debug listener serving", "addr", cfg.DebugAddr)
			if err := http.ListenAndServe(cfg.DebugAddr, mux); err != nil {
				logger.Warn("debug listener stopped", "error", err)
			}
		}()
	}

	establisher := transport.NewEstablisher(transport.Config{
		RealtimeURL: cfg.RealtimeURL,
		Model:       cfg.Model,
	}, logger)

	controller := live.NewController(
		live.Config{
			MaxReconnectAttempts: cfg.MaxReconnectAttempts,
			ReconnectBackoff:     cfg.ReconnectBackoff,
			ExpiryWarningLead:    cfg.ExpiryWarningLead,
			Logger:               logger,
		},
		token.NewClient(cfg.TokenEndpoint),
		micAcquirer{cfg: media.CaptureConfig{
			SampleRate:       cfg.SampleRate,
			Channels:         cfg.Channels,
			EchoCancellation: cfg.EchoCancellation,
			NoiseSuppression: cfg.NoiseSuppression,
			AutoGainControl:  cfg.AutoGainControl,
		}},
		peerEstablisher{e: establisher},
		live.Hooks{
			OnStatus: func(s live.Status, msg string) {
				fmt.Printf("\r\033[2K[%s] %s\n", s, msg)
			},
			OnTranscript: func(e live.TranscriptEntry) {
				fmt.Printf("\r\033[2K%s: %s\n", e.Speaker, e.Text)
			},
			OnLevel: printLevel,
		},
	)

	if err := controller.Start(ctx); err != nil {
		_, msg := controller.Status()
		fmt.Fprintln(os.Stderr, msg)
		os.Exit(1)
	}

	<-ctx.Done()
	fmt.Println()
	controller.Stop()
}

// printLevel renders the input meter in place on the current line.
func printLevel(percent float64) {
	const width = 20
	filled := int(percent / 100 * width)
	if filled > width {
		filled = width
	}
	bar := strings.Repeat("#", filled) + strings.Repeat("-", width-filled)
	fmt.Printf("\r mic [%s] %3.0f%%", bar, percent)
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

type micAcquirer struct {
	cfg media.CaptureConfig
}

func (a micAcquirer) Acquire(context.Context) (*media.Devices, error) {
	return media.Acquire(a.cfg)
}

type peerEstablisher struct {
	e *transport.Establisher
}

func (p peerEstablisher) Establish(ctx context.Context, credential string, devices *media.Devices) (live.Transport, error) {
	return p.e.Establish(ctx, credential, devices)
}
