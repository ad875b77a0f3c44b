package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable for the client and the token service.
// Values come from VOICELINK_* environment variables with working defaults.
// Missing or malformed values fall back to those defaults; loading fails only
// when the resulting value is out of range.
type Config struct {
	// Token issuance endpoint used by the client (POST /session).
	TokenEndpoint string

	// Remote realtime endpoint the SDP offer is exchanged with.
	RealtimeURL string
	Model       string

	// Reconnection policy for an established session.
	MaxReconnectAttempts int
	ReconnectBackoff     time.Duration

	// Lead time for the expiry warning before the hard stop.
	ExpiryWarningLead time.Duration

	// Audio capture/playback. The playback rate must match the remote
	// endpoint's output rate; a mismatch degrades quality silently.
	SampleRate       int
	Channels         int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool

	// Optional client debug listener serving /metrics; empty disables it.
	DebugAddr string

	// Token service (voicelinkd).
	Addr            string
	UpstreamAPIKey  string
	UpstreamMintURL string
	RateLimitPerMin int
	ShutdownGrace   time.Duration

	LogLevel string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		TokenEndpoint:        envOr("VOICELINK_TOKEN_ENDPOINT", "http://localhost:8080/session"),
		RealtimeURL:          envOr("VOICELINK_REALTIME_URL", "https://api.openai.com/v1/realtime"),
		Model:                envOr("VOICELINK_MODEL", "gpt-4o-realtime-preview"),
		MaxReconnectAttempts: envIntOr("VOICELINK_MAX_RECONNECT_ATTEMPTS", 3),
		ReconnectBackoff:     envDurationOr("VOICELINK_RECONNECT_BACKOFF", 2*time.Second),
		ExpiryWarningLead:    envDurationOr("VOICELINK_EXPIRY_WARNING_LEAD", time.Minute),
		SampleRate:           envIntOr("VOICELINK_SAMPLE_RATE", 24000),
		Channels:             envIntOr("VOICELINK_CHANNELS", 1),
		EchoCancellation:     envBoolOr("VOICELINK_ECHO_CANCELLATION", true),
		NoiseSuppression:     envBoolOr("VOICELINK_NOISE_SUPPRESSION", true),
		AutoGainControl:      envBoolOr("VOICELINK_AUTO_GAIN_CONTROL", true),
		DebugAddr:            strings.TrimSpace(os.Getenv("VOICELINK_DEBUG_ADDR")),
		Addr:                 envOr("VOICELINK_ADDR", ":8080"),
		UpstreamAPIKey:       strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		UpstreamMintURL:      envOr("VOICELINK_UPSTREAM_MINT_URL", "https://api.openai.com/v1/realtime/sessions"),
		RateLimitPerMin:      envIntOr("VOICELINK_RATE_LIMIT_PER_MIN", 10),
		ShutdownGrace:        envDurationOr("VOICELINK_SHUTDOWN_GRACE", 10*time.Second),
		LogLevel:             envOr("VOICELINK_LOG_LEVEL", "info"),
	}

	if cfg.TokenEndpoint == "" {
		return Config{}, fmt.Errorf("VOICELINK_TOKEN_ENDPOINT must not be empty")
	}
	if cfg.RealtimeURL == "" {
		return Config{}, fmt.Errorf("VOICELINK_REALTIME_URL must not be empty")
	}
	if cfg.MaxReconnectAttempts < 0 {
		return Config{}, fmt.Errorf("VOICELINK_MAX_RECONNECT_ATTEMPTS must be >= 0")
	}
	if cfg.ReconnectBackoff <= 0 {
		return Config{}, fmt.Errorf("VOICELINK_RECONNECT_BACKOFF must be > 0")
	}
	if cfg.ExpiryWarningLead <= 0 {
		return Config{}, fmt.Errorf("VOICELINK_EXPIRY_WARNING_LEAD must be > 0")
	}
	if cfg.SampleRate <= 0 {
		return Config{}, fmt.Errorf("VOICELINK_SAMPLE_RATE must be > 0")
	}
	if cfg.Channels <= 0 {
		return Config{}, fmt.Errorf("VOICELINK_CHANNELS must be > 0")
	}
	if cfg.RateLimitPerMin <= 0 {
		return Config{}, fmt.Errorf("VOICELINK_RATE_LIMIT_PER_MIN must be > 0")
	}
	if cfg.ShutdownGrace <= 0 {
		return Config{}, fmt.Errorf("VOICELINK_SHUTDOWN_GRACE must be > 0")
	}
	switch strings.ToLower(cfg.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return Config{}, fmt.Errorf("VOICELINK_LOG_LEVEL must be one of debug|info|warn|error")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
