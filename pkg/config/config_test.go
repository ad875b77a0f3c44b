package config

import (
	"testing"
	"time"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}

	if cfg.MaxReconnectAttempts != 3 {
		t.Errorf("MaxReconnectAttempts = %d, want 3", cfg.MaxReconnectAttempts)
	}
	if cfg.ReconnectBackoff != 2*time.Second {
		t.Errorf("ReconnectBackoff = %v, want 2s", cfg.ReconnectBackoff)
	}
	if cfg.ExpiryWarningLead != time.Minute {
		t.Errorf("ExpiryWarningLead = %v, want 1m", cfg.ExpiryWarningLead)
	}
	if cfg.SampleRate != 24000 {
		t.Errorf("SampleRate = %d, want 24000", cfg.SampleRate)
	}
	if !cfg.EchoCancellation || !cfg.NoiseSuppression || !cfg.AutoGainControl {
		t.Error("expected capture processing flags enabled by default")
	}
	if cfg.DebugAddr != "" {
		t.Errorf("DebugAddr = %q, want disabled by default", cfg.DebugAddr)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("VOICELINK_MAX_RECONNECT_ATTEMPTS", "5")
	t.Setenv("VOICELINK_RECONNECT_BACKOFF", "500ms")
	t.Setenv("VOICELINK_ECHO_CANCELLATION", "off")
	t.Setenv("VOICELINK_DEBUG_ADDR", "127.0.0.1:6061")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.MaxReconnectAttempts != 5 {
		t.Errorf("MaxReconnectAttempts = %d, want 5", cfg.MaxReconnectAttempts)
	}
	if cfg.ReconnectBackoff != 500*time.Millisecond {
		t.Errorf("ReconnectBackoff = %v, want 500ms", cfg.ReconnectBackoff)
	}
	if cfg.EchoCancellation {
		t.Error("expected echo cancellation disabled")
	}
	if cfg.DebugAddr != "127.0.0.1:6061" {
		t.Errorf("DebugAddr = %q", cfg.DebugAddr)
	}
}

func TestLoadFromEnv_Invalid(t *testing.T) {
	cases := map[string]string{
		"VOICELINK_SAMPLE_RATE":        "-1",
		"VOICELINK_RATE_LIMIT_PER_MIN": "0",
		"VOICELINK_LOG_LEVEL":          "verbose",
	}
	for key, val := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, val)
			if _, err := LoadFromEnv(); err == nil {
				t.Errorf("expected error for %s=%s", key, val)
			}
		})
	}
}

func TestLoadFromEnv_MalformedValueFallsBack(t *testing.T) {
	t.Setenv("VOICELINK_RECONNECT_BACKOFF", "not-a-duration")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv: %v", err)
	}
	if cfg.ReconnectBackoff != 2*time.Second {
		t.Errorf("ReconnectBackoff = %v, want default 2s", cfg.ReconnectBackoff)
	}
}
