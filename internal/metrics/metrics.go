// Package metrics holds the process-wide Prometheus collectors. Collectors
// are registered on the default registry at init and served by the token
// service's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicelink_events_total",
		Help: "Control-channel events processed, by event type.",
	}, []string{"type"})

	EventDecodeFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicelink_event_decode_failures_total",
		Help: "Control-channel payloads dropped because they failed to decode.",
	})

	ReconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voicelink_reconnects_total",
		Help: "Transport reconnection attempts.",
	})

	HandshakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicelink_handshakes_total",
		Help: "Peer transport handshakes, by outcome.",
	}, []string{"outcome"})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voicelink_sessions_active",
		Help: "Voice sessions currently connected.",
	})

	RateLimitRemaining = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voicelink_rate_limit_remaining",
		Help: "Remaining upstream quota as last reported, by bucket.",
	}, []string{"bucket"})

	TokensIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voicelink_tokens_issued_total",
		Help: "Ephemeral session credentials minted, by outcome.",
	}, []string{"outcome"})
)
