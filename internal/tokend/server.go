// Package tokend implements the token issuance service. It mints short-lived
// session credentials from the upstream realtime API so the client never sees
// the long-lived API key, and exposes health, metrics, and a websocket status
// feed alongside.
package tokend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loqui-ai/voicelink/internal/metrics"
)

// defaultCredentialTTL applies when the upstream response omits an expiry.
const defaultCredentialTTL = time.Minute

// Config holds the service tunables.
type Config struct {
	Addr            string
	UpstreamMintURL string
	UpstreamAPIKey  string
	Model           string
	RateLimitPerMin int
}

// Server is the token issuance HTTP service.
type Server struct {
	cfg    Config
	logger *slog.Logger
	http   *http.Client
	router chi.Router
	hub    *statusHub
}

func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RateLimitPerMin <= 0 {
		cfg.RateLimitPerMin = 10
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		http:   &http.Client{Timeout: 15 * time.Second},
		hub:    newStatusHub(logger),
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Group(func(r chi.Router) {
		r.Use(httprate.Limit(
			cfg.RateLimitPerMin,
			time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			// The refusal must stay on the JSON error contract; the
			// default limit handler writes text/plain.
			httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limited; retry later"})
			}),
		))
		r.Post("/session", s.handleMint)
	})

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/ws", s.hub.handleWS)

	s.router = r
	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves until ctx is cancelled, then drains within the grace period.
func (s *Server) Run(ctx context.Context, grace time.Duration) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("token service listening", "addr", s.cfg.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	s.hub.closeAll()
	return srv.Shutdown(shutdownCtx)
}

// mintResponse is the body the client's token package expects.
type mintResponse struct {
	ClientSecret string `json:"client_secret"`
	SessionID    string `json:"session_id"`
	ExpiresAt    string `json:"expires_at"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleMint(w http.ResponseWriter, r *http.Request) {
	if s.cfg.UpstreamAPIKey == "" {
		s.mintFailed(w, http.StatusInternalServerError, "upstream API key not configured")
		return
	}

	body, err := json.Marshal(map[string]string{"model": s.cfg.Model})
	if err != nil {
		s.mintFailed(w, http.StatusInternalServerError, "encode upstream request")
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, s.cfg.UpstreamMintURL, bytes.NewReader(body))
	if err != nil {
		s.mintFailed(w, http.StatusBadGateway, "build upstream request")
		return
	}
	req.Header.Set("Authorization", "Bearer "+s.cfg.UpstreamAPIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		s.logger.Error("upstream mint request failed", "error", err)
		s.mintFailed(w, http.StatusBadGateway, "upstream realtime API unreachable")
		return
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		s.mintFailed(w, http.StatusBadGateway, "read upstream response")
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.logger.Error("upstream mint rejected", "status", resp.StatusCode)
		s.mintFailed(w, http.StatusBadGateway, fmt.Sprintf("upstream returned status %d", resp.StatusCode))
		return
	}

	var upstream struct {
		ID           string `json:"id"`
		ClientSecret struct {
			Value     string `json:"value"`
			ExpiresAt int64  `json:"expires_at"`
		} `json:"client_secret"`
	}
	if err := json.Unmarshal(raw, &upstream); err != nil || upstream.ClientSecret.Value == "" {
		s.mintFailed(w, http.StatusBadGateway, "upstream response missing client secret")
		return
	}

	sessionID := upstream.ID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	expiresAt := time.Unix(upstream.ClientSecret.ExpiresAt, 0).UTC()
	if upstream.ClientSecret.ExpiresAt == 0 {
		expiresAt = time.Now().Add(defaultCredentialTTL).UTC()
	}

	metrics.TokensIssued.WithLabelValues("success").Inc()
	s.logger.Info("session credential minted", "session_id", sessionID, "expires_at", expiresAt)
	s.hub.broadcast(statusUpdate{
		Type:      "session.minted",
		SessionID: sessionID,
		ExpiresAt: expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, mintResponse{
		ClientSecret: upstream.ClientSecret.Value,
		SessionID:    sessionID,
		ExpiresAt:    expiresAt.Format(time.RFC3339),
	})
}

func (s *Server) mintFailed(w http.ResponseWriter, status int, msg string) {
	metrics.TokensIssued.WithLabelValues("failure").Inc()
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
