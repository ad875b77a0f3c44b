// Package live drives the lifecycle of one realtime voice session: credential
// issuance, device acquisition, peer transport establishment, bounded
// reconnection, expiry enforcement, and idempotent teardown. All state
// transitions funnel through the Controller; callers observe them via Hooks.
package live

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loqui-ai/voicelink/internal/metrics"
	"github.com/loqui-ai/voicelink/pkg/media"
	"github.com/loqui-ai/voicelink/pkg/token"
	"github.com/loqui-ai/voicelink/pkg/transport"
)

// TokenIssuer mints a short-lived session credential.
type TokenIssuer interface {
	Issue(ctx context.Context) (token.Session, error)
}

// DeviceAcquirer opens the local audio endpoints.
type DeviceAcquirer interface {
	Acquire(ctx context.Context) (*media.Devices, error)
}

// Transport is the controller's view of one established peer connection.
type Transport interface {
	Signals() <-chan transport.Signal
	CloseChannel()
	Close() error
}

// TransportEstablisher negotiates a Transport for a session credential.
type TransportEstablisher interface {
	Establish(ctx context.Context, credential string, devices *media.Devices) (Transport, error)
}

// Hooks receive session observations. All callbacks are invoked from
// controller goroutines without internal locks held; nil callbacks are
// skipped.
type Hooks struct {
	OnStatus     func(Status, string)
	OnTranscript func(TranscriptEntry)
	OnLevel      media.LevelFunc
}

// Config tunes the controller. Zero values take the defaults below.
type Config struct {
	MaxReconnectAttempts int
	ReconnectBackoff     time.Duration
	ExpiryWarningLead    time.Duration
	LevelInterval        time.Duration
	Logger               *slog.Logger
}

// Controller supervises one voice session at a time. A Controller is reusable:
// after Stop (or a terminal failure) a new Start begins a fresh session.
type Controller struct {
	cfg    Config
	tokens TokenIssuer
	mics   DeviceAcquirer
	peers  TransportEstablisher
	hooks  Hooks
	logger *slog.Logger

	mu         sync.Mutex
	status     Status
	statusMsg  string
	session    token.Session
	devices    *media.Devices
	tr         Transport
	monitor    *media.Monitor
	warnTimer  *time.Timer
	stopTimer  *time.Timer
	reconnects int
	generation int
	stopping   bool
	stopCh     chan struct{}
}

// errStale marks work whose result arrived after the session moved on. It is
// internal; callers of Start never see it.
var errStale = errors.New("live: discarded after stop")

func NewController(cfg Config, tokens TokenIssuer, devices DeviceAcquirer, peers TransportEstablisher, hooks Hooks) *Controller {
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 3
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = 2 * time.Second
	}
	if cfg.ExpiryWarningLead <= 0 {
		cfg.ExpiryWarningLead = time.Minute
	}
	if cfg.LevelInterval <= 0 {
		cfg.LevelInterval = 100 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Controller{
		cfg:    cfg,
		tokens: tokens,
		mics:   devices,
		peers:  peers,
		hooks:  hooks,
		logger: cfg.Logger,
		status: StatusIdle,
	}
}

// Status returns the current status and its human-readable message.
func (c *Controller) Status() (Status, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.statusMsg
}

// Start brings a session up: credential, devices, then transport. Any failure
// tears down whatever was acquired and lands in StatusError with a message
// naming the failing stage. A Stop racing with Start wins: late results are
// discarded and released, and Start returns nil.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	switch c.status {
	case StatusIdle, StatusDisconnected, StatusError:
	default:
		c.mu.Unlock()
		return fmt.Errorf("live: session already active (status %s)", c.status)
	}
	c.stopping = false
	c.generation++
	gen := c.generation
	c.reconnects = 0
	c.stopCh = make(chan struct{})
	c.mu.Unlock()

	c.setStatus(StatusConnecting, "starting session")

	sess, err := c.tokens.Issue(ctx)
	if err != nil {
		return c.failStart(startErrorMessage(err), err)
	}
	if c.stale(gen) {
		return nil
	}
	c.mu.Lock()
	c.session = sess
	c.mu.Unlock()
	c.logger.Info("session credential issued",
		"session_id", sess.ID,
		"credential", sess.Redacted(),
		"expires_at", sess.ExpiresAt)

	devices, err := c.mics.Acquire(ctx)
	if err != nil {
		return c.failStart(startErrorMessage(err), err)
	}
	c.mu.Lock()
	if c.stopping || c.generation != gen {
		c.mu.Unlock()
		devices.Release()
		return nil
	}
	c.devices = devices
	c.mu.Unlock()

	c.setStatus(StatusConnecting, "connecting to assistant")

	if err := c.connect(ctx, gen); err != nil {
		if errors.Is(err, errStale) {
			return nil
		}
		return c.failStart(startErrorMessage(err), err)
	}
	return nil
}

// Stop ends the session and releases everything it holds. Idempotent; safe
// from any state. A session that already failed keeps StatusError.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopping {
		c.mu.Unlock()
		return
	}
	c.stopping = true
	c.generation++
	if c.stopCh != nil {
		close(c.stopCh)
		c.stopCh = nil
	}
	wasError := c.status == StatusError
	c.mu.Unlock()

	c.teardown()
	if !wasError {
		c.setStatus(StatusDisconnected, "session ended")
	}
}

// connect establishes the transport with the current credential and attaches
// the signal loop. Shared between initial start and reconnection; the
// credential is reused as issued.
func (c *Controller) connect(ctx context.Context, gen int) error {
	c.mu.Lock()
	cred := c.session.Credential
	devices := c.devices
	c.mu.Unlock()

	tr, err := c.peers.Establish(ctx, cred, devices)
	if err != nil {
		metrics.HandshakesTotal.WithLabelValues("failure").Inc()
		return err
	}
	metrics.HandshakesTotal.WithLabelValues("success").Inc()

	c.mu.Lock()
	if c.stopping || c.generation != gen {
		c.mu.Unlock()
		_ = tr.Close()
		return errStale
	}
	c.tr = tr
	c.mu.Unlock()

	go c.run(ctx, gen, tr)
	return nil
}

// run consumes the transport's signal stream in arrival order until the
// transport closes or fails. On failure it hands off to the reconnect path
// and exits; a replacement transport gets its own run loop.
func (c *Controller) run(ctx context.Context, gen int, tr Transport) {
	for sig := range tr.Signals() {
		if c.stale(gen) {
			return
		}
		switch s := sig.(type) {
		case transport.ChannelOpen:
			c.onChannelOpen(gen)
		case transport.ChannelClosed:
			c.logger.Debug("control channel closed")
		case transport.Message:
			c.handleMessage(gen, s.Data)
		case transport.RemoteTrack:
			c.logger.Info("remote audio stream established", "kind", s.Kind, "track_id", s.ID)
		case transport.ConnStateChanged:
			c.logger.Debug("peer connection state", "state", s.State.String())
		case transport.ICEStateChanged:
			c.logger.Debug("ice connection state", "state", s.State.String())
		case transport.Failure:
			c.onFailure(ctx, gen, s.Reason)
			return
		}
	}
}

func (c *Controller) onChannelOpen(gen int) {
	c.mu.Lock()
	if c.stopping || c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.reconnects = 0
	sess := c.session
	devices := c.devices
	c.mu.Unlock()

	metrics.SessionsActive.Set(1)
	c.setStatus(StatusConnected, "connected; start speaking")
	c.armExpiry(gen, sess.ExpiresAt)
	c.startLevelMonitor(gen, devices)
}

// onFailure runs one bounded reconnection attempt. The failed transport is
// fully closed before a replacement handshake begins. Attempts that exhaust
// the budget end the session in StatusError.
func (c *Controller) onFailure(ctx context.Context, gen int, reason string) {
	c.mu.Lock()
	if c.stopping || c.generation != gen {
		c.mu.Unlock()
		return
	}
	tr := c.tr
	c.tr = nil
	limit := c.cfg.MaxReconnectAttempts
	if c.reconnects >= limit {
		c.generation++
		c.mu.Unlock()
		if tr != nil {
			tr.CloseChannel()
			_ = tr.Close()
		}
		c.logger.Error("connection lost; reconnect attempts exhausted", "reason", reason, "attempts", limit)
		c.teardown()
		c.setStatus(StatusError, "connection lost; reconnect attempts exhausted")
		return
	}
	c.reconnects++
	attempt := c.reconnects
	stopCh := c.stopCh
	c.mu.Unlock()

	if tr != nil {
		tr.CloseChannel()
		_ = tr.Close()
	}
	metrics.ReconnectsTotal.Inc()
	metrics.SessionsActive.Set(0)
	c.logger.Warn("transport failed; reconnecting",
		"reason", reason, "attempt", attempt, "max_attempts", limit)
	c.setStatus(StatusConnecting, fmt.Sprintf("reconnecting (attempt %d of %d)", attempt, limit))

	select {
	case <-time.After(c.cfg.ReconnectBackoff):
	case <-stopCh:
		return
	case <-ctx.Done():
		c.Stop()
		return
	}
	if c.stale(gen) {
		return
	}
	if err := c.connect(ctx, gen); err != nil {
		if errors.Is(err, errStale) {
			return
		}
		c.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
		c.onFailure(ctx, gen, "reconnect handshake failed")
	}
}

// armExpiry schedules the expiry warning and the hard stop against the
// credential's expiry. The warning is skipped when expiry is nearer than the
// lead. Rearming replaces any previously scheduled timers.
func (c *Controller) armExpiry(gen int, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.warnTimer != nil {
		c.warnTimer.Stop()
		c.warnTimer = nil
	}
	if c.stopTimer != nil {
		c.stopTimer.Stop()
		c.stopTimer = nil
	}
	if c.stopping || c.generation != gen {
		return
	}
	until := time.Until(expiresAt)
	if lead := c.cfg.ExpiryWarningLead; until > lead {
		c.warnTimer = time.AfterFunc(until-lead, func() { c.onExpiryWarning(gen) })
	}
	c.stopTimer = time.AfterFunc(until, func() { c.onExpired(gen) })
}

func (c *Controller) onExpiryWarning(gen int) {
	if c.stale(gen) {
		return
	}
	c.logger.Info("session expires soon")
	c.emitTranscript(TranscriptEntry{
		Speaker: SpeakerSystem,
		Text:    "This session will end in about a minute.",
	})
}

func (c *Controller) onExpired(gen int) {
	c.mu.Lock()
	if c.stopping || c.generation != gen {
		c.mu.Unlock()
		return
	}
	c.generation++
	c.mu.Unlock()

	c.logger.Info("session reached its time limit")
	c.teardown()
	c.emitTranscript(TranscriptEntry{
		Speaker: SpeakerSystem,
		Text:    "Session ended: the time limit was reached.",
	})
	c.setStatus(StatusDisconnected, "session ended")
}

func (c *Controller) startLevelMonitor(gen int, devices *media.Devices) {
	if c.hooks.OnLevel == nil || devices == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.monitor != nil || c.stopping || c.generation != gen {
		return
	}
	frames, unsubscribe := devices.Subscribe(32)
	c.monitor = media.StartMonitor(frames, unsubscribe, c.cfg.LevelInterval, c.hooks.OnLevel, c.logger)
}

// teardown releases everything a session holds, in dependency order: timers,
// level monitor, control channel, peer transport, then local audio. Every
// release tolerates handles that are already gone.
func (c *Controller) teardown() {
	c.mu.Lock()
	warn, stop := c.warnTimer, c.stopTimer
	c.warnTimer, c.stopTimer = nil, nil
	monitor := c.monitor
	c.monitor = nil
	tr := c.tr
	c.tr = nil
	devices := c.devices
	c.devices = nil
	c.session = token.Session{}
	c.reconnects = 0
	c.mu.Unlock()

	if warn != nil {
		warn.Stop()
	}
	if stop != nil {
		stop.Stop()
	}
	monitor.Stop()
	if tr != nil {
		tr.CloseChannel()
		_ = tr.Close()
	}
	devices.Release()
	metrics.SessionsActive.Set(0)
}

func (c *Controller) failStart(msg string, err error) error {
	c.teardown()
	c.mu.Lock()
	stopped := c.stopping
	c.mu.Unlock()
	if stopped {
		return nil
	}
	c.logger.Error("session start failed", "error", err)
	c.setStatus(StatusError, msg)
	return err
}

func (c *Controller) stale(gen int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopping || c.generation != gen
}

func (c *Controller) setStatus(s Status, msg string) {
	c.mu.Lock()
	c.applyStatusLocked(s, msg)
}

// setStatusActive applies a transition only while the session is up; stray
// control-channel events after teardown must not resurrect a status.
func (c *Controller) setStatusActive(s Status, msg string) {
	c.mu.Lock()
	if !c.status.active() {
		c.mu.Unlock()
		return
	}
	c.applyStatusLocked(s, msg)
}

// applyStatusLocked records the transition and releases the lock before the
// hook runs.
func (c *Controller) applyStatusLocked(s Status, msg string) {
	changed := c.status != s || c.statusMsg != msg
	c.status = s
	c.statusMsg = msg
	hook := c.hooks.OnStatus
	c.mu.Unlock()
	if !changed {
		return
	}
	c.logger.Info("status changed", "status", s.String(), "message", msg)
	if hook != nil {
		hook(s, msg)
	}
}

func (c *Controller) emitTranscript(entry TranscriptEntry) {
	if c.hooks.OnTranscript != nil {
		c.hooks.OnTranscript(entry)
	}
}

// startErrorMessage maps a start failure to the message shown to the user.
// Each failure class gets its own diagnostic.
func startErrorMessage(err error) string {
	var tokenErr *token.Error
	var reachErr *token.TransportError
	var handshakeErr *transport.HandshakeError
	var deviceErr *media.DeviceError
	switch {
	case errors.Is(err, media.ErrPermissionDenied):
		return "microphone access was denied; allow microphone use and try again"
	case errors.Is(err, media.ErrNoDevice):
		return "no microphone was found"
	case errors.As(err, &deviceErr):
		return "the microphone could not be started"
	case errors.As(err, &tokenErr):
		return fmt.Sprintf("the voice service refused to create a session: %s", tokenErr.Message)
	case errors.As(err, &reachErr):
		return "the voice service is unreachable; check the server configuration"
	case errors.As(err, &handshakeErr):
		return fmt.Sprintf("the assistant rejected the connection (status %d)", handshakeErr.Status)
	default:
		return "could not connect to the assistant"
	}
}
