// Package transport negotiates the peer media transport and its control
// channel with the remote realtime endpoint, then exposes everything that
// happens on it as a typed signal stream.
package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/loqui-ai/voicelink/pkg/media"
)

const (
	// controlChannelName is the label the remote endpoint expects for
	// protocol events.
	controlChannelName = "oai-events"

	frameDuration = 20 * time.Millisecond
)

// HandshakeError reports a rejected offer/answer exchange.
type HandshakeError struct {
	Status int
}

func (e *HandshakeError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("transport: handshake rejected (status %d)", e.Status)
}

// Config locates the remote endpoint.
type Config struct {
	RealtimeURL string
	Model       string
}

// Establisher builds peer transports. One establisher serves every attempt of
// a session, including reconnects.
type Establisher struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

func NewEstablisher(cfg Config, logger *slog.Logger) *Establisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Establisher{
		cfg:    cfg,
		http:   &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

// Transport is one live peer connection plus its control channel. It is torn
// down exactly once regardless of which path triggers teardown.
type Transport struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	signals   chan Signal
	closed    chan struct{}
	closeOnce sync.Once

	// emitMu orders emit against Close: Close flips shut and closes the
	// signals channel only after in-flight emits drain, so the pion
	// callbacks that fire asynchronously during dc/pc shutdown can never
	// send on a closed channel.
	emitMu sync.RWMutex
	shut   bool

	logger *slog.Logger
}

// Signals yields the transport's typed signal stream in arrival order. The
// channel is closed after Close.
func (t *Transport) Signals() <-chan Signal {
	if t == nil {
		return nil
	}
	return t.signals
}

// CloseChannel shuts only the control channel. Guarded; usable mid-teardown.
func (t *Transport) CloseChannel() {
	if t == nil || t.dc == nil {
		return
	}
	_ = t.dc.Close()
}

// Close tears the transport down: control channel first, then the peer
// connection. Idempotent.
func (t *Transport) Close() error {
	if t == nil {
		return nil
	}
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.dc != nil {
			_ = t.dc.Close()
		}
		if t.pc != nil {
			err = t.pc.Close()
		}
		t.emitMu.Lock()
		t.shut = true
		t.emitMu.Unlock()
		close(t.signals)
	})
	return err
}

// emit delivers a signal in order. It blocks until the consumer takes it or
// the transport closes; signals are never dropped or coalesced. Emits that
// arrive after Close return without sending.
func (t *Transport) emit(sig Signal) {
	t.emitMu.RLock()
	defer t.emitMu.RUnlock()
	if t.shut {
		return
	}
	select {
	case <-t.closed:
	case t.signals <- sig:
	}
}

// Establish creates the peer connection, attaches the local capture track,
// opens the control channel, and performs the offer/answer exchange using the
// session credential as a bearer token for that exchange only.
func (e *Establisher) Establish(ctx context.Context, credential string, devices *media.Devices) (*Transport, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		return nil, fmt.Errorf("transport: create peer connection: %w", err)
	}

	t := &Transport{
		pc:      pc,
		signals: make(chan Signal, 64),
		closed:  make(chan struct{}),
		logger:  e.logger,
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "voicelink-mic",
	)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("transport: create local track: %w", err)
	}
	if _, err := pc.AddTrack(track); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("transport: attach local track: %w", err)
	}

	dc, err := pc.CreateDataChannel(controlChannelName, nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("transport: open control channel: %w", err)
	}
	t.dc = dc

	dc.OnOpen(func() { t.emit(ChannelOpen{}) })
	dc.OnClose(func() { t.emit(ChannelClosed{}) })
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		t.emit(Message{Data: msg.Data})
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		t.emit(RemoteTrack{Kind: remote.Kind().String(), ID: remote.ID()})
		go drainRemoteTrack(remote)
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.emit(ConnStateChanged{State: s})
		if f, ok := failureForConnState(s); ok {
			t.emit(f)
		}
	})
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		t.emit(ICEStateChanged{State: s})
		if f, ok := failureForICEState(s); ok {
			t.emit(f)
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("transport: create offer: %w", err)
	}

	gathered := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("transport: set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		_ = t.Close()
		return nil, ctx.Err()
	}

	answerSDP, err := e.exchangeSDP(ctx, credential, pc.LocalDescription().SDP)
	if err != nil {
		_ = t.Close()
		return nil, err
	}

	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := pc.SetRemoteDescription(answer); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("transport: apply remote description: %w", err)
	}

	go pumpCapture(t, devices, track)

	return t, nil
}

// exchangeSDP posts the local description and returns the remote one. The
// credential authorizes this exchange only.
func (e *Establisher) exchangeSDP(ctx context.Context, credential, offerSDP string) (string, error) {
	endpoint, err := handshakeURL(e.cfg.RealtimeURL, e.cfg.Model)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(offerSDP))
	if err != nil {
		return "", fmt.Errorf("transport: build handshake request: %w", err)
	}
	req.Header.Set("Content-Type", "application/sdp")
	req.Header.Set("Authorization", "Bearer "+credential)

	resp, err := e.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("transport: handshake exchange: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("transport: read handshake response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &HandshakeError{Status: resp.StatusCode}
	}
	return string(body), nil
}

func handshakeURL(base, model string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("transport: invalid realtime URL: %w", err)
	}
	if model != "" {
		q := u.Query()
		q.Set("model", model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// pumpCapture forwards live capture frames into the local track. Frames are
// treated as opaque samples; encoding belongs to the capture pipeline.
func pumpCapture(t *Transport, devices *media.Devices, track *webrtc.TrackLocalStaticSample) {
	frames, unsubscribe := devices.Subscribe(64)
	defer unsubscribe()

	for {
		select {
		case <-t.closed:
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if err := track.WriteSample(pionmedia.Sample{Data: frame, Duration: frameDuration}); err != nil {
				t.logger.Debug("capture pump stopped", "error", err)
				return
			}
		}
	}
}

func drainRemoteTrack(remote *webrtc.TrackRemote) {
	for {
		if _, _, err := remote.ReadRTP(); err != nil {
			return
		}
	}
}
