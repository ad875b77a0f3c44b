package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestExchangeSDP_Success(t *testing.T) {
	const answer = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer ek_test" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/sdp" {
			t.Errorf("Content-Type = %q", got)
		}
		if got := r.URL.Query().Get("model"); got != "gpt-4o-realtime-preview" {
			t.Errorf("model = %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "v=0") {
			t.Errorf("offer body = %q", body)
		}
		w.Write([]byte(answer))
	}))
	defer srv.Close()

	e := NewEstablisher(Config{RealtimeURL: srv.URL, Model: "gpt-4o-realtime-preview"}, slog.Default())
	got, err := e.exchangeSDP(context.Background(), "ek_test", "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\n")
	if err != nil {
		t.Fatalf("exchangeSDP: %v", err)
	}
	if got != answer {
		t.Errorf("answer = %q, want %q", got, answer)
	}
}

func TestExchangeSDP_RejectedIsHandshakeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	e := NewEstablisher(Config{RealtimeURL: srv.URL}, nil)
	_, err := e.exchangeSDP(context.Background(), "expired", "v=0")
	var herr *HandshakeError
	if !errors.As(err, &herr) {
		t.Fatalf("want *HandshakeError, got %T: %v", err, err)
	}
	if herr.Status != http.StatusUnauthorized {
		t.Errorf("Status = %d, want 401", herr.Status)
	}
}

func TestFailureMapping(t *testing.T) {
	if _, ok := failureForConnState(webrtc.PeerConnectionStateFailed); !ok {
		t.Error("peer failed state must produce a Failure signal")
	}
	// Disconnected may recover on its own; it must not trigger reconnection.
	if _, ok := failureForConnState(webrtc.PeerConnectionStateDisconnected); ok {
		t.Error("peer disconnected state must not produce a Failure signal")
	}
	if _, ok := failureForICEState(webrtc.ICEConnectionStateFailed); !ok {
		t.Error("ice failed state must produce a Failure signal")
	}
	if _, ok := failureForICEState(webrtc.ICEConnectionStateDisconnected); ok {
		t.Error("ice disconnected state must not produce a Failure signal")
	}
}

func TestHandshakeURL(t *testing.T) {
	got, err := handshakeURL("https://api.example.com/v1/realtime", "m1")
	if err != nil {
		t.Fatalf("handshakeURL: %v", err)
	}
	if got != "https://api.example.com/v1/realtime?model=m1" {
		t.Errorf("url = %q", got)
	}

	got, err = handshakeURL("https://api.example.com/v1/realtime", "")
	if err != nil {
		t.Fatalf("handshakeURL: %v", err)
	}
	if got != "https://api.example.com/v1/realtime" {
		t.Errorf("url without model = %q", got)
	}
}

func TestTransportClose_Idempotent(t *testing.T) {
	tr := &Transport{
		signals: make(chan Signal, 4),
		closed:  make(chan struct{}),
		logger:  slog.Default(),
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, ok := <-tr.Signals(); ok {
		t.Error("signals channel should be closed after Close")
	}
	// emit after close must not block or panic
	tr.emit(ChannelClosed{})
}

// Data channel and peer connection callbacks fire asynchronously while Close
// is tearing them down, so emits race Close and also land after it returns.
func TestEmit_RacingCloseNeverPanics(t *testing.T) {
	for i := 0; i < 500; i++ {
		tr := &Transport{
			signals: make(chan Signal, 4),
			closed:  make(chan struct{}),
			logger:  slog.Default(),
		}

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			tr.emit(ConnStateChanged{State: webrtc.PeerConnectionStateClosed})
		}()
		go func() {
			defer wg.Done()
			_ = tr.Close()
			tr.emit(ChannelClosed{})
		}()
		wg.Wait()
		tr.emit(ICEStateChanged{State: webrtc.ICEConnectionStateClosed})
	}
}
