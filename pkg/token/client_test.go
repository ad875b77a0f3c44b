package token

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIssue_Success(t *testing.T) {
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"client_secret":"abc","session_id":"sess_1","expires_at":"` + expires.Format(time.RFC3339) + `"}`))
	}))
	defer srv.Close()

	sess, err := NewClient(srv.URL).Issue(context.Background())
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if sess.ID != "sess_1" {
		t.Errorf("ID = %q, want sess_1", sess.ID)
	}
	if sess.Credential != "abc" {
		t.Errorf("Credential = %q, want abc", sess.Credential)
	}
	if !sess.ExpiresAt.Equal(expires) {
		t.Errorf("ExpiresAt = %v, want %v", sess.ExpiresAt, expires)
	}
}

func TestIssue_StructuredError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"rate limited"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Issue(context.Background())
	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("want *Error, got %T: %v", err, err)
	}
	if terr.Status != http.StatusTooManyRequests {
		t.Errorf("Status = %d, want 429", terr.Status)
	}
	if terr.Message != "rate limited" {
		t.Errorf("Message = %q", terr.Message)
	}
}

func TestIssue_NonJSONBodyIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>oops</html>"))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Issue(context.Background())
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("want *TransportError, got %T: %v", err, err)
	}
}

func TestIssue_MissingCredentialIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"session_id":"sess_1","expires_at":"2030-01-01T00:00:00Z"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Issue(context.Background())
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("want *TransportError, got %T: %v", err, err)
	}
}

func TestIssue_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	_, err := NewClient(srv.URL).Issue(context.Background())
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("want *TransportError, got %T: %v", err, err)
	}
}

func TestRedacted(t *testing.T) {
	s := Session{Credential: "ek_live_0123456789"}
	red := s.Redacted()
	if red == s.Credential {
		t.Error("Redacted returned the full credential")
	}
	if (Session{Credential: "short"}).Redacted() != "****" {
		t.Error("short credentials should be fully masked")
	}
}
