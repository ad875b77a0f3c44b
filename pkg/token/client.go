// Package token exchanges one request with the token issuance endpoint for a
// short-lived session credential. Retry policy belongs to the caller.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Session is the credential bundle returned by the token endpoint. The
// credential authorizes the transport handshake only; it is never persisted.
type Session struct {
	ID         string
	Credential string
	ExpiresAt  time.Time
}

// Redacted returns a loggable form of the credential.
func (s Session) Redacted() string {
	if len(s.Credential) <= 8 {
		return "****"
	}
	return s.Credential[:4] + "…" + s.Credential[len(s.Credential)-4:]
}

// Error is a structured error reported by the token endpoint itself
// (non-2xx with a JSON {error} body).
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("token endpoint returned %d: %s", e.Status, e.Message)
}

// TransportError covers everything that means "endpoint unreachable or
// misconfigured": network failures, non-JSON bodies, responses missing the
// credential field. Distinguish with errors.As so callers can present
// different diagnostics for the two failure classes.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("token endpoint unreachable or misconfigured (%s): %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Client issues session credentials from the token endpoint.
type Client struct {
	endpoint string
	http     *http.Client
}

func NewClient(endpoint string) *Client {
	return &Client{
		endpoint: strings.TrimSpace(endpoint),
		http:     &http.Client{Timeout: 15 * time.Second},
	}
}

type mintResponse struct {
	ClientSecret string `json:"client_secret"`
	SessionID    string `json:"session_id"`
	ExpiresAt    string `json:"expires_at"`
	ErrorMsg     string `json:"error"`
}

// Issue performs the single token request. No retries here.
func (c *Client) Issue(ctx context.Context) (Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, nil)
	if err != nil {
		return Session{}, &TransportError{URL: c.endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Session{}, &TransportError{URL: c.endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Session{}, &TransportError{URL: c.endpoint, Err: err}
	}

	var mint mintResponse
	if err := json.Unmarshal(body, &mint); err != nil {
		// A non-JSON body means the deployment is broken, not that the
		// server produced a structured refusal.
		return Session{}, &TransportError{URL: c.endpoint, Err: fmt.Errorf("non-JSON response (status %d)", resp.StatusCode)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := mint.ErrorMsg
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return Session{}, &Error{Status: resp.StatusCode, Message: msg}
	}

	if mint.ClientSecret == "" {
		return Session{}, &TransportError{URL: c.endpoint, Err: fmt.Errorf("response missing client_secret")}
	}

	expiresAt, err := time.Parse(time.RFC3339, mint.ExpiresAt)
	if err != nil {
		return Session{}, &TransportError{URL: c.endpoint, Err: fmt.Errorf("invalid expires_at %q: %w", mint.ExpiresAt, err)}
	}

	return Session{
		ID:         mint.SessionID,
		Credential: mint.ClientSecret,
		ExpiresAt:  expiresAt,
	}, nil
}
