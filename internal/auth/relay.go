package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
)

// ValidateToken checks a saved GitHub token is still accepted. It mirrors
// the original client's conservative reading: a 401 means the token is
// dead, any other HTTP status is treated as "still valid" (likely a
// transient GitHub-side problem), and only a transport-level failure is
// reported as an error.
func ValidateToken(ctx context.Context, accessToken string) (bool, error) {
	client := httpClient()
	resp, err := getJSON(ctx, client, githubUserURL, accessToken, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return false, nil
	}
	return true, nil
}

type relayTokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn string `json:"expiresIn"`
}

type relayErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// ExchangeRelayToken trades a GitHub access token for a relay bearer token
// by POSTing to <relay-base>/api/auth/token, deriving the HTTP(S) base
// from the relay's WS(S) URL.
func ExchangeRelayToken(ctx context.Context, relayBaseURL, githubToken string) (string, error) {
	endpoint, err := tokenEndpoint(relayBaseURL)
	if err != nil {
		return "", err
	}

	client := httpClient()
	resp, err := postJSON(ctx, client, endpoint, struct {
		GitHubToken string `json:"github_token"`
	}{GitHubToken: githubToken})
	if err != nil {
		return "", fmt.Errorf("auth: relay token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		var tok relayTokenResponse
		if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
			return "", fmt.Errorf("auth: decode relay token response: %w", err)
		}
		return tok.Token, nil
	}

	var errResp relayErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errResp); err != nil {
		errResp = relayErrorResponse{Error: "unknown error", Code: "UNKNOWN"}
	}
	return "", fmt.Errorf("auth: relay token request failed: %s (%s)", errResp.Error, errResp.Code)
}

func tokenEndpoint(relayBaseURL string) (string, error) {
	u, err := url.Parse(relayBaseURL)
	if err != nil {
		return "", fmt.Errorf("auth: bad relay url: %w", err)
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	u.Path = "/api/auth/token"
	return u.String(), nil
}

// TokenHandle is the single-writer/many-reader shared bearer token: the
// auth refresher overwrites it, and every connection attempt takes its own
// snapshot rather than holding the lock across a dial.
type TokenHandle struct {
	mu    sync.RWMutex
	token string
}

// NewTokenHandle creates a handle seeded with an initial token (possibly
// empty, meaning unauthenticated).
func NewTokenHandle(initial string) *TokenHandle {
	return &TokenHandle{token: initial}
}

// Snapshot returns the current token. Safe to call from any goroutine.
func (h *TokenHandle) Snapshot() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.token
}

// Set replaces the current token, e.g. after a successful refresh.
func (h *TokenHandle) Set(token string) {
	h.mu.Lock()
	h.token = token
	h.mu.Unlock()
}
