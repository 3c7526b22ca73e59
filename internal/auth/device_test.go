package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func withGitHubEndpoints(t *testing.T, device, token, user string) {
	t.Helper()
	origDevice, origToken, origUser := deviceCodeURL, accessTokenURL, githubUserURL
	deviceCodeURL, accessTokenURL, githubUserURL = device, token, user
	t.Cleanup(func() {
		deviceCodeURL, accessTokenURL, githubUserURL = origDevice, origToken, origUser
	})
}

func TestDeviceFlowLoginHappyPath(t *testing.T) {
	var pollCount int32

	mux := http.NewServeMux()
	mux.HandleFunc("/device/code", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"device_code":      "dc-1",
			"user_code":        "ABCD-1234",
			"verification_uri": "https://github.com/login/device",
			"expires_in":       900,
			"interval":         1,
		})
	})
	mux.HandleFunc("/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&pollCount, 1)
		if n < 2 {
			json.NewEncoder(w).Encode(map[string]string{"error": "authorization_pending"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"access_token": "gho_123",
			"token_type":   "bearer",
			"scope":        "read:user",
		})
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer gho_123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(GitHubUser{ID: 7, Login: "octocat", AvatarURL: "https://example.com/a.png"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	withGitHubEndpoints(t, srv.URL+"/device/code", srv.URL+"/oauth/access_token", srv.URL+"/user")

	var prompted string
	df := &DeviceFlow{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	auth, err := df.Login(ctx, func(uri, code string) {
		prompted = fmt.Sprintf("%s %s", uri, code)
	})
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if auth.AccessToken != "gho_123" || auth.User.Login != "octocat" {
		t.Fatalf("unexpected auth data: %+v", auth)
	}
	if prompted == "" {
		t.Fatal("expected the prompt callback to fire")
	}
}

func TestDeviceFlowLoginAccessDenied(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/device/code", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"device_code": "dc-1", "user_code": "X", "verification_uri": "https://x", "expires_in": 900, "interval": 1,
		})
	})
	mux.HandleFunc("/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"error": "access_denied"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	withGitHubEndpoints(t, srv.URL+"/device/code", srv.URL+"/oauth/access_token", srv.URL+"/user")

	df := &DeviceFlow{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := df.Login(ctx, nil); err == nil {
		t.Fatal("expected an error for access_denied")
	}
}

func TestValidateTokenUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()
	withGitHubEndpoints(t, "", "", srv.URL)

	ok, err := ValidateToken(context.Background(), "dead-token")
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if ok {
		t.Fatal("expected token to be reported invalid")
	}
}

func TestValidateTokenOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	withGitHubEndpoints(t, "", "", srv.URL)

	ok, err := ValidateToken(context.Background(), "good-token")
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if !ok {
		t.Fatal("expected token to be reported valid")
	}
}

func TestExchangeRelayTokenSchemeConversion(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(relayTokenResponse{Token: "relay-tok", ExpiresIn: "3600"})
	}))
	defer srv.Close()

	// srv.URL is http://127.0.0.1:port; swap to ws:// to exercise the
	// ws→http scheme conversion the same way wss→https works in production.
	wsURL := "ws" + srv.URL[len("http"):]

	tok, err := ExchangeRelayToken(context.Background(), wsURL, "gho_123")
	if err != nil {
		t.Fatalf("ExchangeRelayToken: %v", err)
	}
	if tok != "relay-tok" {
		t.Fatalf("got token %q", tok)
	}
	if gotPath != "/api/auth/token" {
		t.Fatalf("got path %q", gotPath)
	}
}

func TestExchangeRelayTokenErrorResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(relayErrorResponse{Error: "invalid github token", Code: "BAD_TOKEN"})
	}))
	defer srv.Close()
	wsURL := "ws" + srv.URL[len("http"):]

	if _, err := ExchangeRelayToken(context.Background(), wsURL, "bad"); err == nil {
		t.Fatal("expected an error")
	}
}
