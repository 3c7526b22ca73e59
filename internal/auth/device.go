package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// githubClientID is the public OAuth client ID registered for paircoded's
// device flow.
const githubClientID = "Ov23liJOmsIBB3qHy0x6"

const minPollInterval = 5 * time.Second

// Overridable in tests so they can point at an httptest server instead of
// the real GitHub endpoints.
var (
	deviceCodeURL  = "https://github.com/login/device/code"
	accessTokenURL = "https://github.com/login/oauth/access_token"
	githubUserURL  = "https://api.github.com/user"
)

type deviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	Scope       string `json:"scope"`
	Error       string `json:"error"`
}

// Prompt is called once the device code has been issued, so the caller can
// show the user where to go and what to type.
type Prompt func(verificationURI, userCode string)

// DeviceFlow drives the GitHub OAuth device flow to produce a fresh
// AuthData, optionally saving it via Store.
type DeviceFlow struct {
	Store *Store
}

// Login requests a device code, waits for the user to approve it, fetches
// the GitHub profile, and persists the result if a Store is set.
func (d *DeviceFlow) Login(ctx context.Context, prompt Prompt) (AuthData, error) {
	client := httpClient()

	var dc deviceCodeResponse
	if err := postForm(ctx, client, deviceCodeURL, url.Values{
		"client_id": {githubClientID},
		"scope":     {"read:user"},
	}, &dc); err != nil {
		return AuthData{}, fmt.Errorf("auth: request device code: %w", err)
	}

	if prompt != nil {
		prompt(dc.VerificationURI, dc.UserCode)
	}

	tok, err := d.pollForToken(ctx, client, dc)
	if err != nil {
		return AuthData{}, err
	}

	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "bearer"
	}

	user, err := fetchGitHubUser(ctx, client, tok.AccessToken)
	if err != nil {
		return AuthData{}, err
	}

	auth := AuthData{AccessToken: tok.AccessToken, TokenType: tokenType, Scope: tok.Scope, User: user}
	if d.Store != nil {
		if err := d.Store.Save(auth); err != nil {
			return AuthData{}, fmt.Errorf("auth: save credentials: %w", err)
		}
	}
	return auth, nil
}

func (d *DeviceFlow) pollForToken(ctx context.Context, client *http.Client, dc deviceCodeResponse) (tokenResponse, error) {
	interval := time.Duration(dc.Interval) * time.Second
	if interval <= 0 {
		interval = minPollInterval
	}
	maxAttempts := dc.ExpiresIn / int(interval/time.Second)
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 0; ; attempt++ {
		if attempt >= maxAttempts {
			return tokenResponse{}, fmt.Errorf("auth: authorization timed out")
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return tokenResponse{}, ctx.Err()
		}

		var tok tokenResponse
		if err := postForm(ctx, client, accessTokenURL, url.Values{
			"client_id":   {githubClientID},
			"device_code": {dc.DeviceCode},
			"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		}, &tok); err != nil {
			return tokenResponse{}, fmt.Errorf("auth: poll for token: %w", err)
		}

		switch tok.Error {
		case "":
		case "authorization_pending":
			continue
		case "slow_down":
			interval += minPollInterval
			continue
		case "expired_token":
			return tokenResponse{}, fmt.Errorf("auth: authorization expired")
		case "access_denied":
			return tokenResponse{}, fmt.Errorf("auth: authorization denied")
		default:
			return tokenResponse{}, fmt.Errorf("auth: authorization error: %s", tok.Error)
		}

		if tok.AccessToken != "" {
			return tok, nil
		}
	}
}

func fetchGitHubUser(ctx context.Context, client *http.Client, bearerToken string) (GitHubUser, error) {
	var user GitHubUser
	resp, err := getJSON(ctx, client, githubUserURL, bearerToken, &user)
	if err != nil {
		return GitHubUser{}, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return GitHubUser{}, fmt.Errorf("auth: fetch github user: HTTP %d", resp.StatusCode)
	}
	return user, nil
}
