// Package config resolves the CLI flags, environment overrides, and
// defaults that make up one agent process's invocation.
package config

import (
	"crypto/rand"
	"fmt"
	"os"
	"os/user"
)

const defaultRelayURL = "wss://relay.paircoded.dev"

const relayURLEnvVar = "PAIRCODED_RELAY_URL"

// Config is the fully-resolved set of knobs for one run. It is built once
// at startup and is immutable; only the bearer token behind auth.TokenHandle
// changes afterward.
type Config struct {
	RelayURL       string
	SessionName    string
	Shell          string
	ShellArgs      []string
	WorkingDir     string
	ForceLogin     bool
	Verbose        bool
	ReconnectOff   bool
	SandboxEnabled bool
}

// Flags is the raw CLI input, before defaults and environment overrides
// are applied.
type Flags struct {
	WorkingDir  string
	Session     string
	Shell       string
	Command     string
	ForceLogin  bool
	Verbose     bool
	NoReconnect bool
	SandboxOn   bool
}

// Resolve turns raw flags into a Config, applying environment overrides and
// defaults for anything left unset.
func Resolve(f Flags) (Config, error) {
	workingDir := f.WorkingDir
	if workingDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return Config{}, fmt.Errorf("config: resolve working directory: %w", err)
		}
		workingDir = wd
	}

	relayURL := os.Getenv(relayURLEnvVar)
	if relayURL == "" {
		relayURL = defaultRelayURL
	}

	session := f.Session
	if session == "" {
		name, err := defaultSessionName()
		if err != nil {
			return Config{}, err
		}
		session = name
	}

	shell := f.Shell
	if shell == "" {
		shell = os.Getenv("SHELL")
	}
	if shell == "" {
		shell = "/bin/sh"
	}

	var shellArgs []string
	if f.Command != "" {
		shellArgs = []string{"-c", f.Command}
	}

	return Config{
		RelayURL:       relayURL,
		SessionName:    session,
		Shell:          shell,
		ShellArgs:      shellArgs,
		WorkingDir:     workingDir,
		ForceLogin:     f.ForceLogin,
		Verbose:        f.Verbose,
		ReconnectOff:   f.NoReconnect,
		SandboxEnabled: f.SandboxOn,
	}, nil
}

// ControlURL builds the control-channel endpoint for cfg's session.
func (c Config) ControlURL() string {
	return c.RelayURL + "/ws/control/" + c.SessionName
}

func defaultSessionName() (string, error) {
	username := "user"
	if u, err := user.Current(); err == nil && u.Username != "" {
		username = u.Username
	}
	suffix, err := randomDigits(8)
	if err != nil {
		return "", err
	}
	return username + "-" + suffix, nil
}

func randomDigits(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("config: generate session suffix: %w", err)
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = '0' + b%10
	}
	return string(out), nil
}
