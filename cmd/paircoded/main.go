// Command paircoded is the terminal-hosting agent: it authenticates with
// the relay, opens a control channel, and spawns PTYs on demand so remote
// browsers can attach interactive terminals.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/saurabhdas/pair-claudeing/internal/auth"
	"github.com/saurabhdas/pair-claudeing/internal/config"
	"github.com/saurabhdas/pair-claudeing/internal/control"
	"github.com/saurabhdas/pair-claudeing/internal/manager"
	"github.com/saurabhdas/pair-claudeing/internal/reconnect"
	"github.com/saurabhdas/pair-claudeing/internal/sandbox"
	"github.com/saurabhdas/pair-claudeing/internal/wire"
)

const controlBackoffBase = time.Second
const controlBackoffCap = 60 * time.Second

var flags config.Flags

var rootCmd = &cobra.Command{
	Use:   "paircoded [working-dir]",
	Short: "Host local terminals for a remote paircoded session",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 1 {
			flags.WorkingDir = args[0]
		}
		return run(cmd.Context(), flags)
	},
}

func init() {
	rootCmd.Flags().BoolVar(&flags.ForceLogin, "login", false, "force GitHub re-authentication")
	rootCmd.Flags().StringVarP(&flags.Session, "session", "n", "", "session name (default <user>-<8 digits>)")
	rootCmd.Flags().StringVarP(&flags.Shell, "shell", "s", "", "shell to run (default $SHELL or /bin/sh)")
	rootCmd.Flags().StringVarP(&flags.Command, "command", "c", "", "run a single command via shell -c")
	rootCmd.Flags().BoolVarP(&flags.Verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.Flags().BoolVar(&flags.NoReconnect, "no-reconnect", false, "exit instead of reconnecting on link loss")
	rootCmd.Flags().BoolVar(&flags.SandboxOn, "sandbox", false, "restrict spawned shells to the working directory")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, f config.Flags) error {
	cfg, err := config.Resolve(f)
	if err != nil {
		return err
	}
	setupLogging(cfg.Verbose)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	authData, err := authenticate(ctx, cfg.ForceLogin)
	if err != nil {
		return fmt.Errorf("paircoded: authentication: %w", err)
	}

	relayToken, err := auth.ExchangeRelayToken(ctx, cfg.RelayURL, authData.AccessToken)
	if err != nil {
		return fmt.Errorf("paircoded: relay token: %w", err)
	}
	token := auth.NewTokenHandle(relayToken)

	mgr := manager.New(manager.Config{
		ControlURL: cfg.ControlURL(),
		Shell:      cfg.Shell,
		ShellArgs:  cfg.ShellArgs,
		WorkingDir: cfg.WorkingDir,
		Env:        os.Environ(),
		Wrapper:    sandbox.New(cfg.SandboxEnabled),
		Token:      token,
	})

	hostname, _ := os.Hostname()
	username := os.Getenv("USER")
	handshake := wire.ControlHandshakeFrame{
		Version:    "1",
		Hostname:   hostname,
		Username:   username,
		WorkingDir: cfg.WorkingDir,
	}

	log.Info().Str("session", cfg.SessionName).Str("relay", cfg.RelayURL).Msg("paircoded: starting")

	return mainLoop(ctx, cfg, handshake, token, mgr)
}

// authenticate loads saved credentials, validates them, and falls back to
// the device flow on invalidation or first run.
func authenticate(ctx context.Context, forceLogin bool) (auth.AuthData, error) {
	store, err := auth.NewStore()
	if err != nil {
		return auth.AuthData{}, err
	}
	df := &auth.DeviceFlow{Store: store}

	if forceLogin {
		return df.Login(ctx, promptDeviceCode)
	}

	saved, err := store.Load()
	if err != nil {
		return auth.AuthData{}, err
	}
	if saved != nil {
		ok, err := auth.ValidateToken(ctx, saved.AccessToken)
		if err == nil && ok {
			log.Info().Str("user", saved.User.Login).Msg("paircoded: using saved credentials")
			return *saved, nil
		}
		store.Clear()
	}

	return df.Login(ctx, promptDeviceCode)
}

func promptDeviceCode(verificationURI, userCode string) {
	fmt.Fprintf(os.Stderr, "\n  Open: %s\n  Enter code: %s\n\n", verificationURI, userCode)
}

// mainLoop owns the control-channel reconnect loop: it reconnects with
// backoff around a Connect/drive cycle until shutdown.
func mainLoop(ctx context.Context, cfg config.Config, handshake wire.ControlHandshakeFrame, token *auth.TokenHandle, mgr *manager.Manager) error {
	policy := reconnect.New(controlBackoffBase, controlBackoffCap, 0)

	for {
		select {
		case <-ctx.Done():
			mgr.ShutdownAll()
			return nil
		default:
		}

		c, err := control.Connect(ctx, cfg.ControlURL(), token.Snapshot(), handshake)
		if err != nil {
			log.Warn().Err(err).Msg("paircoded: control connect failed")
			if cfg.ReconnectOff {
				return err
			}
			if giveUp := sleepOrDone(ctx, policy); giveUp {
				mgr.ShutdownAll()
				return nil
			}
			continue
		}

		policy.Reset()
		clean := drive(ctx, c, mgr)
		if ctx.Err() != nil {
			mgr.ShutdownAll()
			return nil
		}
		if cfg.ReconnectOff {
			mgr.ShutdownAll()
			if clean {
				return nil
			}
			return fmt.Errorf("paircoded: control channel lost")
		}
		if giveUp := sleepOrDone(ctx, policy); giveUp {
			mgr.ShutdownAll()
			return nil
		}
	}
}

// drive pumps events between the control channel and the terminal manager
// until the control channel disconnects or the context is cancelled. It
// returns true if the disconnect was a clean close.
func drive(ctx context.Context, c *control.Client, mgr *manager.Manager) bool {
	defer c.Shutdown()
	for {
		select {
		case <-ctx.Done():
			return true
		case evt, ok := <-c.Events():
			if !ok {
				return true
			}
			switch e := evt.(type) {
			case control.StartTerminalEvent:
				handleStartTerminal(c, mgr, e)
			case control.CloseTerminalEvent:
				handleCloseTerminal(mgr, e)
			case control.DisconnectedEvent:
				return e.Clean
			}
		case te, ok := <-mgr.Events():
			if !ok {
				continue
			}
			if te.Kind == manager.Exited {
				c.Send(wire.TerminalClosedFrame{Name: te.Name, ExitCode: te.Code})
				mgr.RemoveTerminal(te.Name)
			}
		}
	}
}

func handleStartTerminal(c *control.Client, mgr *manager.Manager, e control.StartTerminalEvent) {
	name, err := mgr.StartTerminal(e.Frame.Cols, e.Frame.Rows)
	if err != nil {
		msg := err.Error()
		c.Send(wire.TerminalStartedFrame{Name: e.Frame.Name, RequestID: e.Frame.RequestID, Success: false, Error: &msg})
		return
	}
	c.Send(wire.TerminalStartedFrame{Name: name, RequestID: e.Frame.RequestID, Success: true})
}

func handleCloseTerminal(mgr *manager.Manager, e control.CloseTerminalEvent) {
	if err := mgr.CloseTerminal(e.Frame.Name, e.Frame.Signal); err != nil {
		log.Debug().Err(err).Str("name", e.Frame.Name).Msg("paircoded: close_terminal on unknown terminal")
	}
}

// sleepOrDone waits for the next backoff delay, returning true if the
// context was cancelled first (meaning the caller should give up).
func sleepOrDone(ctx context.Context, policy *reconnect.Policy) bool {
	delay, _ := policy.NextDelay()
	select {
	case <-time.After(delay):
		return false
	case <-ctx.Done():
		return true
	}
}

func setupLogging(verbose bool) {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
}
