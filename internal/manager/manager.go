// Package manager implements the terminal manager: it spawns PTYs on
// demand, pairs each with its own data channel, and supervises a
// reconnecting bridge task per terminal.
package manager

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/saurabhdas/pair-claudeing/internal/bridge"
	"github.com/saurabhdas/pair-claudeing/internal/datachan"
	"github.com/saurabhdas/pair-claudeing/internal/ptyio"
	"github.com/saurabhdas/pair-claudeing/internal/reconnect"
	"github.com/saurabhdas/pair-claudeing/internal/wire"
)

const (
	protocolVersion     = "1"
	supervisorBase      = time.Second
	supervisorCap       = 30 * time.Second
	shutdownDrainPerTask = 2 * time.Second
)

// TokenSource hands out a fresh snapshot of the current bearer token on
// every call. Implementations must never hold a lock across the network
// call that follows.
type TokenSource interface {
	Snapshot() string
}

// EventKind distinguishes the two upstream notifications a supervising
// task can raise.
type EventKind int

const (
	// Exited means the terminal's task has ended for good: the child
	// process died, the user closed it, or it gave up on a dead PTY.
	Exited EventKind = iota
	// Disconnected is informational: the data channel dropped and the
	// terminal is retrying in the background. Not a terminal state.
	Disconnected
)

// TerminalEvent is emitted upstream (to the control channel) as terminals
// change state.
type TerminalEvent struct {
	Name string
	Kind EventKind
	Code int // valid when Kind == Exited
}

// Config holds everything the manager needs to spawn and connect a
// terminal; it is built once at startup and is immutable except for the
// live value behind Token.
type Config struct {
	ControlURL string
	Shell      string
	ShellArgs  []string
	WorkingDir string
	Env        []string
	Wrapper    ptyio.Wrapper
	Token      TokenSource
}

type entry struct {
	pty          *ptyio.Handle
	shutdown     chan struct{}
	shutdownOnce sync.Once
}

// Manager owns the live set of terminals for one agent process.
type Manager struct {
	cfg Config

	mu        sync.Mutex
	terminals map[string]*entry

	events chan TerminalEvent
}

// New constructs a Manager. cfg.Token is read fresh on every reconnect
// attempt, so callers can swap the underlying token at any time.
func New(cfg Config) *Manager {
	return &Manager{
		cfg:       cfg,
		terminals: make(map[string]*entry),
		events:    make(chan TerminalEvent, 64),
	}
}

// Events returns the stream of terminal lifecycle notifications.
func (m *Manager) Events() <-chan TerminalEvent { return m.events }

// StartTerminal spawns a new PTY and its supervising task, returning the
// terminal's name (the child PID as a decimal string).
func (m *Manager) StartTerminal(cols, rows uint16) (string, error) {
	pty, err := ptyio.Spawn(m.cfg.Shell, m.cfg.ShellArgs, m.cfg.WorkingDir, m.cfg.Env, m.cfg.Wrapper)
	if err != nil {
		return "", fmt.Errorf("manager: spawn: %w", err)
	}
	name := strconv.Itoa(pty.ProcessID())

	m.mu.Lock()
	if _, exists := m.terminals[name]; exists {
		m.mu.Unlock()
		pty.Close()
		return "", fmt.Errorf("manager: terminal %q already exists", name)
	}
	e := &entry{pty: pty, shutdown: make(chan struct{})}
	m.terminals[name] = e
	m.mu.Unlock()

	if err := pty.Resize(cols, rows); err != nil {
		log.Warn().Err(err).Str("name", name).Msg("manager: initial resize failed")
	}

	dataURL, err := dataChannelURL(m.cfg.ControlURL, name)
	if err != nil {
		m.mu.Lock()
		delete(m.terminals, name)
		m.mu.Unlock()
		pty.Close()
		return "", fmt.Errorf("manager: data channel url: %w", err)
	}

	c, r := cols, rows
	handshake := wire.HandshakeFrame{Version: protocolVersion, Shell: m.cfg.Shell, Cols: &c, Rows: &r}

	go m.supervise(name, pty, dataURL, handshake, cols, rows, e.shutdown)

	return name, nil
}

// CloseTerminal removes the entry and fires its shutdown signal. signal, if
// non-nil, is delivered to the child as an advisory best-effort hint before
// the signal races the supervising task's current bridge run.
func (m *Manager) CloseTerminal(name string, signal *int) error {
	m.mu.Lock()
	e, ok := m.terminals[name]
	if ok {
		delete(m.terminals, name)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("manager: terminal %q not found", name)
	}

	if signal != nil {
		if err := e.pty.Signal(signalFromInt(*signal)); err != nil {
			log.Debug().Err(err).Str("name", name).Msg("manager: advisory signal failed")
		}
	}
	e.shutdownOnce.Do(func() { close(e.shutdown) })
	return nil
}

// RemoveTerminal drops the map entry without firing shutdown; it is
// idempotent and meant to be called after an Exited event has already been
// propagated upstream, as a final cleanup.
func (m *Manager) RemoveTerminal(name string) {
	m.mu.Lock()
	delete(m.terminals, name)
	m.mu.Unlock()
}

// ShutdownAll fires shutdown signals on every entry, drains the map, then
// sleeps once for shutdownDrainPerTask. It does not wait on the supervising
// tasks themselves: a task still running after that sleep is not waited for.
func (m *Manager) ShutdownAll() {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.terminals))
	for _, e := range m.terminals {
		entries = append(entries, e)
	}
	m.terminals = make(map[string]*entry)
	m.mu.Unlock()

	for _, e := range entries {
		e.shutdownOnce.Do(func() { close(e.shutdown) })
	}
	// One fixed sleep for all tasks, whatever their number; it is not a
	// per-task timeout.
	time.Sleep(shutdownDrainPerTask)
}

// supervise is the per-terminal reconnect loop described for the terminal
// manager: dial, run the bridge, and retry with backoff while the child is
// still alive.
func (m *Manager) supervise(name string, pty *ptyio.Handle, dataURL string, handshake wire.HandshakeFrame, cols, rows uint16, shutdown <-chan struct{}) {
	policy := reconnect.New(supervisorBase, supervisorCap, 0)

	// The bridge (PTY reader, VT emulator, pause backlog) is constructed
	// once and survives reconnects; only its data channel is swapped in on
	// each attempt via Rebind.
	var b *bridge.Bridge

	for {
		select {
		case <-shutdown:
			m.emit(TerminalEvent{Name: name, Kind: Exited, Code: 0})
			return
		default:
		}

		token := m.cfg.Token.Snapshot()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		dc, err := datachan.Dial(ctx, dataURL, token, handshake)
		cancel()
		if err != nil {
			if !pty.TryWait().Exited {
				if m.backoffOrShutdown(policy, shutdown) {
					m.emit(TerminalEvent{Name: name, Kind: Exited, Code: 0})
					return
				}
				continue
			}
			m.emit(TerminalEvent{Name: name, Kind: Exited, Code: 1})
			return
		}

		if b == nil {
			b, err = bridge.New(pty, dc, cols, rows)
			if err != nil {
				dc.Close()
				m.emit(TerminalEvent{Name: name, Kind: Exited, Code: 1})
				return
			}
		} else {
			b.Rebind(dc)
		}

		policy.Reset()
		result := runAgainstShutdown(b, dc, shutdown)
		dc.Close()

		switch result.Outcome {
		case bridge.Exited:
			m.emit(TerminalEvent{Name: name, Kind: Exited, Code: result.ExitCode})
			return
		case userShutdownOutcome:
			m.emit(TerminalEvent{Name: name, Kind: Exited, Code: 0})
			return
		default: // Disconnected or Failed
			if pty.TryWait().Exited {
				m.emit(TerminalEvent{Name: name, Kind: Exited, Code: 1})
				return
			}
			m.emit(TerminalEvent{Name: name, Kind: Disconnected})
			if m.backoffOrShutdown(policy, shutdown) {
				m.emit(TerminalEvent{Name: name, Kind: Exited, Code: 0})
				return
			}
		}
	}
}

// userShutdownOutcome is a sentinel bridge.Outcome value used only inside
// runAgainstShutdown to signal that the shutdown race was won by the
// shutdown signal rather than the bridge itself.
const userShutdownOutcome bridge.Outcome = -1

// runAgainstShutdown runs the bridge and races it against the supervising
// task's shutdown signal, closing the data channel to unstick the bridge's
// Run loop if shutdown wins.
func runAgainstShutdown(b *bridge.Bridge, dc *datachan.Client, shutdown <-chan struct{}) bridge.Result {
	done := make(chan bridge.Result, 1)
	go func() { done <- b.Run() }()

	select {
	case res := <-done:
		return res
	case <-shutdown:
		dc.Close()
		<-done // drain so the bridge goroutine doesn't leak
		return bridge.Result{Outcome: userShutdownOutcome}
	}
}

// backoffOrShutdown sleeps for the policy's next delay, racing the
// shutdown signal. It returns true if shutdown won the race.
func (m *Manager) backoffOrShutdown(policy *reconnect.Policy, shutdown <-chan struct{}) bool {
	delay, _ := policy.NextDelay() // per-terminal policy has no max attempts
	select {
	case <-time.After(delay):
		return false
	case <-shutdown:
		return true
	}
}

func (m *Manager) emit(e TerminalEvent) {
	select {
	case m.events <- e:
	default:
		log.Warn().Str("name", e.Name).Msg("manager: events channel full, dropping notification")
	}
}

// dataChannelURL takes the control URL, extracts its last path segment
// (the session id), and replaces the path with
// /ws/terminal-data/<session>/<name>.
func dataChannelURL(controlURL, name string) (string, error) {
	u, err := url.Parse(controlURL)
	if err != nil {
		return "", err
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	session := segs[len(segs)-1]
	u.Path = "/ws/terminal-data/" + session + "/" + name
	return u.String(), nil
}
