// Package ptyio spawns child processes attached to a pseudo-terminal and
// exposes the non-blocking read/write/resize/wait surface the bridge needs.
package ptyio

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/creack/pty"
	"github.com/rs/zerolog/log"
)

// DefaultCols and DefaultRows are the initial window size every spawned
// terminal starts at, before the caller's first resize.
const (
	DefaultCols = 80
	DefaultRows = 24
)

// Wrapper rewrites the shell command to run it under a sandboxing helper.
// The returned executable becomes the process actually exec'd, with the
// original shell folded into its argument list.
type Wrapper interface {
	Wrap(shell string, args []string, workingDir string) (exe string, wrappedArgs []string)
}

// ExitStatus is the result of a non-blocking wait poll.
type ExitStatus struct {
	Exited  bool
	Success bool
}

// Handle owns a spawned child's master fd and process for its entire
// lifetime. Dropping a Handle without killing the child is a bug; callers
// must drive it to exit via the PTY (e.g. closing stdin) or an explicit
// signal before discarding it.
type Handle struct {
	master *os.File
	cmd    *exec.Cmd
	pid    int

	mu sync.Mutex // serializes resize/write against the internal fd state

	readerStarted atomic.Bool

	waitOnce sync.Once
	waitDone chan struct{}
	success  bool
}

// Spawn forks a child attached to a newly allocated PTY at the default
// 80x24 size. env is used verbatim as the child's environment; callers
// that want to inherit the parent's environment should pass os.Environ()
// (optionally modified) directly. If TERM is not already present in env,
// it is forced to xterm-256color. If wrapper is non-nil, the command it
// returns is exec'd instead of shell/args directly.
func Spawn(shell string, args []string, workingDir string, env []string, wrapper Wrapper) (*Handle, error) {
	exePath, exeArgs := shell, args
	if wrapper != nil {
		exePath, exeArgs = wrapper.Wrap(shell, args, workingDir)
	}

	cmd := exec.Command(exePath, exeArgs...)
	cmd.Dir = workingDir
	cmd.Env = withDefaultTerm(env)

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: DefaultRows, Cols: DefaultCols})
	if err != nil {
		return nil, fmt.Errorf("ptyio: spawn %s: %w", shell, err)
	}

	h := &Handle{
		master:   master,
		cmd:      cmd,
		pid:      cmd.Process.Pid,
		waitDone: make(chan struct{}),
	}
	h.watchExit()
	return h, nil
}

func withDefaultTerm(env []string) []string {
	for _, kv := range env {
		if len(kv) >= 5 && kv[:5] == "TERM=" {
			return env
		}
	}
	out := make([]string, len(env), len(env)+1)
	copy(out, env)
	return append(out, "TERM=xterm-256color")
}

// watchExit starts the single background goroutine that reaps the child so
// TryWait can be non-blocking. exec.Cmd only supports a blocking Wait; this
// is the standard way to turn it into a pollable one.
func (h *Handle) watchExit() {
	go func() {
		err := h.cmd.Wait()
		h.success = err == nil
		close(h.waitDone)
	}()
}

// ProcessID returns the child PID, used as the terminal's name.
func (h *Handle) ProcessID() int { return h.pid }

// Resize atomically changes the PTY master's window size.
func (h *Handle) Resize(cols, rows uint16) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return pty.Setsize(h.master, &pty.Winsize{Rows: rows, Cols: cols})
}

// Write sends keystrokes to the PTY master, retrying until all of p is
// written.
func (h *Handle) Write(p []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for len(p) > 0 {
		n, err := h.master.Write(p)
		if err != nil {
			return fmt.Errorf("ptyio: write: %w", err)
		}
		p = p[n:]
	}
	return nil
}

// StartReader begins reading PTY output on a dedicated goroutine and
// returns a channel of chunks. It may only be called once per Handle; the
// returned channel is closed on EOF or unrecoverable read error.
func (h *Handle) StartReader() (<-chan []byte, error) {
	if !h.readerStarted.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("ptyio: reader already started for pid %d", h.pid)
	}

	out := make(chan []byte, 64)
	go func() {
		defer close(out)
		buf := make([]byte, 4096)
		for {
			n, err := h.master.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				out <- chunk
			}
			if err != nil {
				if isTransientReadErr(err) {
					continue
				}
				log.Debug().Int("pid", h.pid).Err(err).Msg("ptyio: reader finished")
				return
			}
		}
	}()
	return out, nil
}

// TryWait is a non-blocking poll of the child's exit status.
func (h *Handle) TryWait() ExitStatus {
	select {
	case <-h.waitDone:
		return ExitStatus{Exited: true, Success: h.success}
	default:
		return ExitStatus{}
	}
}

// Close releases the master fd. It does not kill the child; callers are
// responsible for the child's lifetime per the adapter's ownership
// contract.
func (h *Handle) Close() error {
	return h.master.Close()
}

// Signal delivers sig to the child process. It is advisory: the child may
// already have exited, in which case the error is safe to ignore.
func (h *Handle) Signal(sig os.Signal) error {
	if h.cmd.Process == nil {
		return fmt.Errorf("ptyio: no process to signal")
	}
	return h.cmd.Process.Signal(sig)
}
