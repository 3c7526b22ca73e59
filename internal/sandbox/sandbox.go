// Package sandbox implements the optional, off-by-default filesystem jail
// wrapper the PTY adapter can invoke around a spawned shell. It is kept
// deliberately thin: the actual isolation is delegated to an external
// helper binary (bubblewrap on Linux) rather than reimplemented here.
package sandbox

import (
	"os/exec"

	"github.com/rs/zerolog/log"
)

// Wrapper rewrites a shell invocation to run under a sandboxing helper.
type Wrapper interface {
	Wrap(shell string, args []string, workingDir string) (exe string, wrappedArgs []string)
}

// NoopWrapper runs the shell directly with no isolation. New does not return
// it: with sandboxing disabled New returns nil, which spawns unwrapped too.
type NoopWrapper struct{}

func (NoopWrapper) Wrap(shell string, args []string, _ string) (string, []string) {
	return shell, args
}

// BubblewrapWrapper restricts the child's filesystem view to workingDir
// (plus the usual system directories needed to exec a shell) using
// bubblewrap. If the bwrap binary is not on PATH, Wrap logs a warning and
// falls back to running the shell unwrapped.
type BubblewrapWrapper struct {
	// BinaryName overrides the helper executable name; defaults to "bwrap".
	BinaryName string
}

func (b BubblewrapWrapper) Wrap(shell string, args []string, workingDir string) (string, []string) {
	bin := b.BinaryName
	if bin == "" {
		bin = "bwrap"
	}
	helper, err := exec.LookPath(bin)
	if err != nil {
		log.Warn().Str("binary", bin).Msg("sandbox: helper not found, running unsandboxed")
		return shell, args
	}

	wrapped := []string{
		"--ro-bind", "/usr", "/usr",
		"--ro-bind", "/bin", "/bin",
		"--ro-bind", "/lib", "/lib",
		"--ro-bind", "/lib64", "/lib64",
		"--bind", workingDir, workingDir,
		"--chdir", workingDir,
		"--dev", "/dev",
		"--proc", "/proc",
		"--unshare-all",
		"--share-net",
		"--die-with-parent",
		shell,
	}
	wrapped = append(wrapped, args...)
	return helper, wrapped
}

// New returns the configured wrapper, or nil (meaning: spawn unwrapped) when
// sandboxing is disabled.
func New(enabled bool) Wrapper {
	if !enabled {
		return nil
	}
	return BubblewrapWrapper{}
}
