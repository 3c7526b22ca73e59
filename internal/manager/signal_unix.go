//go:build unix

package manager

import (
	"os"
	"syscall"
)

func signalFromInt(n int) os.Signal {
	return syscall.Signal(n)
}
