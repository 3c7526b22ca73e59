//go:build !unix

package manager

import "os"

func signalFromInt(int) os.Signal {
	return os.Interrupt
}
