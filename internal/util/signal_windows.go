//go:build windows

package util

import "os"

// ShutdownSignals returns the signals to listen for graceful shutdown.
func ShutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// GracefulSignal attempts graceful process termination.
// Windows has no SIGINT for child processes, so the process is killed.
func GracefulSignal(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Kill()
}
