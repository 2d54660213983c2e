//go:build !windows

package app

import (
	"os"
	"syscall"
)

// stopSignals end a running engine.
func stopSignals() []os.Signal {
	return []os.Signal{syscall.SIGINT, syscall.SIGTERM}
}

// reloadSignals re-read automations and scheduler settings from the store.
func reloadSignals() []os.Signal {
	return []os.Signal{syscall.SIGHUP}
}
