//go:build windows

package app

import "os"

// stopSignals end a running engine. Windows only delivers os.Interrupt.
func stopSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}

// No reload signal on Windows; settings still arrive through the poll.
func reloadSignals() []os.Signal {
	return nil
}
