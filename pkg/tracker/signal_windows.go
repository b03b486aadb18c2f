//go:build windows

package tracker

import "os"

func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt}
}
