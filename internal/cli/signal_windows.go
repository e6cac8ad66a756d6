//go:build windows

package cli

import (
	"os"
)

// shutdownSignals stop reading input; pending batches are still drained.
// Windows has no SIGTERM.
var shutdownSignals = []os.Signal{os.Interrupt}
