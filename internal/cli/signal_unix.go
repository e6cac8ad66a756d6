//go:build !windows

package cli

import (
	"os"
	"syscall"
)

// shutdownSignals stop reading input; pending batches are still drained.
var shutdownSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
