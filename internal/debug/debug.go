// Package debug provides env-gated diagnostic logging for the engine.
// It stays silent unless STREAMBED_DEBUG is set, so library consumers get
// no output they did not ask for.
package debug

import (
	"fmt"
	"os"
)

var (
	enabled     = os.Getenv("STREAMBED_DEBUG") != ""
	verboseMode = false
)

// Enabled reports whether diagnostic logging is active.
func Enabled() bool {
	return enabled || verboseMode
}

// SetVerbose enables diagnostic output regardless of the environment.
func SetVerbose(verbose bool) {
	verboseMode = verbose
}

// Logf writes a diagnostic line to stderr when logging is active.
func Logf(format string, args ...interface{}) {
	if enabled || verboseMode {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}
