//go:build debug

package debug

import (
	"fmt"
	"os"
)

const Debug = true

// Print writes a debug trace line to stderr; compiled in only with -tags debug.
func Print(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "lockbox DEBUG: "+format, args...)
}
