package misc

import (
	"errors"
	"io/fs"
	"strings"
)

// IsNotFoundError reports whether err means the object does not exist,
// whether it came from the filesystem or from an object store message.
func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, fs.ErrNotExist) {
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "not found") ||
		strings.Contains(errStr, "does not exist") ||
		strings.Contains(errStr, "no such file")
}
