package lockbox

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

const maxEntryKeyLength = 256

func isValidEnvVarName(name string) bool {
	if len(name) == 0 || len(name) > 128 {
		return false
	}

	// Must start with letter or underscore
	if !((name[0] >= 'A' && name[0] <= 'Z') || (name[0] >= 'a' && name[0] <= 'z') || name[0] == '_') {
		return false
	}

	// Rest can be letters, numbers, or underscores
	for i := 1; i < len(name); i++ {
		c := name[i]
		if !((c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}

	return true
}

func validateEntryKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return newValidationError("key", "cannot be empty")
	}
	if len(key) > maxEntryKeyLength {
		return newValidationError("key", "too long (max %d bytes)", maxEntryKeyLength)
	}
	if !utf8.ValidString(key) {
		return newValidationError("key", "must be valid UTF-8")
	}
	for _, r := range key {
		if unicode.IsControl(r) {
			return newValidationError("key", "contains control character %U", r)
		}
	}
	return nil
}

// validateEntryValue rejects values the JSON document cannot hold byte for byte.
func validateEntryValue(value string) error {
	if !utf8.ValidString(value) {
		return newValidationError("value", "must be valid UTF-8")
	}
	return nil
}

// shortID is used for log fields that identify an envelope without exposing it.
func shortID(salt []byte) string {
	if len(salt) < 4 {
		return ""
	}
	return fmt.Sprintf("%x", salt[:4])
}
