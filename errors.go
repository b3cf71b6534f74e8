package lockbox

import (
	"errors"
	"fmt"

	"southwinds.dev/lockbox/internal/crypto"
)

var (
	// ErrDecryption is returned for a wrong passphrase or code and for corrupt data alike.
	ErrDecryption = crypto.ErrDecryption

	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrIO is matched by every *IOError.
	ErrIO = errors.New("storage failure")

	// ErrRecoveryExhausted does not say whether the code was wrong or already spent.
	ErrRecoveryExhausted = errors.New("backup code is invalid or has already been used")

	ErrNoPassphrase       = errors.New("no passphrase is set")
	ErrKeyNotFound        = errors.New("key not found")
	ErrAlreadyInitialized = errors.New("vault is already initialized")
	ErrNotInitialized     = errors.New("vault is not initialized")
	ErrVaultClosed        = errors.New("vault is closed")
)

// ValidationError reports a policy violation detected before anything was changed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func newValidationError(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IOError wraps a failure of the underlying store.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

func (e *IOError) Is(target error) bool {
	return target == ErrIO
}
