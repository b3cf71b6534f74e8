package crypto

import (
	"context"
	"errors"
	"fmt"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/scrypt"
	"southwinds.dev/lockbox/internal/misc"
)

// ErrUnknownKDFVersion is returned when stored data names a parameter set this build does not know.
var ErrUnknownKDFVersion = errors.New("unknown kdf version")

// ParamsForVersion looks up a registered scrypt parameter set.
func ParamsForVersion(version int) (misc.KDFParams, error) {
	params, ok := misc.KDFVersions[version]
	if !ok {
		return misc.KDFParams{}, fmt.Errorf("%w: %d", ErrUnknownKDFVersion, version)
	}
	return params, nil
}

// DeriveKey stretches secret with salt into a key held in a locked buffer.
// The caller owns the returned buffer and must Destroy it.
func DeriveKey(secret, salt []byte, params misc.KDFParams) (*memguard.LockedBuffer, error) {
	if len(secret) == 0 {
		return nil, errors.New("secret cannot be empty")
	}
	if len(salt) < misc.MinSaltSize {
		return nil, fmt.Errorf("salt too short: %d bytes, need at least %d", len(salt), misc.MinSaltSize)
	}
	if params.KeyLen <= 0 {
		return nil, fmt.Errorf("invalid key length %d", params.KeyLen)
	}

	derivedKey, err := scrypt.Key(secret, salt, params.N, params.R, params.P, params.KeyLen)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}

	// Protect the derived key immediately
	protectedKey := memguard.NewBufferFromBytes(derivedKey)
	memguard.WipeBytes(derivedKey)

	return protectedKey, nil
}

// DeriveKeyContext runs DeriveKey on its own goroutine so a cancelled caller is not held
// for the full cost of the derivation. A key derived after cancellation is destroyed.
func DeriveKeyContext(ctx context.Context, secret, salt []byte, params misc.KDFParams) (*memguard.LockedBuffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	type result struct {
		key *memguard.LockedBuffer
		err error
	}

	// secret may be wiped by the caller as soon as we return
	secretCopy := make([]byte, len(secret))
	copy(secretCopy, secret)

	done := make(chan result, 1)
	go func() {
		defer memguard.WipeBytes(secretCopy)
		key, err := DeriveKey(secretCopy, salt, params)
		done <- result{key: key, err: err}
	}()

	select {
	case res := <-done:
		return res.key, res.err
	case <-ctx.Done():
		go func() {
			if res := <-done; res.key != nil {
				res.key.Destroy()
			}
		}()
		return nil, ctx.Err()
	}
}
