package lockbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/awnumar/memguard"
	"southwinds.dev/lockbox/audit"
	"southwinds.dev/lockbox/internal/debug"
	"southwinds.dev/lockbox/internal/misc"
	"southwinds.dev/lockbox/persist"
)

// backupCodeAlphabet leaves out 0 O 1 l I.
const backupCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz23456789"

// GenerateBackupCodes creates count one-time codes of the given length, each of which
// can recover the active passphrase through UseBackupCode.
//
// For every code a fresh salt is drawn, a key is derived from the code with the current
// KDF parameters and the passphrase is sealed under it. The envelopes are appended to the
// document, which is saved once. The codes themselves are never stored and are returned
// only by this call.
//
// Parameters:
//   - count: 1 to 10
//   - length: 12 to 48 characters
//
// Returns ErrNoPassphrase when no passphrase is active and a *ValidationError for bounds.
func (v *Vault) GenerateBackupCodes(count, length int) ([]string, error) {
	if count < misc.MinBackupCodes || count > misc.MaxBackupCodes {
		err := newValidationError("count", "must be between %d and %d, got %d", misc.MinBackupCodes, misc.MaxBackupCodes, count)
		v.logAudit(audit.ActionBackupGenerate, err, nil)
		return nil, err
	}
	if length < misc.MinBackupCodeLength || length > misc.MaxBackupCodeLength {
		err := newValidationError("length", "must be between %d and %d, got %d", misc.MinBackupCodeLength, misc.MaxBackupCodeLength, length)
		v.logAudit(audit.ActionBackupGenerate, err, nil)
		return nil, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, ErrVaultClosed
	}

	if !v.passphrase.active() {
		v.logAudit(audit.ActionBackupGenerate, ErrNoPassphrase, nil)
		return nil, fmt.Errorf("cannot generate backup codes: %w", ErrNoPassphrase)
	}

	ctx := context.Background()
	var codes []string

	err := v.withRetry("generate backup codes", func() error {
		codes = make([]string, 0, count)

		l, err := v.load(ctx)
		if err != nil {
			return err
		}

		buf, err := v.passphrase.open()
		if err != nil {
			return err
		}
		defer buf.Destroy()

		for i := 0; i < count; i++ {
			code, err := generateBackupCode(length)
			if err != nil {
				return err
			}

			salt, sealed, err := v.seal(ctx, []byte(code), buf.Bytes())
			if err != nil {
				return fmt.Errorf("failed to seal backup envelope: %w", err)
			}

			l.doc.Backups = append(l.doc.Backups, BackupEnvelope{
				Salt:       salt,
				Ciphertext: sealed,
				CreatedAt:  now(),
				Version:    v.params.Version,
			})
			codes = append(codes, code)
		}

		return v.save(ctx, l)
	})

	v.logAudit(audit.ActionBackupGenerate, err, map[string]interface{}{
		"count":  count,
		"length": length,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate backup codes: %w", err)
	}

	return codes, nil
}

// UseBackupCode recovers the passphrase wrapped by code and spends the code.
//
// RECOVERY FLOW:
//  1. Candidate envelopes are the unused ones of the decrypted document when the active
//     passphrase opens the vault, otherwise those listed in the recovery index
//  2. The first envelope whose code-derived key opens it yields a passphrase
//  3. That passphrase must open the current bundle
//  4. The envelope must still be unused in the decrypted document; it is marked used,
//     the recovered passphrase becomes active and the vault is saved
//
// The recovered passphrase is returned so the operator can rotate away from it.
// Wrong, spent and retired codes all yield ErrRecoveryExhausted. If the save fails the
// previous passphrase, if any, stays active and the code remains unused.
func (v *Vault) UseBackupCode(code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		err := newValidationError("code", "cannot be empty")
		v.logAudit(audit.ActionBackupUse, err, nil)
		return "", err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return "", ErrVaultClosed
	}

	ctx := context.Background()
	secret := []byte(code)
	defer memguard.WipeBytes(secret)

	var recovered string
	err := v.withRetry("use backup code", func() error {
		var err error
		recovered, err = v.recoverWithCode(ctx, secret)
		return err
	})

	v.logAudit(audit.ActionBackupUse, err, nil)
	if err != nil {
		if errors.Is(err, ErrRecoveryExhausted) {
			return "", ErrRecoveryExhausted
		}
		return "", fmt.Errorf("failed to use backup code: %w", err)
	}

	v.log.Info().Msg("passphrase recovered with backup code")
	return recovered, nil
}

// recoverWithCode is one attempt of UseBackupCode. Caller holds mu.
func (v *Vault) recoverWithCode(ctx context.Context, code []byte) (string, error) {
	state, err := v.state()
	if err != nil {
		return "", err
	}
	if state != StateEncrypted {
		return "", ErrRecoveryExhausted
	}

	candidates, err := v.recoveryCandidates(ctx)
	if err != nil {
		return "", err
	}

	for _, c := range candidates {
		passphrase, err := v.open(ctx, code, c.Salt, c.Ciphertext, c.Version)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			continue
		}

		result, err := v.spendEnvelope(ctx, c.Salt, passphrase)
		memguard.WipeBytes(passphrase)
		if errors.Is(err, ErrRecoveryExhausted) {
			continue
		}
		return result, err
	}

	return "", ErrRecoveryExhausted
}

// spendEnvelope confirms passphrase opens the bundle, marks the envelope with salt used
// and makes passphrase active. Caller holds mu.
func (v *Vault) spendEnvelope(ctx context.Context, salt, passphrase []byte) (string, error) {
	l, err := v.loadBundle(ctx, passphrase)
	if err != nil {
		if errors.Is(err, ErrDecryption) {
			// wraps a passphrase the bundle no longer uses
			debug.Print("spendEnvelope: envelope %s does not open the bundle\n", shortID(salt))
			return "", ErrRecoveryExhausted
		}
		return "", err
	}

	i := l.doc.findUnusedBackup(salt)
	if i < 0 {
		return "", ErrRecoveryExhausted
	}
	l.doc.Backups[i].Used = true

	old := v.passphrase.swap(newPassphraseEnclave(passphrase))
	if err = v.save(ctx, l); err != nil {
		v.passphrase.swap(old)
		return "", err
	}

	return string(passphrase), nil
}

// recoveryCandidates lists the envelopes a code is tried against. Caller holds mu.
func (v *Vault) recoveryCandidates(ctx context.Context) ([]RecoveryEnvelope, error) {
	if v.passphrase.active() {
		l, err := v.load(ctx)
		switch {
		case err == nil:
			return l.doc.recoveryIndex().Envelopes, nil
		case errors.Is(err, ErrDecryption):
			// active passphrase is wrong, fall back to the sidecar
		default:
			return nil, err
		}
	}

	data, err := v.store.LoadRecoveryIndex()
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return nil, ErrRecoveryExhausted
		}
		return nil, &IOError{Op: "read recovery index", Path: v.store.Location(), Err: err}
	}

	var index RecoveryIndex
	if err = json.Unmarshal(data.Data, &index); err != nil {
		v.log.Warn().Err(err).Msg("recovery index is unreadable")
		return nil, ErrRecoveryExhausted
	}
	return index.Envelopes, nil
}

func generateBackupCode(length int) (string, error) {
	code := make([]byte, length)
	for i := range code {
		c, err := randomChar(backupCodeAlphabet)
		if err != nil {
			return "", err
		}
		code[i] = c
	}
	return string(code), nil
}
