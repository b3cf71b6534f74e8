package lockbox

import (
	"context"
	"fmt"

	"github.com/awnumar/memguard"
	"southwinds.dev/lockbox/audit"
)

// RotatePassphrase replaces the active passphrase with newPassphrase and re-encrypts the
// whole document under a fresh salt.
//
// The current document must decrypt under the active passphrase first; nothing changes
// otherwise. Backup envelopes wrap the old passphrase, so they are either removed
// (clearBackups) or marked used. Generate new codes after rotating.
//
// If the save fails the old passphrase stays active and the bundle on disk is the one
// written before the call.
func (v *Vault) RotatePassphrase(newPassphrase string, clearBackups bool) error {
	if err := v.validatePassphrase(newPassphrase); err != nil {
		v.logAudit(audit.ActionPassphraseRotate, err, nil)
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ErrVaultClosed
	}

	if !v.passphrase.active() {
		v.logAudit(audit.ActionPassphraseRotate, ErrNoPassphrase, nil)
		return fmt.Errorf("cannot rotate passphrase: %w", ErrNoPassphrase)
	}

	ctx := context.Background()
	next := []byte(newPassphrase)
	defer memguard.WipeBytes(next)

	if v.passphrase.matches(next) {
		err := newValidationError("passphrase", "must differ from the current passphrase")
		v.logAudit(audit.ActionPassphraseRotate, err, nil)
		return err
	}

	var cleared, retired int
	err := v.withRetry("rotate passphrase", func() error {
		cleared, retired = 0, 0

		l, err := v.load(ctx)
		if err != nil {
			return err
		}

		if clearBackups {
			cleared = len(l.doc.Backups)
			l.doc.Backups = []BackupEnvelope{}
		} else {
			for i := range l.doc.Backups {
				if !l.doc.Backups[i].Used {
					l.doc.Backups[i].Used = true
					retired++
				}
			}
		}

		old := v.passphrase.swap(newPassphraseEnclave(next))
		if err = v.save(ctx, l); err != nil {
			v.passphrase.swap(old)
			return err
		}
		return nil
	})

	v.logAudit(audit.ActionPassphraseRotate, err, map[string]interface{}{
		"clear_backups":   clearBackups,
		"backups_cleared": cleared,
		"backups_retired": retired,
	})
	if err != nil {
		return fmt.Errorf("failed to rotate passphrase: %w", err)
	}

	v.log.Info().Int("backups_cleared", cleared).Int("backups_retired", retired).Msg("passphrase rotated")
	return nil
}
