package lockbox

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"strings"

	"github.com/awnumar/memguard"
	"southwinds.dev/lockbox/audit"
	"southwinds.dev/lockbox/internal/misc"
)

const (
	lowerChars  = "abcdefghijklmnopqrstuvwxyz"
	upperChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	digitChars  = "0123456789"
	symbolChars = "!@#$%^&*()-_=+[]{};:,.?/~"
)

// passphraseHolder keeps the active passphrase in an encrypted memguard enclave.
// It is owned by one Vault and guarded by the vault mutex.
type passphraseHolder struct {
	enclave *memguard.Enclave
}

// set copies p into a new enclave; the caller keeps ownership of p.
func (h *passphraseHolder) set(p []byte) {
	h.enclave = newPassphraseEnclave(p)
}

func (h *passphraseHolder) active() bool {
	return h.enclave != nil
}

// open returns the passphrase in a locked buffer the caller must Destroy.
func (h *passphraseHolder) open() (*memguard.LockedBuffer, error) {
	if h.enclave == nil {
		return nil, ErrNoPassphrase
	}
	buf, err := h.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open passphrase enclave: %w", err)
	}
	return buf, nil
}

// swap installs e and returns the previous enclave so a failed save can put it back.
func (h *passphraseHolder) swap(e *memguard.Enclave) *memguard.Enclave {
	old := h.enclave
	h.enclave = e
	return old
}

// matches compares p with the active passphrase in constant time.
func (h *passphraseHolder) matches(p []byte) bool {
	buf, err := h.open()
	if err != nil {
		return false
	}
	defer buf.Destroy()
	return subtle.ConstantTimeCompare(buf.Bytes(), p) == 1
}

func (h *passphraseHolder) clear() {
	h.enclave = nil
}

func newPassphraseEnclave(p []byte) *memguard.Enclave {
	if len(p) == 0 {
		return nil
	}
	// NewEnclave wipes its argument
	c := make([]byte, len(p))
	copy(c, p)
	return memguard.NewEnclave(c)
}

// SetPassphrase adopts passphrase according to what is on disk:
//   - encrypted vault: passphrase must open the bundle (unlock); ErrDecryption otherwise
//     and the active passphrase, if any, is left as it was
//   - plaintext vault: the document is re-saved encrypted and vault.json is removed
//   - no vault yet: the passphrase is held and used by the first save
//
// Changing the passphrase of an encrypted vault is RotatePassphrase.
func (v *Vault) SetPassphrase(passphrase string) error {
	if err := v.validatePassphrase(passphrase); err != nil {
		v.logAudit(audit.ActionPassphraseSet, err, nil)
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return ErrVaultClosed
	}

	ctx := context.Background()
	candidate := []byte(passphrase)
	defer memguard.WipeBytes(candidate)

	state, err := v.state()
	if err != nil {
		v.logAudit(audit.ActionPassphraseSet, err, nil)
		return err
	}

	switch state {
	case StateEncrypted:
		if _, err = v.loadBundle(ctx, candidate); err != nil {
			v.logAudit(audit.ActionVaultUnlock, err, nil)
			return fmt.Errorf("failed to unlock vault: %w", err)
		}
		v.passphrase.set(candidate)
		v.logAudit(audit.ActionVaultUnlock, nil, nil)
		v.log.Info().Msg("vault unlocked")
		return nil

	case StatePlaintext:
		err = v.withRetry("migrate", func() error {
			l, err := v.loadWith(ctx, nil)
			if err != nil {
				return err
			}
			old := v.passphrase.swap(newPassphraseEnclave(candidate))
			if err = v.save(ctx, l); err != nil {
				v.passphrase.swap(old)
				return err
			}
			return nil
		})
		v.logAudit(audit.ActionVaultMigrate, err, nil)
		if err != nil {
			return fmt.Errorf("failed to migrate vault to encrypted storage: %w", err)
		}
		return nil

	default:
		v.passphrase.set(candidate)
		v.logAudit(audit.ActionPassphraseSet, nil, map[string]interface{}{"state": state.String()})
		return nil
	}
}

// GeneratePassphrase returns a random passphrase; see the package function of the same name.
func (v *Vault) GeneratePassphrase(length int, useSymbols bool) (string, error) {
	passphrase, err := GeneratePassphrase(length, useSymbols)
	v.logAudit(audit.ActionPassphraseGenerate, err, map[string]interface{}{
		"length":  length,
		"symbols": useSymbols,
	})
	return passphrase, err
}

// ShowPassphrase returns the active passphrase. Unless reveal is set only the first and
// last two characters are shown.
func (v *Vault) ShowPassphrase(reveal bool) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return "", ErrVaultClosed
	}

	buf, err := v.passphrase.open()
	if err != nil {
		v.logAudit(audit.ActionPassphraseAccess, err, map[string]interface{}{"reveal": reveal})
		return "", err
	}
	defer buf.Destroy()

	v.logAudit(audit.ActionPassphraseAccess, nil, map[string]interface{}{"reveal": reveal})
	if reveal {
		return string(buf.Bytes()), nil
	}
	return maskPassphrase(buf.Bytes()), nil
}

// GeneratePassphrase draws length characters from letters and digits, plus symbols when
// useSymbols is set, with at least one character of every enabled class. A zero length
// selects the default.
func GeneratePassphrase(length int, useSymbols bool) (string, error) {
	if length == 0 {
		length = misc.DefaultGeneratedPassphraseLength
	}
	if length < misc.MinGeneratedPassphraseLength || length > misc.MaxGeneratedPassphraseLength {
		return "", newValidationError("length", "must be between %d and %d, got %d",
			misc.MinGeneratedPassphraseLength, misc.MaxGeneratedPassphraseLength, length)
	}

	classes := []string{lowerChars, upperChars, digitChars}
	if useSymbols {
		classes = append(classes, symbolChars)
	}
	all := strings.Join(classes, "")

	out := make([]byte, 0, length)
	for _, class := range classes {
		c, err := randomChar(class)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}
	for len(out) < length {
		c, err := randomChar(all)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}

	// Fisher-Yates so the guaranteed characters are not always up front
	for i := len(out) - 1; i > 0; i-- {
		j, err := randomInt(i + 1)
		if err != nil {
			return "", err
		}
		out[i], out[j] = out[j], out[i]
	}

	return string(out), nil
}

func maskPassphrase(p []byte) string {
	if len(p) <= 4 {
		return strings.Repeat("*", len(p))
	}
	return string(p[:2]) + strings.Repeat("*", len(p)-4) + string(p[len(p)-2:])
}

func (v *Vault) validatePassphrase(passphrase string) error {
	if len(passphrase) < v.options.MinPassphraseLength {
		return newValidationError("passphrase", "must be at least %d characters long", v.options.MinPassphraseLength)
	}
	return nil
}

func randomChar(alphabet string) (byte, error) {
	i, err := randomInt(len(alphabet))
	if err != nil {
		return 0, err
	}
	return alphabet[i], nil
}

func randomInt(n int) (int, error) {
	i, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("failed to read random data: %w", err)
	}
	return int(i.Int64()), nil
}
