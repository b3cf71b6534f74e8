package lockbox

import (
	"bytes"
	"time"
)

// Timestamp is seconds since the Unix epoch, fractional, as stored on disk.
type Timestamp float64

func now() Timestamp {
	return TimestampOf(time.Now())
}

// TimestampOf converts t to its on-disk form.
func TimestampOf(t time.Time) Timestamp {
	return Timestamp(float64(t.UnixNano()) / float64(time.Second))
}

func (t Timestamp) Time() time.Time {
	sec := int64(t)
	nsec := int64((float64(t) - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

// VaultDocument is the logical content of the vault. It is always persisted whole.
type VaultDocument struct {
	Entries   map[string]string `json:"entries"`
	Backups   []BackupEnvelope  `json:"backups"`
	UpdatedAt Timestamp         `json:"updated_at"`
}

// BackupEnvelope holds the passphrase sealed under a key derived from one backup code.
// Used only ever goes from false to true.
type BackupEnvelope struct {
	Salt       []byte    `json:"salt"`
	Ciphertext []byte    `json:"ciphertext"`
	CreatedAt  Timestamp `json:"created_at"`
	Used       bool      `json:"used"`
	Version    int       `json:"version"`
}

// EncryptedBundle is the on-disk form of a VaultDocument while a passphrase is active.
type EncryptedBundle struct {
	Salt       []byte    `json:"salt"`
	Ciphertext []byte    `json:"ciphertext"`
	UpdatedAt  Timestamp `json:"updated_at"`
	Version    int       `json:"version"`
}

// RecoveryIndex mirrors the unused backup envelopes outside the bundle so a code can be
// tried when the passphrase is gone. Whether an envelope is spent is decided by the
// document inside the bundle, never by this file.
type RecoveryIndex struct {
	Envelopes []RecoveryEnvelope `json:"envelopes"`
	UpdatedAt Timestamp          `json:"updated_at"`
	Version   int                `json:"version"`
}

type RecoveryEnvelope struct {
	Salt       []byte    `json:"salt"`
	Ciphertext []byte    `json:"ciphertext"`
	CreatedAt  Timestamp `json:"created_at"`
	Version    int       `json:"version"`
}

const recoveryIndexVersion = 1

func newDocument() *VaultDocument {
	return &VaultDocument{
		Entries: map[string]string{},
		Backups: []BackupEnvelope{},
	}
}

// normalize replaces nil collections so the serialized form is stable.
func (d *VaultDocument) normalize() {
	if d.Entries == nil {
		d.Entries = map[string]string{}
	}
	if d.Backups == nil {
		d.Backups = []BackupEnvelope{}
	}
}

func (d *VaultDocument) clone() *VaultDocument {
	c := &VaultDocument{
		Entries:   make(map[string]string, len(d.Entries)),
		Backups:   make([]BackupEnvelope, len(d.Backups)),
		UpdatedAt: d.UpdatedAt,
	}
	for k, v := range d.Entries {
		c.Entries[k] = v
	}
	copy(c.Backups, d.Backups)
	return c
}

func (d *VaultDocument) backupCounts() (unused, used int) {
	for _, b := range d.Backups {
		if b.Used {
			used++
		} else {
			unused++
		}
	}
	return unused, used
}

// findUnusedBackup returns the index of the unused envelope with the given salt, or -1.
func (d *VaultDocument) findUnusedBackup(salt []byte) int {
	for i, b := range d.Backups {
		if !b.Used && bytes.Equal(b.Salt, salt) {
			return i
		}
	}
	return -1
}

func (d *VaultDocument) recoveryIndex() RecoveryIndex {
	index := RecoveryIndex{
		Envelopes: []RecoveryEnvelope{},
		UpdatedAt: d.UpdatedAt,
		Version:   recoveryIndexVersion,
	}
	for _, b := range d.Backups {
		if b.Used {
			continue
		}
		index.Envelopes = append(index.Envelopes, RecoveryEnvelope{
			Salt:       b.Salt,
			Ciphertext: b.Ciphertext,
			CreatedAt:  b.CreatedAt,
			Version:    b.Version,
		})
	}
	return index
}
