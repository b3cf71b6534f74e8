// Package lockbox provides a small passphrase-protected key-value vault.
//
// A vault starts as a plaintext document and becomes an encrypted bundle once a
// passphrase is set. The bundle is sealed with XChaCha20-Poly1305 under a key derived
// with scrypt from the passphrase and a fresh salt on every save. One-time backup codes
// wrap the passphrase so it can be recovered, and a scheduler keeps timestamped export
// copies pruned to a retention count.
//
// Basic Usage:
//
//	vault, err := lockbox.New(lockbox.Options{BasePath: "/var/lib/lockbox"}, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer vault.Close()
//
//	if err = vault.SetPassphrase("correct horse battery staple"); err != nil {
//	    log.Fatal(err)
//	}
//	_ = vault.Set("callsign", "Trinity")
//	value, err := vault.Get("callsign")
package lockbox

import (
	"context"
	"time"

	"southwinds.dev/lockbox/audit"
)

// State is the on-disk representation currently authoritative.
type State int

const (
	StateUninitialized State = iota
	StatePlaintext
	StateEncrypted
)

func (s State) String() string {
	switch s {
	case StatePlaintext:
		return "plaintext"
	case StateEncrypted:
		return "encrypted"
	default:
		return "uninitialized"
	}
}

// Status is a point-in-time summary that never includes secret values.
type Status struct {
	State            State         `json:"-"`
	StateName        string        `json:"state"`
	Unlocked         bool          `json:"unlocked"`
	PassphraseActive bool          `json:"passphrase_active"`
	Entries          int           `json:"entries"`
	BackupsUnused    int           `json:"backups_unused"`
	BackupsUsed      int           `json:"backups_used"`
	UpdatedAt        time.Time     `json:"updated_at,omitempty"`
	Export           ExportConfig  `json:"export"`
	LastExport       *ExportResult `json:"last_export,omitempty"`
	StoreType        string        `json:"store_type"`
	Location         string        `json:"location"`
	MemoryProtection string        `json:"memory_protection"`
}

// ExportResult describes one completed export.
type ExportResult struct {
	Name     string    `json:"name"`
	Path     string    `json:"path"`
	Format   string    `json:"format"`
	Time     time.Time `json:"time"`
	Size     int       `json:"size"`
	Checksum string    `json:"checksum"`
	Pruned   []string  `json:"pruned,omitempty"`
	Mirrored string    `json:"mirrored,omitempty"`
}

// ExportEntry is one retained export file.
type ExportEntry struct {
	Name      string    `json:"name"`
	Format    string    `json:"format"`
	Timestamp time.Time `json:"timestamp"`
	Size      int64     `json:"size"`
	Location  string    `json:"location"`
}

// VaultService is the operator surface of a vault. Every method is safe for concurrent
// use; operations that read and write the vault are serialized per instance.
type VaultService interface {
	// Init writes an empty document in the active mode. An existing vault is left
	// untouched and ErrAlreadyInitialized is returned.
	Init() error

	// Load returns a copy of the current document.
	Load() (*VaultDocument, error)

	State() (State, error)
	Status() (*Status, error)

	// SetPassphrase unlocks an encrypted vault, migrates a plaintext one, or sets the
	// passphrase a new vault will be encrypted with.
	SetPassphrase(passphrase string) error

	// GeneratePassphrase returns a random passphrase. Nothing is stored.
	GeneratePassphrase(length int, useSymbols bool) (string, error)

	// ShowPassphrase returns the active passphrase, masked unless reveal is true.
	ShowPassphrase(reveal bool) (string, error)

	GenerateBackupCodes(count, length int) ([]string, error)
	UseBackupCode(code string) (string, error)

	RotatePassphrase(newPassphrase string, clearBackups bool) error

	Set(key, value string) error
	Get(key string) (string, error)
	Delete(key string) error
	ListKeys() ([]string, error)

	// ExportNow copies the active vault file to a timestamped export and prunes old ones.
	ExportNow(ctx context.Context) (string, error)
	ConfigureExport(enabled bool, intervalHours, retentionCount int) error
	ExportConfig() ExportConfig
	ListExports(ctx context.Context) ([]ExportEntry, error)

	// ExportConfigChanged is signalled after every successful ConfigureExport.
	ExportConfigChanged() <-chan struct{}

	SecureMemoryProtection() string
	GetAudit() audit.Logger
	Close() error
}
