package lockbox

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"southwinds.dev/lockbox/internal/crypto"
	"southwinds.dev/lockbox/internal/misc"
	"southwinds.dev/lockbox/persist"
)

// Options configures a Vault.
//
// Passphrase handling:
//   - Passphrase, when set, is adopted as the active passphrase without being checked.
//     A wrong value surfaces as ErrDecryption on the first operation that reads the vault.
//   - EnvPassphraseVar names an environment variable read once at construction when
//     Passphrase is empty. The variable is not cleared and not read again.
//   - Neither is required. A vault without a passphrase works in plaintext mode until
//     SetPassphrase is called, or reports ErrNoPassphrase if it is already encrypted.
//
// Policy values are explicit so they can be strengthened without breaking existing
// data: MinPassphraseLength is checked on every new passphrase, and KDFVersion selects
// the scrypt parameters for new bundles and envelopes while data written under older
// versions keeps opening with the parameters recorded next to it.
type Options struct {
	// BasePath is the directory holding vault.json / vault.enc / vault.recovery.
	BasePath string `json:"base_path" yaml:"base_path"`

	Passphrase string `json:"-" yaml:"-"` // Don't serialize passphrase for security

	EnvPassphraseVar string `json:"env_passphrase_var,omitempty" yaml:"env_passphrase_var,omitempty"`

	// MinPassphraseLength defaults to 8 and cannot be lowered below that.
	MinPassphraseLength int `json:"min_passphrase_length,omitempty" yaml:"min_passphrase_length,omitempty"`

	// KDFVersion defaults to misc.DefaultKDFVersion.
	KDFVersion int `json:"kdf_version,omitempty" yaml:"kdf_version,omitempty"`

	// EnableMemoryLock asks the OS to keep the whole process out of swap.
	EnableMemoryLock bool `json:"enable_memory_lock" yaml:"enable_memory_lock"`

	Export ExportConfig `json:"export" yaml:"export"`

	// Logger receives operational messages; zerolog.Nop() when nil.
	Logger *zerolog.Logger `json:"-" yaml:"-"`

	// RemoteExports, when set, receives a copy of every export and is pruned to the same retention.
	RemoteExports persist.ExportStore `json:"-" yaml:"-"`
}

// ExportConfig controls the export scheduler.
type ExportConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	IntervalHours  int    `json:"interval_hours" yaml:"interval_hours"`
	RetentionCount int    `json:"retention_count" yaml:"retention_count"`
	Dir            string `json:"dir,omitempty" yaml:"dir,omitempty"` // defaults to <base_path>/exports

	// Every overrides IntervalHours when positive. Not part of the persisted configuration.
	Every time.Duration `json:"-" yaml:"-"`
}

// Interval is the time between scheduled exports.
func (c ExportConfig) Interval() time.Duration {
	if c.Every > 0 {
		return c.Every
	}
	if c.IntervalHours <= 0 {
		return misc.DefaultExportInterval
	}
	return time.Duration(c.IntervalHours) * time.Hour
}

func (c ExportConfig) withDefaults() ExportConfig {
	if c.IntervalHours == 0 {
		c.IntervalHours = int(misc.DefaultExportInterval / time.Hour)
	}
	if c.RetentionCount == 0 {
		c.RetentionCount = misc.DefaultRetentionCount
	}
	return c
}

// Validate checks the interval and retention bounds.
func (c ExportConfig) Validate() error {
	if c.IntervalHours < 1 || c.IntervalHours > misc.MaxExportIntervalHours {
		return newValidationError("interval_hours", "must be between 1 and %d, got %d", misc.MaxExportIntervalHours, c.IntervalHours)
	}
	if c.RetentionCount < 1 || c.RetentionCount > misc.MaxRetentionCount {
		return newValidationError("retention_count", "must be between 1 and %d, got %d", misc.MaxRetentionCount, c.RetentionCount)
	}
	if c.Every < 0 {
		return newValidationError("interval", "cannot be negative")
	}
	return nil
}

// withDefaults fills zero values. It does not validate.
func (o Options) withDefaults() Options {
	if o.MinPassphraseLength == 0 {
		o.MinPassphraseLength = misc.DefaultMinPassphraseLength
	}
	if o.KDFVersion == 0 {
		o.KDFVersion = misc.DefaultKDFVersion
	}
	o.Export = o.Export.withDefaults()
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
	return o
}

// Validate checks the options after defaults have been applied.
func (o Options) Validate() error {
	o = o.withDefaults()

	if o.MinPassphraseLength < misc.DefaultMinPassphraseLength {
		return newValidationError("min_passphrase_length", "cannot be lower than %d", misc.DefaultMinPassphraseLength)
	}

	if _, err := crypto.ParamsForVersion(o.KDFVersion); err != nil {
		return newValidationError("kdf_version", "%v", err)
	}

	if o.EnvPassphraseVar != "" && !isValidEnvVarName(o.EnvPassphraseVar) {
		return newValidationError("env_passphrase_var", "invalid environment variable name %q", o.EnvPassphraseVar)
	}

	if o.Passphrase != "" && len(o.Passphrase) < o.MinPassphraseLength {
		return newValidationError("passphrase", "must be at least %d characters long", o.MinPassphraseLength)
	}

	if err := o.Export.Validate(); err != nil {
		return err
	}

	return nil
}

// initialPassphrase resolves Passphrase, then EnvPassphraseVar.
func (o Options) initialPassphrase() (string, error) {
	if o.Passphrase != "" {
		return o.Passphrase, nil
	}
	if o.EnvPassphraseVar == "" {
		return "", nil
	}

	value := os.Getenv(o.EnvPassphraseVar)
	if value != "" && len(value) < o.MinPassphraseLength {
		return "", newValidationError("passphrase", "value of %s must be at least %d characters long", o.EnvPassphraseVar, o.MinPassphraseLength)
	}
	return value, nil
}

func (o Options) String() string {
	return fmt.Sprintf("Options{BasePath:%s, EnvPassphraseVar:%s, MinPassphraseLength:%d, KDFVersion:%d, EnableMemoryLock:%t, Export:%+v}",
		o.BasePath, o.EnvPassphraseVar, o.MinPassphraseLength, o.KDFVersion, o.EnableMemoryLock, o.Export)
}
