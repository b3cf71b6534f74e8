package misc

import "time"

// KDFParams describes one versioned scrypt cost parameter set.
type KDFParams struct {
	Version int
	N       int // CPU/memory work factor, power of two
	R       int // block size
	P       int // parallelism
	KeyLen  int
}

const (
	// KDFVersion1 scrypt N=2^15, r=8, p=1: ~32MiB and well under a second on commodity hardware.
	KDFVersion1 = 1

	// DefaultKDFVersion is used for every new bundle and backup envelope.
	DefaultKDFVersion = KDFVersion1

	KeyLen      = 32
	SaltSize    = 32
	MinSaltSize = 16

	DefaultMinPassphraseLength = 8

	MinBackupCodes      = 1
	MaxBackupCodes      = 10
	MinBackupCodeLength = 12
	MaxBackupCodeLength = 48

	MinGeneratedPassphraseLength     = 12
	MaxGeneratedPassphraseLength     = 128
	DefaultGeneratedPassphraseLength = 24

	DefaultExportInterval  = 24 * time.Hour
	DefaultRetentionCount  = 7
	MaxRetentionCount      = 365
	MaxExportIntervalHours = 24 * 30

	FilePermissions = 0600 // user read + write
	DirPermissions  = 0700
)

// KDFVersions holds every parameter set that can still open data on disk.
// Sets are never edited in place; strengthening means adding a new version.
var KDFVersions = map[int]KDFParams{
	KDFVersion1: {Version: KDFVersion1, N: 1 << 15, R: 8, P: 1, KeyLen: KeyLen},
}
