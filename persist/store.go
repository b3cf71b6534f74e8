package persist

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Load operations when the requested object does not exist.
var ErrNotFound = errors.New("not found")

// VersionedData represents data with its version information
type VersionedData struct {
	Data      []byte
	Version   string // ETag, version number, or hash
	Timestamp time.Time
}

// Store defines the interface for persisting the vault's on-disk representations.
// A vault is either a plaintext document or an encrypted bundle; the store does not
// interpret either, it only guarantees that every Save replaces the previous content
// atomically. An empty expectedVersion skips the optimistic concurrency check.
type Store interface {

	// Encrypted bundle

	// SaveBundle atomically replaces the encrypted bundle.
	// Returns the version of the data that was written.
	SaveBundle(data []byte, expectedVersion string) (newVersion string, err error)

	// LoadBundle returns the encrypted bundle or an error wrapping ErrNotFound.
	LoadBundle() (*VersionedData, error)

	BundleExists() (bool, error)

	// Legacy plaintext document

	SavePlaintext(data []byte, expectedVersion string) (newVersion string, err error)

	LoadPlaintext() (*VersionedData, error)

	PlaintextExists() (bool, error)

	// DeletePlaintext removes the plaintext document. Deleting a missing document is not an error.
	DeletePlaintext() error

	// Recovery index

	// SaveRecoveryIndex writes the sidecar that lets backup codes be tried without the passphrase.
	SaveRecoveryIndex(data []byte) error

	LoadRecoveryIndex() (*VersionedData, error)

	DeleteRecoveryIndex() error

	// Health and utilities

	// Ping tests the connectivity for remote backends.
	Ping() error

	// Close closes the store and releases any resources it holds.
	Close() error

	// GetType retrieves the type of store being used.
	GetType() string

	// Location describes where the active representation lives, for display only.
	Location() string
}

// ExportStore keeps timestamped copies of the active vault file.
// Names are produced by the caller; stores never parse them.
type ExportStore interface {

	// SaveExport writes data under name. The write is abandoned without leaving a
	// partial object if ctx is cancelled first. Returns where the export was written.
	SaveExport(ctx context.Context, name string, data []byte) (location string, err error)

	// ListExports returns every export currently held, in no particular order.
	ListExports(ctx context.Context) ([]ExportInfo, error)

	// DeleteExport removes one export. Deleting a missing export is not an error.
	DeleteExport(ctx context.Context, name string) error

	GetType() string
}

// ExportInfo describes one stored export without reading it.
type ExportInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
	Location string    `json:"location"` // Store-agnostic path/identifier
}

// StoreConfig provides configuration for different storage backends.
//
// Example usage:
//
//	config := StoreConfig{
//	    Type:   StoreTypeFileSystem,
//	    Config: map[string]interface{}{"base_path": "/data/lockbox"},
//	}
type StoreConfig struct {
	// Type specifies the storage backend to be used.
	Type StoreType `json:"type"`

	// Config contains settings specific to the chosen backend, for example
	// "base_path" for the file system or "Endpoint" and "Bucket" for S3.
	Config map[string]interface{} `json:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

// Supported storage types.
const (
	// StoreTypeFileSystem keeps the vault and its exports on local disk.
	StoreTypeFileSystem StoreType = "filesystem"

	// StoreTypeS3 is only available as an export destination.
	StoreTypeS3 StoreType = "s3"
)

// ConcurrencyError represents version conflict errors
type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict in %s: expected version %s, but found %s",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}
