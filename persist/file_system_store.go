package persist

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"southwinds.dev/lockbox/internal/debug"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700

	PlaintextFile = "vault.json"
	BundleFile    = "vault.enc"
	RecoveryFile  = "vault.recovery"
	ExportsDir    = "exports"

	tempPattern = ".tmp-*"
)

// FileSystemStore implements Store and ExportStore on local disk.
//
//	basePath/
//	├── vault.json       # plaintext document, only before a passphrase is set
//	├── vault.enc        # encrypted bundle
//	├── vault.recovery   # backup envelopes readable without the passphrase
//	└── exports/
//	    ├── vault-20260101T000000.000000000Z.enc
//	    └── vault-20260102T000000.000000000Z.enc
type FileSystemStore struct {
	basePath      string
	exportDir     string
	plaintextPath string
	bundlePath    string
	recoveryPath  string
}

// NewFileSystemStore initializes a store rooted at basePath. Exports go to exportDir,
// or to basePath/exports when exportDir is empty.
func NewFileSystemStore(basePath, exportDir string) (*FileSystemStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}
	if exportDir == "" {
		exportDir = filepath.Join(basePath, ExportsDir)
	}

	store := &FileSystemStore{
		basePath:      basePath,
		exportDir:     exportDir,
		plaintextPath: filepath.Join(basePath, PlaintextFile),
		bundlePath:    filepath.Join(basePath, BundleFile),
		recoveryPath:  filepath.Join(basePath, RecoveryFile),
	}

	if err := os.MkdirAll(store.basePath, DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", store.basePath, err)
	}

	return store, nil
}

// NewFileSystemStoreFromConfig creates a FileSystemStore from StoreConfig
func NewFileSystemStoreFromConfig(config StoreConfig) (*FileSystemStore, error) {
	basePath, ok := config.Config["base_path"].(string)
	if !ok {
		return nil, fmt.Errorf("base_path is required for filesystem store")
	}
	exportDir, _ := config.Config["export_dir"].(string)

	return NewFileSystemStore(basePath, exportDir)
}

// SaveBundle with optimistic concurrency control
func (s *FileSystemStore) SaveBundle(data []byte, expectedVersion string) (string, error) {
	return s.saveVersioned(s.bundlePath, data, expectedVersion, "SaveBundle")
}

func (s *FileSystemStore) LoadBundle() (*VersionedData, error) {
	return loadVersioned(s.bundlePath)
}

func (s *FileSystemStore) BundleExists() (bool, error) {
	return fileExists(s.bundlePath)
}

// SavePlaintext with optimistic concurrency control
func (s *FileSystemStore) SavePlaintext(data []byte, expectedVersion string) (string, error) {
	return s.saveVersioned(s.plaintextPath, data, expectedVersion, "SavePlaintext")
}

func (s *FileSystemStore) LoadPlaintext() (*VersionedData, error) {
	return loadVersioned(s.plaintextPath)
}

func (s *FileSystemStore) PlaintextExists() (bool, error) {
	return fileExists(s.plaintextPath)
}

func (s *FileSystemStore) DeletePlaintext() error {
	return removeIfExists(s.plaintextPath)
}

func (s *FileSystemStore) SaveRecoveryIndex(data []byte) error {
	if data == nil {
		return fmt.Errorf("recovery index cannot be nil")
	}
	return writeSecureFile(s.recoveryPath, data, FilePermissions)
}

func (s *FileSystemStore) LoadRecoveryIndex() (*VersionedData, error) {
	return loadVersioned(s.recoveryPath)
}

func (s *FileSystemStore) DeleteRecoveryIndex() error {
	return removeIfExists(s.recoveryPath)
}

// SaveExport writes an export copy atomically into the export directory.
func (s *FileSystemStore) SaveExport(ctx context.Context, name string, data []byte) (string, error) {
	if err := validateExportName(name); err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.exportDir, DirPermissions); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}

	path := filepath.Join(s.exportDir, name)
	if err := writeSecureFileContext(ctx, path, data, FilePermissions); err != nil {
		return "", err
	}

	debug.Print("SaveExport: wrote %d bytes to %s\n", len(data), path)
	return path, nil
}

func (s *FileSystemStore) ListExports(ctx context.Context) ([]ExportInfo, error) {
	entries, err := os.ReadDir(s.exportDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []ExportInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read export directory: %w", err)
	}

	exports := make([]ExportInfo, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".tmp-") {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			debug.Print("ListExports: WARNING - Failed to get file info for %s: %v\n", entry.Name(), err)
			continue
		}

		exports = append(exports, ExportInfo{
			Name:     entry.Name(),
			Size:     info.Size(),
			Modified: info.ModTime(),
			Location: filepath.Join(s.exportDir, entry.Name()),
		})
	}

	return exports, nil
}

func (s *FileSystemStore) DeleteExport(ctx context.Context, name string) error {
	if err := validateExportName(name); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return removeIfExists(filepath.Join(s.exportDir, name))
}

func (s *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

func (s *FileSystemStore) Location() string {
	return s.basePath
}

// ExportDir is where SaveExport writes.
func (s *FileSystemStore) ExportDir() string {
	return s.exportDir
}

// Health and utilities
func (s *FileSystemStore) Ping() error {
	_, err := os.Stat(s.basePath)
	return err
}

func (s *FileSystemStore) Close() error {
	return nil
}

func (s *FileSystemStore) saveVersioned(path string, data []byte, expectedVersion, op string) (string, error) {
	if data == nil {
		return "", fmt.Errorf("%s: data cannot be nil", op)
	}

	// Validate expected version if provided
	if expectedVersion != "" {
		currentVersion, err := getFileVersion(path)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       op,
			}
		}
	}

	if err := writeSecureFile(path, data, FilePermissions); err != nil {
		return "", err
	}

	// Calculate and return new version based on what was actually written
	return calculateFileVersion(data), nil
}

func loadVersioned(path string) (*VersionedData, error) {
	fileInfo, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

// Helper methods for versioning support
func getFileVersion(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil // File doesn't exist, version is empty
		}
		return "", err
	}
	return calculateFileVersion(data), nil
}

func calculateFileVersion(data []byte) string {
	// Use MD5 hash of file contents as version identifier
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}

func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	return writeSecureFileContext(context.Background(), path, data, perm)
}

// writeSecureFileContext writes to a temp file in the target directory and renames it
// into place. A cancelled ctx is honoured up to the rename, never after it.
func writeSecureFileContext(ctx context.Context, path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = ctx.Err(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write of %s abandoned: %w", filepath.Base(path), err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", filepath.Base(path), err)
	}
	return nil
}
