package persist

import (
	"fmt"
)

// NewStore creates the backend holding the active vault files.
func NewStore(config StoreConfig) (Store, error) {
	switch config.Type {
	case StoreTypeFileSystem, "":
		return NewFileSystemStoreFromConfig(config)

	case StoreTypeS3:
		return nil, fmt.Errorf("store type %s can only hold exports", config.Type)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// NewExportStore creates a destination for export copies.
func NewExportStore(config StoreConfig) (ExportStore, error) {
	switch config.Type {
	case StoreTypeFileSystem:
		return NewFileSystemStoreFromConfig(config)

	case StoreTypeS3:
		return NewS3ExportStoreFromConfig(config)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// validateExportName rejects names that could escape the export location.
func validateExportName(name string) error {
	if name == "" {
		return fmt.Errorf("export name cannot be empty")
	}

	for _, r := range name {
		switch {
		case r == '/' || r == '\\':
			return fmt.Errorf("export name contains invalid characters")
		case r < 0x20:
			return fmt.Errorf("export name contains control characters")
		}
	}
	if name == "." || name == ".." {
		return fmt.Errorf("export name contains invalid characters")
	}

	if len(name) > 255 {
		return fmt.Errorf("export name too long (max 255 characters)")
	}

	return nil
}
