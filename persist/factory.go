package persist

import (
	"context"
	"fmt"
	"strings"
)

const (
	maxServiceLength = 100
	maxKeyLength     = 256
)

// NewStore creates a Store from the given configuration.
func NewStore(ctx context.Context, config StoreConfig) (Store, error) {
	switch config.Type {
	case StoreTypeMemory, "":
		return NewMemoryStore(), nil

	case StoreTypeFileSystem:
		basePath, ok := config.Config["base_path"].(string)
		if !ok {
			return nil, fmt.Errorf("filesystem storage requires 'base_path' in config")
		}
		return NewFileSystemStore(basePath)

	case StoreTypeS3:
		return NewS3StoreFromConfig(ctx, config)

	case StoreTypeSQLite:
		path, ok := config.Config["path"].(string)
		if !ok {
			return nil, fmt.Errorf("sqlite storage requires 'path' in config")
		}
		return NewSQLiteStore(ctx, path)

	case StoreTypeMongo:
		uri, ok := config.Config["uri"].(string)
		if !ok {
			return nil, fmt.Errorf("mongo storage requires 'uri' in config")
		}
		database, _ := config.Config["database"].(string)
		return NewMongoStore(ctx, uri, database)

	default:
		return nil, fmt.Errorf("unsupported store type: %s", config.Type)
	}
}

// ValidateService checks a service name before it is used as a path component.
func ValidateService(service string) error {
	if service == "" {
		return fmt.Errorf("service cannot be empty")
	}

	if strings.Contains(service, "..") ||
		strings.Contains(service, "/") ||
		strings.Contains(service, "\\") ||
		strings.Contains(service, " ") ||
		strings.ContainsRune(service, 0) {
		return fmt.Errorf("service contains invalid characters")
	}

	if len(service) > maxServiceLength {
		return fmt.Errorf("service too long (max %d characters)", maxServiceLength)
	}

	return nil
}

// ValidateKey checks an item key.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key cannot be empty")
	}
	if strings.Contains(key, "..") ||
		strings.Contains(key, "/") ||
		strings.Contains(key, "\\") ||
		strings.ContainsRune(key, 0) {
		return fmt.Errorf("key contains invalid characters")
	}
	if len(key) > maxKeyLength {
		return fmt.Errorf("key too long (max %d characters)", maxKeyLength)
	}
	return nil
}

func validateSettingsName(name string) error {
	if err := ValidateService(name); err != nil {
		return fmt.Errorf("invalid settings name: %w", err)
	}
	return nil
}

func validateItem(item Item) error {
	if err := ValidateService(item.Service); err != nil {
		return fmt.Errorf("invalid service: %w", err)
	}
	if err := ValidateKey(item.Key); err != nil {
		return fmt.Errorf("invalid key: %w", err)
	}
	return nil
}
