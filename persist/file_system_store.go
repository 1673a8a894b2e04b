package persist

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"southwinds.dev/keyvault/internal/misc"
)

const (
	FilePermissions = misc.FilePermissions
	DirPermissions  = misc.DirPermissions

	itemExt = ".item"
)

// FileSystemStore implements Store on a local directory tree:
//
//	basePath/
//	├── items/
//	│   └── <service>/<base64url(key)>.item   # JSON encoded Item
//	└── settings/
//	    └── <name>                            # raw settings blob
type FileSystemStore struct {
	basePath    string
	itemsDir    string
	settingsDir string

	// serialises settings version checks with their writes within this process
	settingsMu sync.Mutex
}

// NewFileSystemStore initializes and returns a new instance of FileSystemStore
func NewFileSystemStore(basePath string) (*FileSystemStore, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}

	fs := &FileSystemStore{
		basePath:    basePath,
		itemsDir:    filepath.Join(basePath, "items"),
		settingsDir: filepath.Join(basePath, "settings"),
	}

	for _, dir := range []string{fs.basePath, fs.itemsDir, fs.settingsDir} {
		if err := os.MkdirAll(dir, DirPermissions); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return fs, nil
}

func (fs *FileSystemStore) GetAll(ctx context.Context, service string) ([]Item, error) {
	if err := ValidateService(service); err != nil {
		return nil, fmt.Errorf("invalid service: %w", err)
	}

	entries, err := os.ReadDir(filepath.Join(fs.itemsDir, service))
	if err != nil {
		if os.IsNotExist(err) {
			return []Item{}, nil
		}
		return nil, fmt.Errorf("failed to read service directory: %w", err)
	}

	items := make([]Item, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), itemExt) {
			continue
		}
		item, err := readItemFile(filepath.Join(fs.itemsDir, service, entry.Name()))
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items, nil
}

func (fs *FileSystemStore) Get(ctx context.Context, key, service string) (*Item, error) {
	if err := ValidateService(service); err != nil {
		return nil, fmt.Errorf("invalid service: %w", err)
	}
	item, err := readItemFile(fs.itemPath(key, service))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return item, nil
}

func (fs *FileSystemStore) Put(ctx context.Context, item Item) error {
	if err := validateItem(item); err != nil {
		return err
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = time.Now().UTC()
	}

	if err := os.MkdirAll(filepath.Join(fs.itemsDir, item.Service), DirPermissions); err != nil {
		return fmt.Errorf("failed to create service directory: %w", err)
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}

	return writeSecureFile(fs.itemPath(item.Key, item.Service), data, FilePermissions)
}

func (fs *FileSystemStore) Delete(ctx context.Context, key, service string) error {
	if err := ValidateService(service); err != nil {
		return fmt.Errorf("invalid service: %w", err)
	}
	if err := os.Remove(fs.itemPath(key, service)); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete item: %w", err)
	}

	// drop the service directory once it is empty so ListServices stays accurate
	serviceDir := filepath.Join(fs.itemsDir, service)
	if entries, err := os.ReadDir(serviceDir); err == nil && len(entries) == 0 {
		_ = os.Remove(serviceDir)
	}
	return nil
}

func (fs *FileSystemStore) ListServices(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(fs.itemsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read items directory: %w", err)
	}

	services := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			services = append(services, entry.Name())
		}
	}
	sort.Strings(services)
	return services, nil
}

func (fs *FileSystemStore) LoadSettings(ctx context.Context, name string) (*VersionedData, error) {
	if err := validateSettingsName(name); err != nil {
		return nil, err
	}

	path := filepath.Join(fs.settingsDir, name)
	fileInfo, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to stat settings %s: %w", name, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings %s: %w", name, err)
	}

	return &VersionedData{
		Data:      data,
		Version:   contentVersion(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

func (fs *FileSystemStore) SaveSettings(ctx context.Context, name string, data []byte, expectedVersion string) (string, error) {
	if err := validateSettingsName(name); err != nil {
		return "", err
	}
	if data == nil {
		return "", fmt.Errorf("settings data cannot be nil")
	}

	fs.settingsMu.Lock()
	defer fs.settingsMu.Unlock()

	path := filepath.Join(fs.settingsDir, name)
	if expectedVersion != "" {
		currentVersion, err := getFileVersion(path)
		if err != nil {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if currentVersion != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   currentVersion,
				Operation:       "SaveSettings",
			}
		}
	}

	if err := writeSecureFile(path, data, FilePermissions); err != nil {
		return "", err
	}

	return contentVersion(data), nil
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

// Health and utilities
func (fs *FileSystemStore) Ping(ctx context.Context) error {
	_, err := os.Stat(fs.basePath)
	return err
}

func (fs *FileSystemStore) Close() error {
	return nil
}

func (fs *FileSystemStore) itemPath(key, service string) string {
	return filepath.Join(fs.itemsDir, service, base64.RawURLEncoding.EncodeToString([]byte(key))+itemExt)
}

func readItemFile(path string) (*Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to read item: %w", err)
	}
	var item Item
	if err = json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal item %s: %w", filepath.Base(path), err)
	}
	return &item, nil
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
	return contentVersion(data), nil
}

func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
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

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
