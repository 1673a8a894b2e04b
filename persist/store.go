package persist

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when an item or a settings blob does not exist.
var ErrNotFound = errors.New("not found")

// Item is one stored value: the ciphertext envelope produced by the key vault
// and the metadata bytes describing how it is protected.
type Item struct {
	Key        string    `json:"key"`
	Service    string    `json:"service"`
	Ciphertext string    `json:"ciphertext"`
	Metadata   []byte    `json:"metadata,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// VersionedData is a settings blob together with the version used for
// optimistic concurrency control.
type VersionedData struct {
	Data      []byte
	Version   string // ETag, version number, or hash
	Timestamp time.Time
}

// ItemStore persists items grouped by service. Put overwrites an existing
// item atomically.
type ItemStore interface {
	// GetAll returns every item stored under service, ordered by key.
	GetAll(ctx context.Context, service string) ([]Item, error)

	// Get returns a single item or ErrNotFound.
	Get(ctx context.Context, key, service string) (*Item, error)

	Put(ctx context.Context, item Item) error

	// Delete removes an item; it returns ErrNotFound when nothing was stored.
	Delete(ctx context.Context, key, service string) error

	// ListServices returns the services that hold at least one item, sorted.
	ListServices(ctx context.Context) ([]string, error)
}

// SettingsStore keeps small named blobs (key registry, sealed keys) with
// optimistic concurrency. An empty expectedVersion skips the version check.
type SettingsStore interface {
	LoadSettings(ctx context.Context, name string) (*VersionedData, error)
	SaveSettings(ctx context.Context, name string, data []byte, expectedVersion string) (newVersion string, err error)
}

// Store is the full storage backend used by the key vault.
type Store interface {
	ItemStore
	SettingsStore

	Ping(ctx context.Context) error // Test connectivity for remote backends
	Close() error
	GetType() string
}

// StoreConfig selects and configures a backend.
type StoreConfig struct {
	Type StoreType `json:"type"`

	Config map[string]interface{} `json:"config"`
}

type StoreType string

const (
	StoreTypeMemory     StoreType = "memory"
	StoreTypeFileSystem StoreType = "filesystem"
	StoreTypeS3         StoreType = "s3"
	StoreTypeSQLite     StoreType = "sqlite"
	StoreTypeMongo      StoreType = "mongo"
)

// ConcurrencyError reports a lost optimistic-concurrency race.
type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	Operation       string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict in %s: expected version %s, but found %s",
		e.Operation, e.ExpectedVersion, e.ActualVersion)
}

func (e ConcurrencyError) IsConcurrencyError() bool {
	return true
}

// contentVersion derives a version identifier from content, the way an S3
// ETag does for single part uploads.
func contentVersion(data []byte) string {
	hash := md5.Sum(data)
	return hex.EncodeToString(hash[:])
}
