package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS items (
	service    TEXT NOT NULL,
	key        TEXT NOT NULL,
	ciphertext TEXT NOT NULL,
	metadata   BLOB,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (service, key)
);

CREATE TABLE IF NOT EXISTS settings (
	name       TEXT PRIMARY KEY,
	data       BLOB NOT NULL,
	version    TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// SQLiteStore implements Store on a single SQLite database file. Use
// ":memory:" for a throwaway database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (or creates) the database at path and applies the schema.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}
	if path == ":memory:" {
		// every pooled connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err = db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	if _, err = db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

func (s *SQLiteStore) GetAll(ctx context.Context, service string) ([]Item, error) {
	if err := ValidateService(service); err != nil {
		return nil, fmt.Errorf("invalid service: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT key, service, ciphertext, metadata, updated_at FROM items WHERE service = ? ORDER BY key`,
		service)
	if err != nil {
		return nil, fmt.Errorf("failed to query items: %w", err)
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) Get(ctx context.Context, key, service string) (*Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT key, service, ciphertext, metadata, updated_at FROM items WHERE service = ? AND key = ?`,
		service, key)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return item, err
}

func (s *SQLiteStore) Put(ctx context.Context, item Item) error {
	if err := validateItem(item); err != nil {
		return err
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (service, key, ciphertext, metadata, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(service, key) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			metadata   = excluded.metadata,
			updated_at = excluded.updated_at`,
		item.Service, item.Key, item.Ciphertext, item.Metadata, item.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save item: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key, service string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE service = ? AND key = ?`, service, key)
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListServices(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT service FROM items ORDER BY service`)
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	defer rows.Close()

	services := []string{}
	for rows.Next() {
		var service string
		if err = rows.Scan(&service); err != nil {
			return nil, err
		}
		services = append(services, service)
	}
	return services, rows.Err()
}

func (s *SQLiteStore) LoadSettings(ctx context.Context, name string) (*VersionedData, error) {
	var (
		data      []byte
		version   string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT data, version, updated_at FROM settings WHERE name = ?`, name).
		Scan(&data, &version, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load settings %s: %w", name, err)
	}
	return &VersionedData{
		Data:      data,
		Version:   version,
		Timestamp: time.Unix(0, updatedAt).UTC(),
	}, nil
}

func (s *SQLiteStore) SaveSettings(ctx context.Context, name string, data []byte, expectedVersion string) (string, error) {
	if err := validateSettingsName(name); err != nil {
		return "", err
	}
	if data == nil {
		return "", fmt.Errorf("settings data cannot be nil")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if expectedVersion != "" {
		var current string
		err = tx.QueryRowContext(ctx, `SELECT version FROM settings WHERE name = ?`, name).Scan(&current)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("failed to check current version: %w", err)
		}
		if current != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   current,
				Operation:       "SaveSettings",
			}
		}
	}

	version := contentVersion(data)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO settings (name, data, version, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			data       = excluded.data,
			version    = excluded.version,
			updated_at = excluded.updated_at`,
		name, data, version, time.Now().UTC().UnixNano())
	if err != nil {
		return "", fmt.Errorf("failed to save settings %s: %w", name, err)
	}

	if err = tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit settings %s: %w", name, err)
	}
	return version, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetType() string {
	return string(StoreTypeSQLite)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (*Item, error) {
	var (
		item      Item
		updatedAt int64
	)
	if err := row.Scan(&item.Key, &item.Service, &item.Ciphertext, &item.Metadata, &updatedAt); err != nil {
		return nil, err
	}
	item.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &item, nil
}
