// Package keystore provides the key-encryption-key backends used by the key
// vault. A Provider owns KEKs addressed by alias and wraps or unwraps data
// encryption keys with them; the KEK material itself never leaves the
// provider.
package keystore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrKeyUnavailable is returned when no key exists for an alias.
	ErrKeyUnavailable = errors.New("key unavailable")

	// ErrKeyInvalidated is returned when a key exists but can never be used
	// again, for example after a biometric enrollment change.
	ErrKeyInvalidated = errors.New("key permanently invalidated")
)

// KeyHandle references a key held by a Provider.
type KeyHandle struct {
	Alias     string
	Backend   string
	CreatedAt time.Time
}

// Provider is a crypto primitive provider holding KEKs.
type Provider interface {
	// CreateOrRetrieveKey returns the key stored under alias, creating it when
	// absent. accessControl is the platform access-control handle produced
	// by the resolver; it may be nil for unprotected keys.
	CreateOrRetrieveKey(ctx context.Context, alias string, accessControl any) (KeyHandle, error)

	// RetrieveKey fails with ErrKeyUnavailable or ErrKeyInvalidated.
	RetrieveKey(ctx context.Context, alias string) (KeyHandle, error)

	Encrypt(ctx context.Context, plaintext []byte, key KeyHandle) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte, key KeyHandle) ([]byte, error)

	// DeleteKey removes the key. Deleting an unknown alias is not an error.
	DeleteKey(ctx context.Context, alias string) error

	// Backend names the storage backend recorded in item metadata.
	Backend() string
}
