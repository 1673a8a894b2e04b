// Package keyvault provides a secure key-value store for secrets such as
// tokens and credentials. Values are protected by envelope encryption: each
// item is sealed under its own data encryption key (DEK), and the DEK is
// wrapped by a versioned key encryption key (KEK) held by a key provider.
//
// Key Features:
//   - Access control negotiated against device capabilities, with graceful
//     downgrade to the strongest policy the device supports
//   - KEK rotation, manual or scheduled, without making old items unreadable
//   - Background re-encryption of items to the current KEK version
//   - Migration of items written before envelopes existed
//   - Invalidation handling for biometric and device credential changes
//   - Audit logging of every state-changing operation
//
// Basic Usage:
//
//	store := persist.NewMemoryStore()
//	provider, err := keystore.NewSoftware(ctx, keystore.SoftwareOptions{Settings: store, Passphrase: passphrase})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	kv, err := keyvault.New(ctx, keyvault.DefaultOptions(), keyvault.Dependencies{Store: store, Provider: provider})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer kv.Close()
//
//	md, err := kv.SetItem(ctx, "api-token", "s3cr3t", keyvault.ItemOptions{Service: "payments"})
//	item, err := kv.GetItem(ctx, "api-token", "payments")
package keyvault

import (
	"context"
)

// Service is the public surface of a Keystore.
type Service interface {
	// SetItem encrypts value under the current KEK version and stores it.
	// The returned metadata records the policy and tier actually achieved.
	SetItem(ctx context.Context, key, value string, opts ItemOptions) (StorageMetadata, error)

	// GetItem decrypts an item, whichever KEK version or envelope format it
	// was written with.
	GetItem(ctx context.Context, key, service string) (*Item, error)

	HasItem(ctx context.Context, key, service string) (bool, error)
	DeleteItem(ctx context.Context, key, service string) error

	// GetAllItems decrypts every item of a service. Per-item failures are
	// reported in Item.Err.
	GetAllItems(ctx context.Context, service string) ([]Item, error)

	ClearService(ctx context.Context, service string) (int, error)

	Capabilities(ctx context.Context) CapabilitySnapshot
	ResolveAccessControl(ctx context.Context, policy AccessPolicy) (AccessControlContext, error)

	// InitializeRotation stores the rotation policy and starts the scheduler
	// when the policy is enabled.
	InitializeRotation(ctx context.Context, policy RotationPolicy) error
	UpdateRotationPolicy(ctx context.Context, policy RotationPolicy) error

	// RotateKeys generates a new KEK version. A rotation that is already
	// running makes it fail with RotationInProgress; a policy that does not
	// call for it makes it fail with RotationNotNeeded unless forced.
	RotateKeys(ctx context.Context, opts RotateOptions) (*RotationResult, error)

	ReEncrypt(ctx context.Context, services ...string) (*ReEncryptResult, error)
	RotationStatus() RotationStatus
	OnRotationEvent(fn EventHandler) func()

	// MigrateToVersionedEnvelopes wraps legacy items in envelopes. It is safe
	// to run more than once.
	MigrateToVersionedEnvelopes(ctx context.Context, current KeyVersion, opts MigrationOptions) (*MigrationResult, error)
	ValidateMigrationReadiness(ctx context.Context, service string) (*MigrationReadiness, error)
	PreviewMigration(ctx context.Context, service string) ([]MigrationPreviewEntry, error)

	RetireKeyVersion(ctx context.Context, id string) error
	PruneKeyVersions(ctx context.Context) ([]string, error)
	KeyVersions() []KeyVersionInfo

	// HandleKeyInvalidated reacts to a key the platform reports permanently
	// unusable.
	HandleKeyInvalidated(ctx context.Context, alias string, cause InvalidationCause)
	CheckEnrollment(ctx context.Context)

	Close() error
}

var _ Service = (*Keystore)(nil)
