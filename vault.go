package keyvault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog"

	"southwinds.dev/keyvault/audit"
	"southwinds.dev/keyvault/internal/mem"
	"southwinds.dev/keyvault/keystore"
	"southwinds.dev/keyvault/persist"
)

// Dependencies are the collaborators a Keystore is built on.
type Dependencies struct {
	// Store persists items and the key registry. Required.
	Store persist.Store

	// Provider holds the KEKs. Required.
	Provider keystore.Provider

	// Probe reports device capabilities. Nil means software only.
	Probe CapabilityProbe

	// Audit receives the security audit trail. Nil disables auditing.
	Audit audit.Logger

	// HandleFactory allocates platform access-control handles. Nil uses
	// DefaultHandleFactory.
	HandleFactory HandleFactory
}

// ItemOptions select where an item lives and how it is protected.
type ItemOptions struct {
	// Service is the item namespace. Empty means Options.DefaultService.
	Service string

	// AccessControl is the requested policy. Empty means
	// Options.DefaultAccessPolicy.
	AccessControl AccessPolicy
}

// Item is a decrypted item. Err is set by GetAllItems for items that could
// not be decrypted.
type Item struct {
	Key      string          `json:"key"`
	Service  string          `json:"service"`
	Value    string          `json:"value,omitempty"`
	Metadata StorageMetadata `json:"metadata"`
	Err      error           `json:"-"`
}

// Keystore is a secure key-value store. Values are sealed under per-item
// DEKs wrapped by a versioned KEK; the KEK can be rotated while items stay
// readable, and items written before envelopes existed can be migrated.
type Keystore struct {
	opts     Options
	store    persist.Store
	provider keystore.Provider

	caps         *CapabilityProvider
	resolver     *Resolver
	registry     *KeyRegistry
	cipher       *itemCipher
	rotation     *RotationEngine
	migrator     *Migrator
	invalidation *InvalidationHandler
	retirer      *retirer
	events       *EventBus
	audit        *auditor
	auditLogger  audit.Logger
	locks        *itemLocks

	memoryProtection mem.ProtectionLevel
	closed           atomic.Bool
	closeOnce        sync.Once

	log zerolog.Logger
}

// New builds a Keystore.
//
// Initialisation performs the following steps:
//  1. Applies defaults to opts and validates them
//  2. Verifies storage connectivity
//  3. Locks process memory when EnableMemoryLock is set (best effort)
//  4. Loads the key registry
//  5. Recovers from a rotation interrupted by a crash: the in-progress flag
//     is cleared and items are swept to the current key version
//
// The rotation scheduler is not started; call InitializeRotation.
func New(ctx context.Context, opts Options, deps Dependencies) (*Keystore, error) {
	opts = opts.withDefaults()
	if err := opts.Validate(); err != nil {
		return nil, newError(KindInvalidInput, "New", "", err)
	}
	if deps.Store == nil {
		return nil, errorf(KindInvalidInput, "New", "store is required")
	}
	if deps.Provider == nil {
		return nil, errorf(KindInvalidInput, "New", "key provider is required")
	}
	if err := deps.Store.Ping(ctx); err != nil {
		return nil, newError(KindStorageFailure, "New", "", fmt.Errorf("failed to connect to storage backend: %w", err))
	}

	log := opts.Logger.With().Str("component", "keyvault").Logger()
	if deps.Audit == nil {
		deps.Audit = audit.NewNoOpLogger()
	}
	if deps.HandleFactory == nil {
		deps.HandleFactory = DefaultHandleFactory(opts.InvalidateOnBiometricEnrollment)
	}

	k := &Keystore{
		opts:        opts,
		store:       deps.Store,
		provider:    deps.Provider,
		events:      NewEventBus(opts.Logger.With().Str("component", "events").Logger()),
		audit:       newAuditor(deps.Audit, log),
		auditLogger: deps.Audit,
		locks:       &itemLocks{},
		log:         log,
	}

	if opts.EnableMemoryLock {
		level, err := mem.Lock()
		if err != nil {
			// memguard enclaves still protect key material
			log.Warn().Err(err).Msg("cannot fully protect memory")
		}
		k.memoryProtection = level
	}

	k.caps = NewCapabilityProvider(deps.Probe, opts.Logger.With().Str("component", "capability").Logger())
	k.resolver = NewResolver(k.caps, deps.HandleFactory, opts.Logger.With().Str("component", "resolver").Logger())
	k.registry = NewKeyRegistry(deps.Store, opts.RegistryName, deps.Provider, opts.Logger.With().Str("component", "registry").Logger())
	k.cipher = &itemCipher{provider: deps.Provider, algorithm: opts.Algorithm, legacyKeyAlias: opts.LegacyKeyAlias}
	k.retirer = &retirer{
		registry: k.registry,
		provider: deps.Provider,
		items:    deps.Store,
		audit:    k.audit,
		grace:    opts.KeyRetentionGrace,
		log:      opts.Logger.With().Str("component", "retire").Logger(),
	}
	sweeper := &reEncryptor{
		items:       deps.Store,
		cipher:      k.cipher,
		resolver:    k.resolver,
		locks:       k.locks,
		concurrency: opts.ReEncryptionConcurrency,
		log:         opts.Logger.With().Str("component", "reencrypt").Logger(),
	}
	k.rotation = newRotationEngine(k.registry, deps.Provider, k.resolver, deps.Store, sweeper, k.retirer, k.events, k.audit, opts)
	k.migrator = newMigrator(deps.Store, k.locks, k.audit, opts)
	k.invalidation = newInvalidationHandler(deps.Provider, k.caps, k.rotation, k.events, k.audit, opts.Logger)
	k.rotation.onTick = k.invalidation.Tick

	interrupted, err := k.registry.Load(ctx)
	if err != nil {
		return nil, newError(KindStorageFailure, "New", "", err)
	}
	k.invalidation.Observe(k.caps.Snapshot(ctx))

	if interrupted {
		k.recoverInterruptedRotation(ctx)
	}

	log.Info().Str("store", deps.Store.GetType()).Str("backend", deps.Provider.Backend()).
		Str("memory_protection", k.memoryProtection.String()).Msg("keystore initialized")
	return k, nil
}

func (k *Keystore) recoverInterruptedRotation(ctx context.Context) {
	k.log.Warn().Msg("previous key rotation was interrupted, recovering")

	if err := k.registry.EndRotation(ctx, time.Now(), errors.New("rotation interrupted")); err != nil {
		k.log.Error().Err(err).Msg("failed to clear interrupted rotation flag")
	}

	current, ok := k.registry.Current()
	if !ok || !k.registry.Policy().BackgroundReEncryption {
		return
	}
	result, err := k.rotation.ReEncrypt(ctx, nil)
	if err != nil {
		k.log.Error().Err(err).Msg("recovery re-encryption failed")
		return
	}
	k.log.Info().Str("key_version", current.ID).Int("items_reencrypted", result.ItemsReEncrypted).
		Int("items_failed", len(result.Errors)).Msg("recovery re-encryption finished")
}

// SetItem encrypts value and stores it under key.
//
// The requested access policy is negotiated against the device capabilities;
// the achieved policy and tier are recorded in the returned metadata. The
// value is sealed under a fresh DEK wrapped by the current KEK version, which
// is created on first use.
//
// Errors:
//   - InvalidInput for a malformed key, service, policy or an empty value
//   - KeyInvalidated when the KEK became unusable; the invalidation handler
//     has run and the call may be retried
//   - StorageFailure when the store rejects the write
func (k *Keystore) SetItem(ctx context.Context, key, value string, opts ItemOptions) (StorageMetadata, error) {
	const op = "SetItem"

	service, err := k.validate(op, key, opts.Service)
	if err != nil {
		return StorageMetadata{}, err
	}
	if value == "" {
		return StorageMetadata{}, errorf(KindInvalidInput, op, "value cannot be empty")
	}
	requested := opts.AccessControl
	if requested == "" {
		requested = k.opts.DefaultAccessPolicy
	}

	requestID := newRequestID()
	md, err := k.setItem(ctx, service, key, []byte(value), requested)

	k.audit.record(requestID, ActionItemSet, err, map[string]interface{}{
		"item_key":       key,
		"service":        service,
		"access_control": string(md.AccessControl),
		"security_level": string(md.SecurityLevel),
		"key_version":    md.KeyAlias,
	})
	if err != nil {
		if KindOf(err) == KindKeyInvalidated {
			k.invalidation.HandleKeyInvalidated(ctx, k.invalidAlias(err), k.invalidationCause(ctx, requested))
		}
		return StorageMetadata{}, err
	}
	return md, nil
}

func (k *Keystore) setItem(ctx context.Context, service, key string, value []byte, requested AccessPolicy) (StorageMetadata, error) {
	const op = "SetItem"

	ac, err := k.resolver.Resolve(ctx, requested)
	if err != nil {
		return StorageMetadata{}, err
	}
	current, err := k.currentVersion(ctx)
	if err != nil {
		return StorageMetadata{}, err
	}

	unlock := k.locks.lock(service, key)
	defer unlock()

	out, err := k.cipher.seal(ctx, service, key, value, ac, current.ID)
	if err != nil {
		return StorageMetadata{}, err
	}
	mdBytes, err := EncodeMetadata(out.metadata)
	if err != nil {
		return StorageMetadata{}, err
	}
	if err = k.store.Put(ctx, persist.Item{Key: key, Service: service, Ciphertext: out.ciphertext, Metadata: mdBytes}); err != nil {
		return StorageMetadata{}, storageError(op, key, err)
	}
	return out.metadata, nil
}

// GetItem decrypts the item stored under key. An item whose KEK has been
// invalidated is routed to the invalidation handler and fails with
// KeyInvalidated.
func (k *Keystore) GetItem(ctx context.Context, key, service string) (*Item, error) {
	const op = "GetItem"

	service, err := k.validate(op, key, service)
	if err != nil {
		return nil, err
	}
	stored, err := k.store.Get(ctx, key, service)
	if err != nil {
		return nil, storageError(op, key, err)
	}
	return k.openItem(ctx, *stored)
}

func (k *Keystore) openItem(ctx context.Context, stored persist.Item) (*Item, error) {
	md := DecodeMetadata(stored.Metadata, k.log)
	value, err := k.cipher.open(ctx, stored, md)
	if err != nil {
		if KindOf(err) == KindKeyInvalidated {
			k.invalidation.HandleKeyInvalidated(ctx, k.invalidAlias(err), k.invalidationCause(ctx, md.AccessControl))
		}
		return nil, err
	}
	defer memguard.WipeBytes(value)

	return &Item{Key: stored.Key, Service: stored.Service, Value: string(value), Metadata: md}, nil
}

// HasItem reports whether key exists without decrypting it.
func (k *Keystore) HasItem(ctx context.Context, key, service string) (bool, error) {
	const op = "HasItem"

	service, err := k.validate(op, key, service)
	if err != nil {
		return false, err
	}
	if _, err = k.store.Get(ctx, key, service); err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return false, nil
		}
		return false, storageError(op, key, err)
	}
	return true, nil
}

// DeleteItem removes key. Deleting a missing item fails with ItemNotFound.
func (k *Keystore) DeleteItem(ctx context.Context, key, service string) error {
	const op = "DeleteItem"

	service, err := k.validate(op, key, service)
	if err != nil {
		return err
	}

	unlock := k.locks.lock(service, key)
	err = k.store.Delete(ctx, key, service)
	unlock()
	if err != nil {
		err = storageError(op, key, err)
	}

	k.audit.record(newRequestID(), ActionItemDelete, err, map[string]interface{}{"item_key": key, "service": service})
	return err
}

// GetAllItems decrypts every item of a service. Items that cannot be
// decrypted are returned with Err set instead of failing the call.
func (k *Keystore) GetAllItems(ctx context.Context, service string) ([]Item, error) {
	const op = "GetAllItems"

	service, err := k.validateService(op, service)
	if err != nil {
		return nil, err
	}
	stored, err := k.store.GetAll(ctx, service)
	if err != nil {
		return nil, storageError(op, service, err)
	}

	items := make([]Item, 0, len(stored))
	for _, s := range stored {
		item, err := k.openItem(ctx, s)
		if err != nil {
			items = append(items, Item{
				Key:      s.Key,
				Service:  s.Service,
				Metadata: DecodeMetadata(s.Metadata, k.log),
				Err:      err,
			})
			continue
		}
		items = append(items, *item)
	}
	return items, nil
}

// ClearService deletes every item of a service and returns how many were
// removed.
func (k *Keystore) ClearService(ctx context.Context, service string) (int, error) {
	const op = "ClearService"

	service, err := k.validateService(op, service)
	if err != nil {
		return 0, err
	}
	stored, err := k.store.GetAll(ctx, service)
	if err != nil {
		return 0, storageError(op, service, err)
	}

	removed := 0
	var errs []error
	for _, s := range stored {
		if err = k.DeleteItem(ctx, s.Key, service); err != nil {
			if KindOf(err) == KindItemNotFound {
				continue
			}
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if len(errs) > 0 {
		return removed, newError(KindPartialFailure, op, service, errors.Join(errs...))
	}
	return removed, nil
}

// MemoryProtection reports how process memory holding key material is
// protected.
func (k *Keystore) MemoryProtection() string {
	return k.memoryProtection.String()
}

// Capabilities returns the cached capability snapshot.
func (k *Keystore) Capabilities(ctx context.Context) CapabilitySnapshot {
	return k.caps.Snapshot(ctx)
}

// ResolveAccessControl negotiates policy without storing anything.
func (k *Keystore) ResolveAccessControl(ctx context.Context, policy AccessPolicy) (AccessControlContext, error) {
	return k.resolver.Resolve(ctx, policy)
}

// InitializeRotation stores policy and starts the scheduler when the policy
// is enabled.
func (k *Keystore) InitializeRotation(ctx context.Context, policy RotationPolicy) error {
	if err := k.checkOpen("InitializeRotation"); err != nil {
		return err
	}
	return k.rotation.Initialize(ctx, policy)
}

func (k *Keystore) UpdateRotationPolicy(ctx context.Context, policy RotationPolicy) error {
	if err := k.checkOpen("UpdateRotationPolicy"); err != nil {
		return err
	}
	return k.rotation.UpdatePolicy(ctx, policy)
}

// RotateKeys rotates the KEK. See RotationEngine.Rotate.
func (k *Keystore) RotateKeys(ctx context.Context, opts RotateOptions) (*RotationResult, error) {
	if err := k.checkOpen("RotateKeys"); err != nil {
		return nil, err
	}
	return k.rotation.Rotate(ctx, opts)
}

// ReEncrypt moves the items of the given services, or of every service, to
// the current KEK version. It shares the rotation guard.
func (k *Keystore) ReEncrypt(ctx context.Context, services ...string) (*ReEncryptResult, error) {
	if err := k.checkOpen("ReEncrypt"); err != nil {
		return nil, err
	}
	return k.rotation.ReEncrypt(ctx, services)
}

func (k *Keystore) RotationStatus() RotationStatus {
	return k.rotation.Status()
}

// OnRotationEvent subscribes fn to rotation and invalidation events. The
// returned function unsubscribes.
func (k *Keystore) OnRotationEvent(fn EventHandler) func() {
	return k.events.Subscribe(fn)
}

// MigrateToVersionedEnvelopes wraps legacy items in envelopes tagged with
// current. An empty current uses the current KEK version.
func (k *Keystore) MigrateToVersionedEnvelopes(ctx context.Context, current KeyVersion, opts MigrationOptions) (*MigrationResult, error) {
	if err := k.checkOpen("MigrateToVersionedEnvelopes"); err != nil {
		return nil, err
	}
	if current.ID == "" {
		v, err := k.currentVersion(ctx)
		if err != nil {
			return nil, err
		}
		current = v
	}
	return k.migrator.Migrate(ctx, current, opts)
}

func (k *Keystore) ValidateMigrationReadiness(ctx context.Context, service string) (*MigrationReadiness, error) {
	return k.migrator.ValidateReadiness(ctx, service)
}

func (k *Keystore) PreviewMigration(ctx context.Context, service string) ([]MigrationPreviewEntry, error) {
	return k.migrator.Preview(ctx, service)
}

// RetireKeyVersion deletes an unreferenced, non-current KEK version.
func (k *Keystore) RetireKeyVersion(ctx context.Context, id string) error {
	if err := k.checkOpen("RetireKeyVersion"); err != nil {
		return err
	}
	return k.retirer.retireOne(ctx, id)
}

// PruneKeyVersions retires versions beyond the policy maximum that are safe
// to remove.
func (k *Keystore) PruneKeyVersions(ctx context.Context) ([]string, error) {
	if err := k.checkOpen("PruneKeyVersions"); err != nil {
		return nil, err
	}
	return k.retirer.prune(ctx, k.registry.Policy().MaxKeyVersions)
}

// KeyVersions returns the registry records of all non-retired versions.
func (k *Keystore) KeyVersions() []KeyVersionInfo {
	return k.registry.Versions()
}

// HandleKeyInvalidated is the entry point for platform invalidation signals.
func (k *Keystore) HandleKeyInvalidated(ctx context.Context, alias string, cause InvalidationCause) {
	k.invalidation.HandleKeyInvalidated(ctx, alias, cause)
}

// CheckEnrollment re-probes capabilities and reacts to enrollment changes.
func (k *Keystore) CheckEnrollment(ctx context.Context) {
	k.invalidation.CheckEnrollment(ctx)
}

// Close stops the scheduler and closes the audit logger. The store and the
// key provider belong to the caller.
func (k *Keystore) Close() error {
	var errs []error
	k.closeOnce.Do(func() {
		k.closed.Store(true)
		k.rotation.Stop()

		if err := k.auditLogger.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close audit logger: %w", err))
		}
		if k.memoryProtection != mem.ProtectionNone {
			if err := mem.Unlock(); err != nil {
				errs = append(errs, fmt.Errorf("failed to unlock memory: %w", err))
			}
		}
	})
	return errors.Join(errs...)
}

// currentVersion returns the current KEK version, creating the first one.
func (k *Keystore) currentVersion(ctx context.Context) (KeyVersion, error) {
	if current, ok := k.registry.Current(); ok {
		return current, nil
	}
	kekAccess, err := k.resolver.Resolve(ctx, k.opts.KEKAccessPolicy)
	if err != nil {
		return KeyVersion{}, err
	}
	return k.registry.EnsureCurrent(ctx, kekAccess.Handle)
}

func (k *Keystore) validate(op, key, service string) (string, error) {
	service, err := k.validateService(op, service)
	if err != nil {
		return "", err
	}
	if err = persist.ValidateKey(key); err != nil {
		return "", newError(KindInvalidInput, op, key, err)
	}
	return service, nil
}

func (k *Keystore) validateService(op, service string) (string, error) {
	if err := k.checkOpen(op); err != nil {
		return "", err
	}
	if service == "" {
		service = k.opts.DefaultService
	}
	if err := persist.ValidateService(service); err != nil {
		return "", newError(KindInvalidInput, op, service, err)
	}
	return service, nil
}

func (k *Keystore) checkOpen(op string) error {
	if k.closed.Load() {
		return errorf(KindStorageFailure, op, "keystore is closed")
	}
	return nil
}

// invalidAlias extracts the key alias recorded in a KeyInvalidated error.
func (k *Keystore) invalidAlias(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Key
	}
	return ""
}

// invalidationCause names the enrollment gating KEKs, which are generated
// under the resolved Options.KEKAccessPolicy. fallback is used when that no
// longer resolves.
func (k *Keystore) invalidationCause(ctx context.Context, fallback AccessPolicy) InvalidationCause {
	if ac, err := k.resolver.Resolve(ctx, k.opts.KEKAccessPolicy); err == nil {
		return causeFor(ac.Policy)
	}
	return causeFor(fallback)
}

func causeFor(policy AccessPolicy) InvalidationCause {
	if policy.IsBiometric() {
		return CauseBiometric
	}
	return CauseCredential
}
