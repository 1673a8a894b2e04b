package keyvault

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"southwinds.dev/keyvault/keystore"
	"southwinds.dev/keyvault/persist"
)

// RotationReason explains why a rotation was requested.
type RotationReason string

const (
	RotationReasonManual        RotationReason = "manual"
	RotationReasonScheduled     RotationReason = "scheduled"
	RotationReasonSecurityAudit RotationReason = "security-audit"
)

func (r RotationReason) Valid() bool {
	switch r {
	case RotationReasonManual, RotationReasonScheduled, RotationReasonSecurityAudit:
		return true
	}
	return false
}

// RotationPolicy is the process-wide rotation configuration.
type RotationPolicy struct {
	Enabled                  bool          `json:"enabled" yaml:"enabled"`
	RotationInterval         time.Duration `json:"rotationInterval" yaml:"rotation_interval"`
	RotateOnBiometricChange  bool          `json:"rotateOnBiometricChange" yaml:"rotate_on_biometric_change"`
	RotateOnCredentialChange bool          `json:"rotateOnCredentialChange" yaml:"rotate_on_credential_change"`
	ManualRotationEnabled    bool          `json:"manualRotationEnabled" yaml:"manual_rotation_enabled"`
	MaxKeyVersions           int           `json:"maxKeyVersions" yaml:"max_key_versions"`
	BackgroundReEncryption   bool          `json:"backgroundReEncryption" yaml:"background_reencryption"`
}

// DefaultRotationPolicy rotates every 30 days and keeps three versions.
func DefaultRotationPolicy() RotationPolicy {
	return RotationPolicy{
		Enabled:                  true,
		RotationInterval:         30 * 24 * time.Hour,
		RotateOnBiometricChange:  true,
		RotateOnCredentialChange: true,
		ManualRotationEnabled:    true,
		MaxKeyVersions:           3,
		BackgroundReEncryption:   true,
	}
}

func (p RotationPolicy) Validate() error {
	if p.Enabled && p.RotationInterval <= 0 {
		return fmt.Errorf("rotation interval must be positive when rotation is enabled")
	}
	if p.MaxKeyVersions < 1 {
		return fmt.Errorf("max key versions must be at least 1: %d", p.MaxKeyVersions)
	}
	return nil
}

// RotateOptions parameterise one rotation.
type RotateOptions struct {
	Reason RotationReason

	// Force skips the policy check that may answer RotationNotNeeded.
	Force bool

	// Services limits the re-encryption sweep. Empty means every service.
	Services []string
}

// RotationResult describes a completed rotation.
type RotationResult struct {
	NewKeyVersion      string        `json:"newKeyVersion"`
	PreviousKeyVersion string        `json:"previousKeyVersion,omitempty"`
	ItemsReEncrypted   int           `json:"itemsReEncrypted"`
	Errors             []ItemError   `json:"errors,omitempty"`
	PrunedKeyVersions  []string      `json:"prunedKeyVersions,omitempty"`
	Duration           time.Duration `json:"duration"`
}

// RotationStatus is derived from the key registry and the in-progress flag.
type RotationStatus struct {
	IsRotating            bool           `json:"isRotating"`
	CurrentKeyVersion     *KeyVersion    `json:"currentKeyVersion,omitempty"`
	AvailableKeyVersions  []KeyVersion   `json:"availableKeyVersions"`
	LastRotationTimestamp *time.Time     `json:"lastRotationTimestamp,omitempty"`
	LastError             string         `json:"lastError,omitempty"`
	Policy                RotationPolicy `json:"policy"`
}

// RotationEngine runs the rotation state machine: Idle, Rotating and a
// transient Failed that is reported through events and returns to Idle.
// A rotation requested while one runs fails fast with RotationInProgress.
type RotationEngine struct {
	registry *KeyRegistry
	provider keystore.Provider
	resolver *Resolver
	items    persist.ItemStore
	sweeper  *reEncryptor
	retirer  *retirer
	events   *EventBus
	audit    *auditor
	opts     Options
	log      zerolog.Logger

	rotating atomic.Bool
	ticking  atomic.Bool

	// onTick runs on every scheduler tick before the scheduled rotation.
	onTick func(ctx context.Context)

	schedMu sync.Mutex
	stop    chan struct{}
	done    chan struct{}
}

func newRotationEngine(registry *KeyRegistry, provider keystore.Provider, resolver *Resolver, items persist.ItemStore,
	sweeper *reEncryptor, retirer *retirer, events *EventBus, audit *auditor, opts Options) *RotationEngine {
	return &RotationEngine{
		registry: registry,
		provider: provider,
		resolver: resolver,
		items:    items,
		sweeper:  sweeper,
		retirer:  retirer,
		events:   events,
		audit:    audit,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "rotation").Logger(),
	}
}

// Policy returns the active rotation policy.
func (e *RotationEngine) Policy() RotationPolicy {
	return e.registry.Policy()
}

// Initialize persists policy and starts or stops the scheduler accordingly.
func (e *RotationEngine) Initialize(ctx context.Context, policy RotationPolicy) error {
	if err := policy.Validate(); err != nil {
		return newError(KindInvalidInput, "InitializeRotation", "", err)
	}
	if err := e.registry.SetPolicy(ctx, policy); err != nil {
		return newError(KindStorageFailure, "InitializeRotation", "", err)
	}
	e.schedule(policy)
	e.log.Info().Bool("enabled", policy.Enabled).Dur("interval", policy.RotationInterval).
		Int("max_key_versions", policy.MaxKeyVersions).Msg("rotation policy initialized")
	return nil
}

// UpdatePolicy replaces the policy.
func (e *RotationEngine) UpdatePolicy(ctx context.Context, policy RotationPolicy) error {
	return e.Initialize(ctx, policy)
}

// Rotate generates a new KEK version and makes it current.
//
// The steps are:
//  1. Reject with RotationNotNeeded when !Force and the policy does not call
//     for a rotation with this reason.
//  2. Claim the engine; a concurrent call fails with RotationInProgress.
//  3. Persist the in-progress flag and emit rotation:started.
//  4. Generate the KEK. Failure aborts with KeyGenerationFailed; there is no
//     fallback to a weaker key.
//  5. Swap the current version pointer. The previous KEK stays usable.
//  6. Re-encrypt items when the policy enables background re-encryption.
//     Item failures are collected in the result.
//  7. Record the rotation time, clear the flag, prune old versions and emit
//     rotation:completed.
func (e *RotationEngine) Rotate(ctx context.Context, opts RotateOptions) (*RotationResult, error) {
	const op = "RotateKeys"

	if opts.Reason == "" {
		opts.Reason = RotationReasonManual
	}
	if !opts.Reason.Valid() {
		return nil, errorf(KindInvalidInput, op, "unknown rotation reason %q", opts.Reason)
	}
	for _, service := range opts.Services {
		if err := persist.ValidateService(service); err != nil {
			return nil, newError(KindInvalidInput, op, service, err)
		}
	}

	policy := e.registry.Policy()
	if !opts.Force {
		if err := e.checkNeeded(policy, opts.Reason); err != nil {
			return nil, err
		}
	}

	if !e.rotating.CompareAndSwap(false, true) {
		return nil, errorf(KindRotationInProgress, op, "a key rotation is already running")
	}
	defer e.rotating.Store(false)

	return e.rotate(ctx, opts, policy)
}

func (e *RotationEngine) rotate(ctx context.Context, opts RotateOptions, policy RotationPolicy) (*RotationResult, error) {
	const op = "RotateKeys"

	start := time.Now()
	requestID := newRequestID()
	reason := string(opts.Reason)
	log := e.log.With().Str("request_id", requestID).Str("reason", reason).Logger()

	e.audit.record(requestID, ActionRotateStart, nil, map[string]interface{}{"reason": reason, "force": opts.Force})

	if err := e.registry.BeginRotation(ctx); err != nil {
		return nil, e.fail(ctx, requestID, reason, newError(KindStorageFailure, op, "", err))
	}
	e.events.Emit(RotationEvent{Type: EventRotationStarted, Reason: reason})
	log.Info().Msg("key rotation started")

	previous, _ := e.registry.Current()

	kekAccess, err := e.resolver.Resolve(ctx, e.opts.KEKAccessPolicy)
	if err != nil {
		return nil, e.fail(ctx, requestID, reason, err)
	}

	id := e.registry.NextVersionID()
	if _, err = e.provider.CreateOrRetrieveKey(ctx, id, kekAccess.Handle); err != nil {
		return nil, e.fail(ctx, requestID, reason, newError(KindKeyGenerationFailed, op, id, err))
	}

	if _, err = e.registry.Promote(ctx, KeyVersionInfo{ID: id, CreatedAt: time.Now().UTC(), Reason: reason}); err != nil {
		if delErr := e.provider.DeleteKey(ctx, id); delErr != nil {
			log.Warn().Err(delErr).Str("key_version", id).Msg("failed to remove unused key")
		}
		return nil, e.fail(ctx, requestID, reason, newError(KindStorageFailure, op, id, err))
	}
	log.Info().Str("key_version", id).Str("previous", previous.ID).Str("tier", string(kekAccess.Tier)).Msg("current key version swapped")

	result := &RotationResult{NewKeyVersion: id, PreviousKeyVersion: previous.ID}

	if policy.BackgroundReEncryption {
		services := opts.Services
		if len(services) == 0 {
			services, err = e.items.ListServices(ctx)
			if err != nil {
				log.Error().Err(err).Msg("failed to list services for re-encryption")
				result.Errors = append(result.Errors, ItemError{Err: storageError("ListServices", "", err)})
			}
		}
		for _, service := range services {
			sweep := e.sweeper.run(ctx, service, id)
			result.ItemsReEncrypted += sweep.ItemsReEncrypted
			result.Errors = append(result.Errors, sweep.Errors...)
		}
	}

	if err = e.registry.EndRotation(ctx, time.Now(), nil); err != nil {
		log.Error().Err(err).Msg("failed to record rotation completion")
	}

	pruned, err := e.retirer.prune(ctx, policy.MaxKeyVersions)
	if err != nil {
		log.Warn().Err(err).Msg("key version pruning failed")
	}
	result.PrunedKeyVersions = pruned
	result.Duration = time.Since(start)

	e.events.Emit(RotationEvent{
		Type:             EventRotationCompleted,
		Reason:           reason,
		NewKeyVersion:    id,
		ItemsReEncrypted: result.ItemsReEncrypted,
		Duration:         result.Duration,
	})
	e.audit.record(requestID, ActionRotateSuccess, nil, map[string]interface{}{
		"key_version":       id,
		"previous_version":  previous.ID,
		"items_reencrypted": result.ItemsReEncrypted,
		"items_failed":      len(result.Errors),
		"duration_ms":       result.Duration.Milliseconds(),
		"pruned_versions":   len(pruned),
		"reason":            reason,
	})
	log.Info().Str("key_version", id).Int("items_reencrypted", result.ItemsReEncrypted).
		Int("items_failed", len(result.Errors)).Dur("duration", result.Duration).Msg("key rotation completed")

	return result, nil
}

// ReplaceCurrent moves the current version pointer off alias onto a freshly
// generated KEK when alias is still current. It does not re-encrypt: items
// sealed under alias went with the key. A running rotation is left to move
// the pointer itself; id is empty then and whenever alias is not current.
func (e *RotationEngine) ReplaceCurrent(ctx context.Context, alias string) (id string, err error) {
	const op = "ReplaceCurrent"

	if !e.rotating.CompareAndSwap(false, true) {
		return "", nil
	}
	defer e.rotating.Store(false)

	current, ok := e.registry.Current()
	if !ok || current.ID != alias {
		return "", nil
	}

	kekAccess, err := e.resolver.Resolve(ctx, e.opts.KEKAccessPolicy)
	if err != nil {
		return "", err
	}
	id = e.registry.NextVersionID()
	if _, err = e.provider.CreateOrRetrieveKey(ctx, id, kekAccess.Handle); err != nil {
		return "", newError(KindKeyGenerationFailed, op, id, err)
	}
	if _, err = e.registry.Promote(ctx, KeyVersionInfo{ID: id, CreatedAt: time.Now().UTC(), Reason: "invalidated"}); err != nil {
		if delErr := e.provider.DeleteKey(ctx, id); delErr != nil {
			e.log.Warn().Err(delErr).Str("key_version", id).Msg("failed to remove unused key")
		}
		return "", newError(KindStorageFailure, op, id, err)
	}
	e.log.Warn().Str("key_version", id).Str("invalidated", alias).Msg("invalidated current key version replaced")
	return id, nil
}

// fail reports a failed rotation and returns err.
func (e *RotationEngine) fail(ctx context.Context, requestID, reason string, err error) error {
	if endErr := e.registry.EndRotation(ctx, time.Now(), err); endErr != nil {
		e.log.Error().Err(endErr).Msg("failed to clear rotation flag")
	}
	e.events.Emit(RotationEvent{Type: EventRotationFailed, Reason: err.Error()})
	e.audit.record(requestID, ActionRotateFailed, err, map[string]interface{}{"reason": reason})
	e.log.Error().Err(err).Str("request_id", requestID).Str("reason", reason).Msg("key rotation failed")
	return err
}

// checkNeeded applies the policy to a non-forced request.
func (e *RotationEngine) checkNeeded(policy RotationPolicy, reason RotationReason) error {
	const op = "RotateKeys"

	switch reason {
	case RotationReasonManual:
		if !policy.ManualRotationEnabled {
			return errorf(KindInvalidInput, op, "manual rotation is disabled by policy")
		}
		return nil
	case RotationReasonSecurityAudit:
		return nil
	}

	if !policy.Enabled {
		return errorf(KindRotationNotNeeded, op, "scheduled rotation is disabled")
	}
	last := e.registry.LastRotation()
	if last == nil {
		current, ok := e.registry.Current()
		if !ok {
			return nil
		}
		if info, found := e.registry.Version(current.ID); found {
			last = &info.CreatedAt
		}
	}
	if last != nil && time.Since(*last) < policy.RotationInterval {
		return errorf(KindRotationNotNeeded, op, "last rotation at %s is within the %s interval",
			last.Format(time.RFC3339), policy.RotationInterval)
	}
	return nil
}

// ReEncrypt sweeps services, or every service, to the current key version
// outside a rotation. It holds the rotation guard for the duration.
func (e *RotationEngine) ReEncrypt(ctx context.Context, services []string) (*ReEncryptResult, error) {
	const op = "ReEncrypt"

	for _, service := range services {
		if err := persist.ValidateService(service); err != nil {
			return nil, newError(KindInvalidInput, op, service, err)
		}
	}
	current, ok := e.registry.Current()
	if !ok {
		return nil, errorf(KindKeyUnavailable, op, "no current key version")
	}

	if !e.rotating.CompareAndSwap(false, true) {
		return nil, errorf(KindRotationInProgress, op, "a key rotation is already running")
	}
	defer e.rotating.Store(false)

	if len(services) == 0 {
		var err error
		if services, err = e.items.ListServices(ctx); err != nil {
			return nil, storageError(op, "", err)
		}
	}

	result := &ReEncryptResult{}
	for _, service := range services {
		sweep := e.sweeper.run(ctx, service, current.ID)
		result.ItemsReEncrypted += sweep.ItemsReEncrypted
		result.Errors = append(result.Errors, sweep.Errors...)
	}
	return result, nil
}

// Status reports the observable rotation state.
func (e *RotationEngine) Status() RotationStatus {
	status := RotationStatus{
		IsRotating:            e.rotating.Load(),
		LastRotationTimestamp: e.registry.LastRotation(),
		LastError:             e.registry.LastError(),
		Policy:                e.registry.Policy(),
	}
	if current, ok := e.registry.Current(); ok {
		status.CurrentKeyVersion = &current
	}
	versions := e.registry.Versions()
	status.AvailableKeyVersions = make([]KeyVersion, 0, len(versions))
	for _, v := range versions {
		status.AvailableKeyVersions = append(status.AvailableKeyVersions, KeyVersion{ID: v.ID})
	}
	return status
}

// schedule restarts the periodic check; it stops it when the policy is
// disabled.
func (e *RotationEngine) schedule(policy RotationPolicy) {
	e.schedMu.Lock()
	defer e.schedMu.Unlock()

	e.stopLocked()
	if !policy.Enabled {
		return
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	e.stop, e.done = stop, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(e.opts.RotationCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.tick()
			}
		}
	}()
}

// tick never propagates failures: nobody is waiting on a scheduled rotation.
func (e *RotationEngine) tick() {
	e.ticking.Store(true)
	defer e.ticking.Store(false)

	ctx := context.Background()
	if e.onTick != nil {
		e.onTick(ctx)
	}
	if _, err := e.Rotate(ctx, RotateOptions{Reason: RotationReasonScheduled}); err != nil && !IsBenign(err) {
		e.log.Error().Err(err).Msg("scheduled rotation failed")
	}
}

// Stop halts the scheduler and waits for the scheduler goroutine to exit.
// While a tick is running, which includes event handlers it triggers calling
// back into the keystore, Stop only signals: the tick finishes on its own.
func (e *RotationEngine) Stop() {
	e.schedMu.Lock()
	defer e.schedMu.Unlock()
	e.stopLocked()
}

func (e *RotationEngine) stopLocked() {
	if e.stop == nil {
		return
	}
	close(e.stop)
	if !e.ticking.Load() {
		<-e.done
	}
	e.stop, e.done = nil, nil
}
