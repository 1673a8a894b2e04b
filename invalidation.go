package keyvault

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"southwinds.dev/keyvault/keystore"
)

// InvalidationCause tells which enrollment change invalidated a key.
type InvalidationCause string

const (
	CauseBiometric  InvalidationCause = "biometric"
	CauseCredential InvalidationCause = "credential"
)

// Rotator is the part of the rotation engine the invalidation handler needs.
type Rotator interface {
	Rotate(ctx context.Context, opts RotateOptions) (*RotationResult, error)
	ReplaceCurrent(ctx context.Context, alias string) (string, error)
	Policy() RotationPolicy
}

// InvalidationHandler reacts to keys the platform reports permanently unusable
// and to enrollment changes seen by re-probing capabilities. It never returns
// errors: cleanup failures are logged.
type InvalidationHandler struct {
	provider keystore.Provider
	caps     *CapabilityProvider
	rotator  Rotator
	events   *EventBus
	audit    *auditor
	log      zerolog.Logger

	mu       sync.Mutex
	observed *CapabilitySnapshot
	pending  InvalidationCause
}

func newInvalidationHandler(provider keystore.Provider, caps *CapabilityProvider, rotator Rotator, events *EventBus,
	auditLog *auditor, log zerolog.Logger) *InvalidationHandler {
	if auditLog == nil {
		auditLog = newAuditor(nil, log)
	}
	return &InvalidationHandler{
		provider: provider,
		caps:     caps,
		rotator:  rotator,
		events:   events,
		audit:    auditLog,
		log:      log.With().Str("component", "invalidation").Logger(),
	}
}

// HandleKeyInvalidated deletes the key under alias, emits the change event
// and, when the policy opts in, runs a security-audit rotation. When alias is
// still the current version afterwards, a fresh KEK replaces it so the next
// write succeeds. An empty alias skips the deletion and the replacement.
func (h *InvalidationHandler) HandleKeyInvalidated(ctx context.Context, alias string, cause InvalidationCause) {
	if cause != CauseCredential {
		cause = CauseBiometric
	}
	log := h.log.With().Str("key_alias", alias).Str("cause", string(cause)).Logger()

	var deleteErr error
	if alias != "" {
		if deleteErr = h.provider.DeleteKey(ctx, alias); deleteErr != nil {
			log.Error().Err(deleteErr).Msg("failed to delete invalidated key")
		}
	}

	event := RotationEvent{Type: EventBiometricChanged, Reason: "biometric enrollment changed, key invalidated"}
	if cause == CauseCredential {
		event = RotationEvent{Type: EventCredentialChanged, Reason: "device credential changed, key invalidated"}
	}
	if alias == "" {
		event.Reason = string(cause) + " enrollment changed"
	}
	h.events.Emit(event)

	h.audit.record(newRequestID(), ActionKeyInvalidated, deleteErr, map[string]interface{}{
		"key_alias": alias,
		"cause":     string(cause),
	})
	log.Warn().Msg("key invalidated")

	h.triggerRotation(ctx, cause)
	if alias != "" {
		h.replaceCurrent(ctx, alias)
	}
}

func (h *InvalidationHandler) replaceCurrent(ctx context.Context, alias string) {
	if h.rotator == nil {
		return
	}
	id, err := h.rotator.ReplaceCurrent(ctx, alias)
	if err != nil {
		h.log.Error().Err(err).Str("key_alias", alias).Msg("failed to replace invalidated key version")
		return
	}
	if id != "" {
		h.audit.record(newRequestID(), ActionKeyReplaced, nil, map[string]interface{}{
			"key_alias":   alias,
			"key_version": id,
		})
	}
}

// triggerRotation runs the security-audit rotation the policy asks for. A
// rotation already in progress leaves the request pending for the next Tick.
func (h *InvalidationHandler) triggerRotation(ctx context.Context, cause InvalidationCause) {
	if h.rotator == nil {
		return
	}
	policy := h.rotator.Policy()
	if cause == CauseBiometric && !policy.RotateOnBiometricChange {
		return
	}
	if cause == CauseCredential && !policy.RotateOnCredentialChange {
		return
	}

	_, err := h.rotator.Rotate(ctx, RotateOptions{Reason: RotationReasonSecurityAudit})
	switch {
	case err == nil:
		h.setPending("")
	case KindOf(err) == KindRotationInProgress:
		h.log.Info().Str("cause", string(cause)).Msg("rotation in progress, security-audit rotation deferred")
		h.setPending(cause)
	default:
		h.log.Error().Err(err).Str("cause", string(cause)).Msg("security-audit rotation failed")
	}
}

func (h *InvalidationHandler) setPending(cause InvalidationCause) {
	h.mu.Lock()
	h.pending = cause
	h.mu.Unlock()
}

// CheckEnrollment re-probes capabilities and handles a biometric or
// credential change since the last observation. The first call only records
// the baseline.
func (h *InvalidationHandler) CheckEnrollment(ctx context.Context) {
	_, current, err := h.caps.Refresh(ctx)
	if err != nil {
		h.log.Warn().Err(err).Msg("capability re-probe failed")
		return
	}

	h.mu.Lock()
	previous := h.observed
	h.observed = &current
	h.mu.Unlock()

	if previous == nil {
		return
	}
	if previous.Biometry != current.Biometry {
		h.HandleKeyInvalidated(ctx, "", CauseBiometric)
	}
	if previous.DeviceCredential != current.DeviceCredential {
		h.HandleKeyInvalidated(ctx, "", CauseCredential)
	}
}

// Observe records snap as the enrollment baseline.
func (h *InvalidationHandler) Observe(snap CapabilitySnapshot) {
	h.mu.Lock()
	h.observed = &snap
	h.mu.Unlock()
}

// Tick checks enrollment and retries a deferred security-audit rotation.
func (h *InvalidationHandler) Tick(ctx context.Context) {
	h.CheckEnrollment(ctx)

	h.mu.Lock()
	pending := h.pending
	h.mu.Unlock()
	if pending != "" {
		h.triggerRotation(ctx, pending)
	}
}
