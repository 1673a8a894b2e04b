package keyvault

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// AccessPolicy is the protection a caller asks for.
type AccessPolicy string

const (
	AccessPolicySecureEnclaveBiometry AccessPolicy = "secureEnclaveBiometry"
	AccessPolicyBiometryCurrentSet    AccessPolicy = "biometryCurrentSet"
	AccessPolicyBiometryAny           AccessPolicy = "biometryAny"
	AccessPolicyDevicePasscode        AccessPolicy = "devicePasscode"
	AccessPolicyNone                  AccessPolicy = "none"
)

// canonicalPolicyOrder lists policies strongest first.
var canonicalPolicyOrder = []AccessPolicy{
	AccessPolicySecureEnclaveBiometry,
	AccessPolicyBiometryCurrentSet,
	AccessPolicyBiometryAny,
	AccessPolicyDevicePasscode,
	AccessPolicyNone,
}

// Valid reports whether p is one of the known policies.
func (p AccessPolicy) Valid() bool {
	return p.Strength() >= 0
}

// Strength ranks the policy; higher is stronger and -1 means unknown.
func (p AccessPolicy) Strength() int {
	for i, candidate := range canonicalPolicyOrder {
		if candidate == p {
			return len(canonicalPolicyOrder) - 1 - i
		}
	}
	return -1
}

// IsBiometric reports whether the policy gates the key on biometrics.
func (p AccessPolicy) IsBiometric() bool {
	switch p {
	case AccessPolicySecureEnclaveBiometry, AccessPolicyBiometryCurrentSet, AccessPolicyBiometryAny:
		return true
	}
	return false
}

// ParseAccessPolicy converts a string into a policy. An empty string yields
// the empty policy, meaning "strongest available".
func ParseAccessPolicy(s string) (AccessPolicy, error) {
	if s == "" {
		return "", nil
	}
	p := AccessPolicy(s)
	if !p.Valid() {
		return "", errorf(KindInvalidInput, "ParseAccessPolicy", "unknown access policy %q", s)
	}
	return p, nil
}

// SecurityTier is the protection actually achieved.
type SecurityTier string

const (
	SecurityTierSecureEnclave    SecurityTier = "secureEnclave"
	SecurityTierStrongBox        SecurityTier = "strongBox"
	SecurityTierBiometry         SecurityTier = "biometry"
	SecurityTierDeviceCredential SecurityTier = "deviceCredential"
	SecurityTierSoftware         SecurityTier = "software"
)

// Strength ranks the tier; higher is stronger and -1 means unknown.
func (t SecurityTier) Strength() int {
	switch t {
	case SecurityTierSecureEnclave:
		return 4
	case SecurityTierStrongBox:
		return 3
	case SecurityTierBiometry:
		return 2
	case SecurityTierDeviceCredential:
		return 1
	case SecurityTierSoftware:
		return 0
	}
	return -1
}

func (t SecurityTier) Valid() bool {
	return t.Strength() >= 0
}

// Accessibility attributes attached to resolved contexts.
const (
	AccessibleWhenPasscodeSetThisDeviceOnly = "whenPasscodeSetThisDeviceOnly"
	AccessibleWhenUnlocked                  = "whenUnlocked"
)

// AccessControlContext is the outcome of one resolution. Handle is the
// platform access-control object passed to the key provider; it is nil for
// AccessPolicyNone.
type AccessControlContext struct {
	Policy        AccessPolicy
	Tier          SecurityTier
	Accessibility string
	Handle        any
}

// AccessControlHandle is the handle produced by DefaultHandleFactory.
type AccessControlHandle struct {
	Policy AccessPolicy
	Tier   SecurityTier

	// InvalidatedByEnrollment is set when a biometric enrollment change must
	// invalidate the key.
	InvalidatedByEnrollment bool
}

// HandleFactory allocates a platform access-control handle for a policy the
// device is known to support. Errors are hard failures, not fallback signals.
type HandleFactory func(policy AccessPolicy, tier SecurityTier) (any, error)

// DefaultHandleFactory returns an AccessControlHandle. When
// invalidateOnEnrollment is set, biometryCurrentSet and secureEnclaveBiometry
// handles are marked to be invalidated by enrollment changes.
func DefaultHandleFactory(invalidateOnEnrollment bool) HandleFactory {
	return func(policy AccessPolicy, tier SecurityTier) (any, error) {
		return &AccessControlHandle{
			Policy: policy,
			Tier:   tier,
			InvalidatedByEnrollment: invalidateOnEnrollment &&
				(policy == AccessPolicyBiometryCurrentSet || policy == AccessPolicySecureEnclaveBiometry),
		}, nil
	}
}

// Resolver maps a requested policy to an achievable access-control context.
type Resolver struct {
	caps      *CapabilityProvider
	newHandle HandleFactory
	log       zerolog.Logger
}

func NewResolver(caps *CapabilityProvider, factory HandleFactory, log zerolog.Logger) *Resolver {
	if factory == nil {
		factory = DefaultHandleFactory(true)
	}
	return &Resolver{caps: caps, newHandle: factory, log: log}
}

// Resolve negotiates requested against the current capability snapshot. An
// empty requested policy negotiates the strongest available. It only fails
// when handle allocation fails.
func (r *Resolver) Resolve(ctx context.Context, requested AccessPolicy) (AccessControlContext, error) {
	if requested != "" && !requested.Valid() {
		return AccessControlContext{}, errorf(KindInvalidInput, "ResolveAccessControl", "unknown access policy %q", requested)
	}

	snap := r.caps.Snapshot(ctx)
	policy, tier := ResolvePolicy(snap, requested)

	ac := AccessControlContext{
		Policy:        policy,
		Tier:          tier,
		Accessibility: AccessibleWhenPasscodeSetThisDeviceOnly,
	}
	if policy == AccessPolicyNone {
		ac.Accessibility = AccessibleWhenUnlocked
		return ac, nil
	}

	handle, err := r.newHandle(policy, tier)
	if err != nil {
		return AccessControlContext{}, newError(KindCapabilityUnavailable, "ResolveAccessControl", string(policy),
			fmt.Errorf("failed to create access control handle: %w", err))
	}
	ac.Handle = handle

	if requested != "" && policy != requested {
		r.log.Debug().Str("requested", string(requested)).Str("resolved", string(policy)).
			Str("tier", string(tier)).Msg("access policy downgraded")
	}
	return ac, nil
}

// ResolvePolicy is the pure decision table behind Resolve. Candidates are the
// requested policy followed by the canonical order; the first one the snapshot
// satisfies wins.
func ResolvePolicy(snap CapabilitySnapshot, requested AccessPolicy) (AccessPolicy, SecurityTier) {
	if requested == AccessPolicyNone {
		return AccessPolicyNone, SecurityTierSoftware
	}

	candidates := make([]AccessPolicy, 0, len(canonicalPolicyOrder)+1)
	if requested != "" {
		candidates = append(candidates, requested)
	}
	for _, p := range canonicalPolicyOrder {
		if p != requested {
			candidates = append(candidates, p)
		}
	}

	for _, candidate := range candidates {
		if tier, ok := satisfies(snap, candidate); ok {
			return candidate, tier
		}
	}
	return AccessPolicyNone, SecurityTierSoftware
}

func satisfies(snap CapabilitySnapshot, policy AccessPolicy) (SecurityTier, bool) {
	switch policy {
	case AccessPolicySecureEnclaveBiometry:
		// a biometric gate needs a passcode fallback
		if snap.SecureEnclave && snap.DeviceCredential {
			return SecurityTierSecureEnclave, true
		}
	case AccessPolicyBiometryCurrentSet, AccessPolicyBiometryAny:
		if snap.Biometry && snap.DeviceCredential {
			if snap.SecureEnclave {
				return SecurityTierSecureEnclave, true
			}
			return SecurityTierBiometry, true
		}
	case AccessPolicyDevicePasscode:
		if snap.DeviceCredential {
			return SecurityTierDeviceCredential, true
		}
	case AccessPolicyNone:
		return SecurityTierSoftware, true
	}
	return "", false
}
