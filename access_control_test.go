package keyvault

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePolicy(t *testing.T) {
	cases := []struct {
		name      string
		snap      CapabilitySnapshot
		requested AccessPolicy
		policy    AccessPolicy
		tier      SecurityTier
	}{
		{"none is always software", fullDevice, AccessPolicyNone, AccessPolicyNone, SecurityTierSoftware},
		{"strongest on full device", fullDevice, "", AccessPolicySecureEnclaveBiometry, SecurityTierSecureEnclave},
		{"enclave biometry honoured", fullDevice, AccessPolicySecureEnclaveBiometry, AccessPolicySecureEnclaveBiometry, SecurityTierSecureEnclave},
		{"biometry with enclave", fullDevice, AccessPolicyBiometryAny, AccessPolicyBiometryAny, SecurityTierSecureEnclave},
		{
			"enclave missing falls to current set",
			CapabilitySnapshot{Biometry: true, DeviceCredential: true},
			AccessPolicySecureEnclaveBiometry, AccessPolicyBiometryCurrentSet, SecurityTierBiometry,
		},
		{
			"biometry needs a passcode fallback",
			CapabilitySnapshot{SecureEnclave: true, Biometry: true},
			AccessPolicyBiometryCurrentSet, AccessPolicyNone, SecurityTierSoftware,
		},
		{
			"passcode only",
			CapabilitySnapshot{DeviceCredential: true},
			AccessPolicyBiometryAny, AccessPolicyDevicePasscode, SecurityTierDeviceCredential,
		},
		{"nothing available", CapabilitySnapshot{}, "", AccessPolicyNone, SecurityTierSoftware},
		{"weaker request kept", fullDevice, AccessPolicyDevicePasscode, AccessPolicyDevicePasscode, SecurityTierDeviceCredential},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			policy, tier := ResolvePolicy(tc.snap, tc.requested)
			assert.Equal(t, tc.policy, policy)
			assert.Equal(t, tc.tier, tier)
		})
	}
}

func TestResolvePolicyHonoursSatisfiableRequests(t *testing.T) {
	snaps := []CapabilitySnapshot{
		{},
		{DeviceCredential: true},
		{Biometry: true, DeviceCredential: true},
		fullDevice,
	}
	for _, snap := range snaps {
		for _, requested := range canonicalPolicyOrder {
			policy, tier := ResolvePolicy(snap, requested)
			require.True(t, policy.Valid())
			require.True(t, tier.Valid())
			if _, ok := satisfies(snap, requested); ok {
				assert.Equal(t, requested, policy, "satisfiable request must be honoured: %+v %s", snap, requested)
			} else {
				assert.Less(t, policy.Strength(), requested.Strength(), "%+v %s", snap, requested)
			}
		}
	}
}

func TestResolverScenarioWithoutEnclave(t *testing.T) {
	caps := NewCapabilityProvider(NewStaticProbe(CapabilitySnapshot{Biometry: true, DeviceCredential: true}), zerolog.Nop())
	r := NewResolver(caps, nil, zerolog.Nop())

	ac, err := r.Resolve(context.Background(), AccessPolicySecureEnclaveBiometry)
	require.NoError(t, err)
	assert.Equal(t, AccessPolicyBiometryCurrentSet, ac.Policy)
	assert.Equal(t, SecurityTierBiometry, ac.Tier)
	assert.Equal(t, AccessibleWhenPasscodeSetThisDeviceOnly, ac.Accessibility)

	handle, ok := ac.Handle.(*AccessControlHandle)
	require.True(t, ok)
	assert.True(t, handle.InvalidatedByEnrollment)
}

func TestResolverNoneHasNoHandle(t *testing.T) {
	caps := NewCapabilityProvider(NewStaticProbe(fullDevice), zerolog.Nop())
	r := NewResolver(caps, func(AccessPolicy, SecurityTier) (any, error) {
		t.Fatal("handle factory must not run for none")
		return nil, nil
	}, zerolog.Nop())

	ac, err := r.Resolve(context.Background(), AccessPolicyNone)
	require.NoError(t, err)
	assert.Equal(t, SecurityTierSoftware, ac.Tier)
	assert.Equal(t, AccessibleWhenUnlocked, ac.Accessibility)
	assert.Nil(t, ac.Handle)
}

func TestResolverHandleFailureIsHard(t *testing.T) {
	caps := NewCapabilityProvider(NewStaticProbe(fullDevice), zerolog.Nop())
	r := NewResolver(caps, func(AccessPolicy, SecurityTier) (any, error) {
		return nil, errors.New("user interaction required")
	}, zerolog.Nop())

	_, err := r.Resolve(context.Background(), AccessPolicyBiometryAny)
	assert.ErrorIs(t, err, ErrCapabilityUnavailable)
}

func TestResolverRejectsUnknownPolicy(t *testing.T) {
	r := NewResolver(NewCapabilityProvider(nil, zerolog.Nop()), nil, zerolog.Nop())
	_, err := r.Resolve(context.Background(), "faceScan")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestEnrollmentFlagOnlyOnCurrentSetPolicies(t *testing.T) {
	factory := DefaultHandleFactory(true)
	for policy, want := range map[AccessPolicy]bool{
		AccessPolicySecureEnclaveBiometry: true,
		AccessPolicyBiometryCurrentSet:    true,
		AccessPolicyBiometryAny:           false,
		AccessPolicyDevicePasscode:        false,
	} {
		h, err := factory(policy, SecurityTierSecureEnclave)
		require.NoError(t, err)
		assert.Equal(t, want, h.(*AccessControlHandle).InvalidatedByEnrollment, policy)
	}

	h, err := DefaultHandleFactory(false)(AccessPolicyBiometryCurrentSet, SecurityTierBiometry)
	require.NoError(t, err)
	assert.False(t, h.(*AccessControlHandle).InvalidatedByEnrollment)
}

func TestParseAccessPolicy(t *testing.T) {
	p, err := ParseAccessPolicy("")
	require.NoError(t, err)
	assert.Empty(t, p)

	p, err = ParseAccessPolicy("devicePasscode")
	require.NoError(t, err)
	assert.Equal(t, AccessPolicyDevicePasscode, p)

	_, err = ParseAccessPolicy("retina")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCapabilityProviderCachesUntilRefresh(t *testing.T) {
	ctx := context.Background()
	probe := NewStaticProbe(fullDevice)
	caps := NewCapabilityProvider(probe, zerolog.Nop())

	assert.Equal(t, fullDevice, caps.Snapshot(ctx))

	probe.Set(CapabilitySnapshot{DeviceCredential: true})
	assert.Equal(t, fullDevice, caps.Snapshot(ctx), "snapshot is cached")

	previous, current, err := caps.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, fullDevice, previous)
	assert.Equal(t, CapabilitySnapshot{DeviceCredential: true}, current)
	assert.Equal(t, current, caps.Snapshot(ctx))
}

func TestCapabilityProbeFailureMeansSoftwareOnly(t *testing.T) {
	ctx := context.Background()
	calls := 0
	caps := NewCapabilityProvider(CapabilityProbeFunc(func(context.Context) (CapabilitySnapshot, error) {
		calls++
		if calls == 1 {
			return CapabilitySnapshot{}, errors.New("probe unavailable")
		}
		return fullDevice, nil
	}), zerolog.Nop())

	assert.Equal(t, CapabilitySnapshot{}, caps.Snapshot(ctx))
	assert.Equal(t, fullDevice, caps.Snapshot(ctx), "failed probe is retried")
}
