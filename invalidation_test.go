package keyvault

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"southwinds.dev/keyvault/keystore"
)

type fakeRotator struct {
	mu     sync.Mutex
	policy RotationPolicy
	calls  []RotateOptions
	err    error

	// seen is the number of events observed when Rotate ran
	seen func() int
	at  []int

	replaced []string
}

func (f *fakeRotator) Rotate(_ context.Context, opts RotateOptions) (*RotationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opts)
	if f.seen != nil {
		f.at = append(f.at, f.seen())
	}
	if f.err != nil {
		return nil, f.err
	}
	return &RotationResult{NewKeyVersion: "next"}, nil
}

func (f *fakeRotator) ReplaceCurrent(_ context.Context, alias string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replaced = append(f.replaced, alias)
	return "replacement", nil
}

func (f *fakeRotator) Replaced() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.replaced...)
}

func (f *fakeRotator) Policy() RotationPolicy {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.policy
}

func (f *fakeRotator) Calls() []RotateOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RotateOptions(nil), f.calls...)
}

type invalidationFixture struct {
	handler  *InvalidationHandler
	provider *keystore.Software
	probe    *StaticProbe
	rotator  *fakeRotator
	events   func() []RotationEvent
}

func newInvalidationFixture(t *testing.T) *invalidationFixture {
	t.Helper()
	provider, err := keystore.NewSoftware(context.Background(), keystore.SoftwareOptions{})
	require.NoError(t, err)

	probe := NewStaticProbe(fullDevice)
	caps := NewCapabilityProvider(probe, zerolog.Nop())
	bus := NewEventBus(zerolog.Nop())

	var mu sync.Mutex
	var events []RotationEvent
	bus.Subscribe(func(e RotationEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	snapshot := func() []RotationEvent {
		mu.Lock()
		defer mu.Unlock()
		return append([]RotationEvent(nil), events...)
	}

	rotator := &fakeRotator{policy: DefaultRotationPolicy(), seen: func() int { return len(snapshot()) }}
	h := newInvalidationHandler(provider, caps, rotator, bus, nil, zerolog.Nop())
	h.Observe(caps.Snapshot(context.Background()))

	return &invalidationFixture{handler: h, provider: provider, probe: probe, rotator: rotator, events: snapshot}
}

func TestInvalidatedKeyIsDeletedAndRotated(t *testing.T) {
	ctx := context.Background()
	f := newInvalidationFixture(t)

	_, err := f.provider.CreateOrRetrieveKey(ctx, "kek-1", nil)
	require.NoError(t, err)

	f.handler.HandleKeyInvalidated(ctx, "kek-1", CauseBiometric)

	_, err = f.provider.RetrieveKey(ctx, "kek-1")
	assert.Error(t, err, "invalidated key is deleted")

	events := f.events()
	require.Len(t, events, 1)
	assert.Equal(t, EventBiometricChanged, events[0].Type)

	calls := f.rotator.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, RotationReasonSecurityAudit, calls[0].Reason)
	assert.False(t, calls[0].Force)
	assert.Equal(t, []int{1}, f.rotator.at, "event is emitted before the rotation")
}

func TestInvalidatedKeyIsReplacedWithoutRotation(t *testing.T) {
	ctx := context.Background()
	f := newInvalidationFixture(t)
	f.rotator.policy.RotateOnBiometricChange = false
	f.rotator.policy.RotateOnCredentialChange = false

	f.handler.HandleKeyInvalidated(ctx, "kek-1", CauseBiometric)
	assert.Empty(t, f.rotator.Calls())
	assert.Equal(t, []string{"kek-1"}, f.rotator.Replaced())

	f.handler.HandleKeyInvalidated(ctx, "", CauseCredential)
	assert.Equal(t, []string{"kek-1"}, f.rotator.Replaced(), "enrollment changes without a key leave the pointer alone")
}

func TestCredentialInvalidation(t *testing.T) {
	f := newInvalidationFixture(t)

	f.handler.HandleKeyInvalidated(context.Background(), "", CauseCredential)

	events := f.events()
	require.Len(t, events, 1)
	assert.Equal(t, EventCredentialChanged, events[0].Type)
	assert.Len(t, f.rotator.Calls(), 1)
}

func TestInvalidationRespectsPolicy(t *testing.T) {
	f := newInvalidationFixture(t)
	f.rotator.policy.RotateOnBiometricChange = false

	f.handler.HandleKeyInvalidated(context.Background(), "missing", CauseBiometric)

	assert.Len(t, f.events(), 1, "the event is still emitted")
	assert.Empty(t, f.rotator.Calls())

	f.handler.HandleKeyInvalidated(context.Background(), "", CauseCredential)
	assert.Len(t, f.rotator.Calls(), 1, "credential changes follow their own flag")
}

func TestInvalidationDefersWhileRotating(t *testing.T) {
	ctx := context.Background()
	f := newInvalidationFixture(t)
	f.rotator.err = errorf(KindRotationInProgress, "RotateKeys", "busy")

	f.handler.HandleKeyInvalidated(ctx, "", CauseBiometric)
	require.Len(t, f.rotator.Calls(), 1)

	f.rotator.mu.Lock()
	f.rotator.err = nil
	f.rotator.mu.Unlock()

	f.handler.Tick(ctx)
	require.Len(t, f.rotator.Calls(), 2, "pending rotation is retried on tick")

	f.handler.Tick(ctx)
	assert.Len(t, f.rotator.Calls(), 2, "nothing pending after success")
}

func TestCheckEnrollmentDetectsChanges(t *testing.T) {
	ctx := context.Background()
	f := newInvalidationFixture(t)

	f.handler.CheckEnrollment(ctx)
	assert.Empty(t, f.events(), "no change")

	f.probe.Set(CapabilitySnapshot{SecureEnclave: true, DeviceCredential: true})
	f.handler.CheckEnrollment(ctx)

	events := f.events()
	require.Len(t, events, 1)
	assert.Equal(t, EventBiometricChanged, events[0].Type)
	assert.Len(t, f.rotator.Calls(), 1)

	f.probe.Set(CapabilitySnapshot{SecureEnclave: true})
	f.handler.CheckEnrollment(ctx)

	events = f.events()
	require.Len(t, events, 2)
	assert.Equal(t, EventCredentialChanged, events[1].Type)
}

func TestUnknownCauseIsTreatedAsBiometric(t *testing.T) {
	f := newInvalidationFixture(t)
	f.handler.HandleKeyInvalidated(context.Background(), "", "faceid")

	events := f.events()
	require.Len(t, events, 1)
	assert.Equal(t, EventBiometricChanged, events[0].Type)
}
