package keyvault

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"southwinds.dev/keyvault/keystore"
	"southwinds.dev/keyvault/persist"
)

// gatedProvider blocks or fails key generation once armed.
type gatedProvider struct {
	keystore.Provider

	armed   atomic.Bool
	fail    atomic.Bool
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedProvider(t *testing.T) *gatedProvider {
	t.Helper()
	inner, err := keystore.NewSoftware(context.Background(), keystore.SoftwareOptions{})
	require.NoError(t, err)
	return &gatedProvider{Provider: inner, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedProvider) CreateOrRetrieveKey(ctx context.Context, alias string, accessControl any) (keystore.KeyHandle, error) {
	if g.fail.Load() {
		return keystore.KeyHandle{}, errors.New("secure hardware unavailable")
	}
	if g.armed.Load() {
		g.once.Do(func() { close(g.entered) })
		<-g.release
	}
	return g.Provider.CreateOrRetrieveKey(ctx, alias, accessControl)
}

func newGatedVault(t *testing.T, provider *gatedProvider) *Keystore {
	t.Helper()
	opts := DefaultOptions()
	k, err := New(context.Background(), opts, Dependencies{
		Store:    persist.NewMemoryStore(),
		Provider: provider,
		Probe:    NewStaticProbe(fullDevice),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })
	return k
}

func TestConcurrentRotationFailsFast(t *testing.T) {
	ctx := context.Background()
	provider := newGatedProvider(t)
	k := newGatedVault(t, provider)
	events := recordEvents(k)

	_, err := k.SetItem(ctx, "k", "v", ItemOptions{})
	require.NoError(t, err)

	provider.armed.Store(true)

	var first *RotationResult
	var firstErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		first, firstErr = k.RotateKeys(ctx, RotateOptions{Force: true})
	}()

	<-provider.entered
	assert.True(t, k.RotationStatus().IsRotating)

	_, err = k.RotateKeys(ctx, RotateOptions{Force: true})
	assert.ErrorIs(t, err, ErrRotationInProgress)
	assert.True(t, IsBenign(err))

	_, err = k.ReEncrypt(ctx)
	assert.ErrorIs(t, err, ErrRotationInProgress)

	close(provider.release)
	<-done

	require.NoError(t, firstErr)
	require.NotNil(t, first)
	assert.False(t, k.RotationStatus().IsRotating)

	got := events()
	assert.Equal(t, 1, countEvents(got, EventRotationStarted))
	assert.Equal(t, 1, countEvents(got, EventRotationCompleted))
	assert.Equal(t, 0, countEvents(got, EventRotationFailed))
}

func TestKeyGenerationFailureDoesNotFallBack(t *testing.T) {
	ctx := context.Background()
	provider := newGatedProvider(t)
	k := newGatedVault(t, provider)
	events := recordEvents(k)

	md, err := k.SetItem(ctx, "k", "v", ItemOptions{})
	require.NoError(t, err)

	provider.fail.Store(true)
	_, err = k.RotateKeys(ctx, RotateOptions{Force: true})
	require.ErrorIs(t, err, ErrKeyGenerationFailed)

	status := k.RotationStatus()
	assert.False(t, status.IsRotating)
	require.NotNil(t, status.CurrentKeyVersion)
	assert.Equal(t, md.KeyAlias, status.CurrentKeyVersion.ID, "current version must not change")
	assert.Len(t, status.AvailableKeyVersions, 1)
	assert.NotEmpty(t, status.LastError)

	got := events()
	require.Len(t, got, 2)
	assert.Equal(t, EventRotationStarted, got[0].Type)
	assert.Equal(t, EventRotationFailed, got[1].Type)
	assert.NotEmpty(t, got[1].Reason)

	// the next attempt is permitted
	provider.fail.Store(false)
	_, err = k.RotateKeys(ctx, RotateOptions{Force: true})
	require.NoError(t, err)
	assert.Empty(t, k.RotationStatus().LastError)
}

func TestScheduledRotationNotNeeded(t *testing.T) {
	ctx := context.Background()
	kv := newTestVault(t)
	events := recordEvents(kv.Keystore)

	_, err := kv.SetItem(ctx, "k", "v", ItemOptions{})
	require.NoError(t, err)
	before := kv.RotationStatus()

	_, err = kv.RotateKeys(ctx, RotateOptions{Reason: RotationReasonScheduled})
	require.ErrorIs(t, err, ErrRotationNotNeeded)
	assert.True(t, IsBenign(err))

	after := kv.RotationStatus()
	assert.Equal(t, before.CurrentKeyVersion, after.CurrentKeyVersion)
	assert.Empty(t, events(), "a rejected rotation must not change state or emit")
}

func TestScheduledRotationAfterInterval(t *testing.T) {
	ctx := context.Background()
	kv := newTestVault(t)

	_, err := kv.SetItem(ctx, "k", "v", ItemOptions{})
	require.NoError(t, err)

	policy := DefaultRotationPolicy()
	policy.Enabled = false
	require.NoError(t, kv.InitializeRotation(ctx, policy))
	_, err = kv.RotateKeys(ctx, RotateOptions{Reason: RotationReasonScheduled})
	assert.ErrorIs(t, err, ErrRotationNotNeeded, "disabled policy never schedules")

	policy.Enabled = true
	policy.RotationInterval = time.Millisecond
	require.NoError(t, kv.UpdateRotationPolicy(ctx, policy))
	time.Sleep(5 * time.Millisecond)

	result, err := kv.RotateKeys(ctx, RotateOptions{Reason: RotationReasonScheduled})
	require.NoError(t, err)
	assert.NotEmpty(t, result.NewKeyVersion)
}

func TestManualRotationDisabledByPolicy(t *testing.T) {
	ctx := context.Background()
	kv := newTestVault(t)

	policy := DefaultRotationPolicy()
	policy.Enabled = false
	policy.ManualRotationEnabled = false
	require.NoError(t, kv.InitializeRotation(ctx, policy))

	_, err := kv.RotateKeys(ctx, RotateOptions{Reason: RotationReasonManual})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = kv.RotateKeys(ctx, RotateOptions{Reason: RotationReasonManual, Force: true})
	assert.NoError(t, err)
}

func TestSecurityAuditRotationAlwaysRuns(t *testing.T) {
	ctx := context.Background()
	kv := newTestVault(t)

	_, err := kv.SetItem(ctx, "k", "v", ItemOptions{})
	require.NoError(t, err)

	_, err = kv.RotateKeys(ctx, RotateOptions{Reason: RotationReasonSecurityAudit})
	assert.NoError(t, err)
}

func TestRotateRejectsBadOptions(t *testing.T) {
	ctx := context.Background()
	kv := newTestVault(t)

	_, err := kv.RotateKeys(ctx, RotateOptions{Reason: "whim"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = kv.RotateKeys(ctx, RotateOptions{Force: true, Services: []string{"../etc"}})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRotationPolicyValidation(t *testing.T) {
	p := DefaultRotationPolicy()
	assert.NoError(t, p.Validate())

	p.RotationInterval = 0
	assert.Error(t, p.Validate())

	p.Enabled = false
	assert.NoError(t, p.Validate())

	p.MaxKeyVersions = 0
	assert.Error(t, p.Validate())

	kv := newTestVault(t)
	assert.ErrorIs(t, kv.InitializeRotation(context.Background(), p), ErrInvalidInput)
}

func TestRotationWithoutBackgroundReEncryption(t *testing.T) {
	ctx := context.Background()
	kv := newTestVault(t)

	policy := DefaultRotationPolicy()
	policy.Enabled = false
	policy.BackgroundReEncryption = false
	require.NoError(t, kv.InitializeRotation(ctx, policy))

	md, err := kv.SetItem(ctx, "k", "v", ItemOptions{})
	require.NoError(t, err)

	result, err := kv.RotateKeys(ctx, RotateOptions{Force: true})
	require.NoError(t, err)
	assert.Zero(t, result.ItemsReEncrypted)

	item, err := kv.GetItem(ctx, "k", "")
	require.NoError(t, err)
	assert.Equal(t, "v", item.Value, "old versions stay readable")
	assert.Equal(t, md.KeyAlias, item.Metadata.KeyAlias)

	sweep, err := kv.ReEncrypt(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sweep.ItemsReEncrypted)
	assert.NoError(t, sweep.Err())

	item, err = kv.GetItem(ctx, "k", "")
	require.NoError(t, err)
	assert.Equal(t, result.NewKeyVersion, item.Metadata.KeyAlias)
}

func TestReEncryptionIsolatesItemFailures(t *testing.T) {
	ctx := context.Background()
	kv := newTestVault(t)

	for _, key := range []string{"a", "b", "c"} {
		_, err := kv.SetItem(ctx, key, "v-"+key, ItemOptions{})
		require.NoError(t, err)
	}
	require.NoError(t, kv.store.Put(ctx, persist.Item{Key: "broken", Service: DefaultService, Ciphertext: `{"encryptedDEK":"x"}`}))

	result, err := kv.RotateKeys(ctx, RotateOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 3, result.ItemsReEncrypted)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "broken", result.Errors[0].Key)
	assert.ErrorIs(t, result.Errors[0], ErrInvalidEnvelopeFormat)

	for _, key := range []string{"a", "b", "c"} {
		item, err := kv.GetItem(ctx, key, "")
		require.NoError(t, err)
		assert.Equal(t, "v-"+key, item.Value)
	}
}

func TestRotationRestrictedToServices(t *testing.T) {
	ctx := context.Background()
	kv := newTestVault(t)

	_, err := kv.SetItem(ctx, "k", "v", ItemOptions{Service: "one"})
	require.NoError(t, err)
	mdTwo, err := kv.SetItem(ctx, "k", "v", ItemOptions{Service: "two"})
	require.NoError(t, err)

	result, err := kv.RotateKeys(ctx, RotateOptions{Force: true, Services: []string{"one"}})
	require.NoError(t, err)
	assert.Equal(t, 1, result.ItemsReEncrypted)

	one, err := kv.GetItem(ctx, "k", "one")
	require.NoError(t, err)
	assert.Equal(t, result.NewKeyVersion, one.Metadata.KeyAlias)

	two, err := kv.GetItem(ctx, "k", "two")
	require.NoError(t, err)
	assert.Equal(t, mdTwo.KeyAlias, two.Metadata.KeyAlias)
}

func TestReEncryptionKeepsRecordedPolicy(t *testing.T) {
	ctx := context.Background()
	kv := newTestVault(t)

	md, err := kv.SetItem(ctx, "k", "v", ItemOptions{AccessControl: AccessPolicyDevicePasscode})
	require.NoError(t, err)
	require.Equal(t, AccessPolicyDevicePasscode, md.AccessControl)

	_, err = kv.RotateKeys(ctx, RotateOptions{Force: true})
	require.NoError(t, err)

	item, err := kv.GetItem(ctx, "k", "")
	require.NoError(t, err)
	assert.Equal(t, AccessPolicyDevicePasscode, item.Metadata.AccessControl)
	assert.Equal(t, SecurityTierDeviceCredential, item.Metadata.SecurityLevel)
}

func TestScheduledTickRunsCallbackAndRotation(t *testing.T) {
	ctx := context.Background()
	kv := newTestVault(t, func(o *Options) { o.RotationCheckInterval = 5 * time.Millisecond })
	events := recordEvents(kv.Keystore)

	_, err := kv.SetItem(ctx, "k", "v", ItemOptions{})
	require.NoError(t, err)

	var ticks atomic.Int32
	kv.rotation.onTick = func(context.Context) { ticks.Add(1) }

	policy := DefaultRotationPolicy()
	policy.RotationInterval = time.Millisecond
	require.NoError(t, kv.InitializeRotation(ctx, policy))

	require.Eventually(t, func() bool {
		return countEvents(events(), EventRotationCompleted) > 0
	}, 2*time.Second, 5*time.Millisecond)
	assert.Positive(t, ticks.Load())

	kv.rotation.Stop()
}

func TestEventHandlerCanUpdatePolicyDuringScheduledRotation(t *testing.T) {
	ctx := context.Background()
	kv := newTestVault(t, func(o *Options) { o.RotationCheckInterval = 5 * time.Millisecond })

	disabled := DefaultRotationPolicy()
	disabled.Enabled = false

	var once sync.Once
	updated := make(chan error, 1)
	kv.OnRotationEvent(func(e RotationEvent) {
		if e.Type != EventRotationCompleted {
			return
		}
		once.Do(func() { updated <- kv.UpdateRotationPolicy(ctx, disabled) })
	})

	policy := DefaultRotationPolicy()
	policy.RotationInterval = time.Millisecond
	require.NoError(t, kv.InitializeRotation(ctx, policy))

	select {
	case err := <-updated:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("policy update from the scheduler goroutine did not return")
	}

	assert.False(t, kv.RotationStatus().Policy.Enabled)
	require.Eventually(t, func() bool { return !kv.RotationStatus().IsRotating }, time.Second, 5*time.Millisecond)
	require.NoError(t, kv.Close())
}
