package keyvault

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"southwinds.dev/keyvault/keystore"
	"southwinds.dev/keyvault/persist"
)

var fullDevice = CapabilitySnapshot{SecureEnclave: true, Biometry: true, DeviceCredential: true}

type testVault struct {
	*Keystore
	store    *persist.MemoryStore
	provider *keystore.Software
	probe    *StaticProbe
}

func newTestVault(t *testing.T, configure ...func(*Options)) *testVault {
	t.Helper()
	ctx := context.Background()

	store := persist.NewMemoryStore()
	provider, err := keystore.NewSoftware(ctx, keystore.SoftwareOptions{})
	require.NoError(t, err)
	return openTestVault(t, store, provider, NewStaticProbe(fullDevice), configure...)
}

func openTestVault(t *testing.T, store *persist.MemoryStore, provider *keystore.Software, probe *StaticProbe,
	configure ...func(*Options)) *testVault {
	t.Helper()

	opts := DefaultOptions()
	opts.KeyRetentionGrace = 0
	for _, fn := range configure {
		fn(&opts)
	}

	k, err := New(context.Background(), opts, Dependencies{Store: store, Provider: provider, Probe: probe})
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })

	return &testVault{Keystore: k, store: store, provider: provider, probe: probe}
}

// recordEvents subscribes to the vault and returns a snapshot function.
func recordEvents(k *Keystore) func() []RotationEvent {
	var mu sync.Mutex
	var events []RotationEvent
	k.OnRotationEvent(func(e RotationEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	return func() []RotationEvent {
		mu.Lock()
		defer mu.Unlock()
		return append([]RotationEvent(nil), events...)
	}
}

func countEvents(events []RotationEvent, typ EventType) int {
	n := 0
	for _, e := range events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestNewRequiresDependencies(t *testing.T) {
	ctx := context.Background()
	provider, err := keystore.NewSoftware(ctx, keystore.SoftwareOptions{})
	require.NoError(t, err)

	_, err = New(ctx, DefaultOptions(), Dependencies{Provider: provider})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = New(ctx, DefaultOptions(), Dependencies{Store: persist.NewMemoryStore()})
	assert.ErrorIs(t, err, ErrInvalidInput)

	opts := DefaultOptions()
	opts.Algorithm = "ROT13"
	_, err = New(ctx, opts, Dependencies{Store: persist.NewMemoryStore(), Provider: provider})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSetAndGetItem(t *testing.T) {
	ctx := context.Background()
	kv := newTestVault(t)

	md, err := kv.SetItem(ctx, "auth-token", "secret-value", ItemOptions{Service: "payments"})
	require.NoError(t, err)
	assert.Equal(t, AccessPolicySecureEnclaveBiometry, md.AccessControl)
	assert.Equal(t, SecurityTierSecureEnclave, md.SecurityLevel)
	assert.Equal(t, keystore.BackendSoftware, md.Backend)

	current, ok := kv.registry.Current()
	require.True(t, ok, "first write must create the initial key version")
	assert.Equal(t, current.ID, md.KeyAlias)

	item, err := kv.GetItem(ctx, "auth-token", "payments")
	require.NoError(t, err)
	assert.Equal(t, "secret-value", item.Value)
	assert.Equal(t, md.KeyAlias, item.Metadata.KeyAlias)

	stored, err := kv.store.Get(ctx, "auth-token", "payments")
	require.NoError(t, err)
	assert.NotContains(t, stored.Ciphertext, "secret-value")

	parsed, err := ParseEnvelope(stored.Ciphertext)
	require.NoError(t, err)
	env, ok := parsed.(*EncryptedEnvelope)
	require.True(t, ok)
	assert.Equal(t, current.ID, env.KEKVersion)
	assert.Equal(t, AlgorithmAES256GCM, env.Algorithm)
	assert.False(t, env.Migrated())
}

func TestSetItemDowngradesOnWeakDevice(t *testing.T) {
	ctx := context.Background()
	kv := newTestVault(t)
	kv.probe.Set(CapabilitySnapshot{DeviceCredential: true})
	_, _, err := kv.caps.Refresh(ctx)
	require.NoError(t, err)

	md, err := kv.SetItem(ctx, "pin", "1234", ItemOptions{AccessControl: AccessPolicyBiometryCurrentSet})
	require.NoError(t, err)
	assert.Equal(t, AccessPolicyDevicePasscode, md.AccessControl)
	assert.Equal(t, SecurityTierDeviceCredential, md.SecurityLevel)
}

func TestSetItemWithCBCAlgorithm(t *testing.T) {
	ctx := context.Background()
	kv := newTestVault(t, func(o *Options) { o.Algorithm = AlgorithmAES256CBC })

	_, err := kv.SetItem(ctx, "k", "v", ItemOptions{})
	require.NoError(t, err)

	item, err := kv.GetItem(ctx, "k", "")
	require.NoError(t, err)
	assert.Equal(t, "v", item.Value)
	assert.Equal(t, DefaultService, item.Service)
}

func TestItemInputValidation(t *testing.T) {
	ctx := context.Background()
	kv := newTestVault(t)

	tests := []struct {
		name string
		key  string
		val  string
		opts ItemOptions
	}{
		{"empty key", "", "v", ItemOptions{}},
		{"traversal key", "../etc", "v", ItemOptions{}},
		{"traversal service", "k", "v", ItemOptions{Service: "../x"}},
		{"empty value", "k", "", ItemOptions{}},
		{"unknown policy", "k", "v", ItemOptions{AccessControl: "retina"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := kv.SetItem(ctx, tt.key, tt.val, tt.opts)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestGetMissingItem(t *testing.T) {
	kv := newTestVault(t)

	_, err := kv.GetItem(context.Background(), "missing", "")
	assert.ErrorIs(t, err, ErrItemNotFound)
	assert.Equal(t, KindItemNotFound, KindOf(err))
}

func TestHasDeleteAndClear(t *testing.T) {
	ctx := context.Background()
	kv := newTestVault(t)

	for _, key := range []string{"a", "b", "c"} {
		_, err := kv.SetItem(ctx, key, "value-"+key, ItemOptions{Service: "svc"})
		require.NoError(t, err)
	}

	ok, err := kv.HasItem(ctx, "a", "svc")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, kv.DeleteItem(ctx, "a", "svc"))
	ok, err = kv.HasItem(ctx, "a", "svc")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, kv.DeleteItem(ctx, "a", "svc"), ErrItemNotFound)

	items, err := kv.GetAllItems(ctx, "svc")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "value-b", items[0].Value)
	assert.Equal(t, "value-c", items[1].Value)

	removed, err := kv.ClearService(ctx, "svc")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	items, err = kv.GetAllItems(ctx, "svc")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestGetAllItemsReportsPerItemErrors(t *testing.T) {
	ctx := context.Background()
	kv := newTestVault(t)

	_, err := kv.SetItem(ctx, "good", "fine", ItemOptions{Service: "svc"})
	require.NoError(t, err)
	require.NoError(t, kv.store.Put(ctx, persist.Item{Key: "bad", Service: "svc", Ciphertext: `{"version":2}`}))

	items, err := kv.GetAllItems(ctx, "svc")
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "bad", items[0].Key)
	assert.ErrorIs(t, items[0].Err, ErrInvalidEnvelopeFormat)
	assert.Equal(t, "good", items[1].Key)
	assert.NoError(t, items[1].Err)
	assert.Equal(t, "fine", items[1].Value)
}

func TestCiphertextIsBoundToItem(t *testing.T) {
	ctx := context.Background()
	kv := newTestVault(t)

	_, err := kv.SetItem(ctx, "a", "alpha", ItemOptions{})
	require.NoError(t, err)
	stored, err := kv.store.Get(ctx, "a", DefaultService)
	require.NoError(t, err)

	copied := *stored
	copied.Key = "b"
	require.NoError(t, kv.store.Put(ctx, copied))

	_, err = kv.GetItem(ctx, "b", "")
	assert.ErrorIs(t, err, ErrInvalidEnvelopeFormat)
}

// Scenario: a forced rotation is transparent to readers.
func TestRotationIsTransparentToReads(t *testing.T) {
	ctx := context.Background()
	kv := newTestVault(t)

	md, err := kv.SetItem(ctx, "auth-token", "secret-value", ItemOptions{})
	require.NoError(t, err)
	before := md.KeyAlias

	result, err := kv.RotateKeys(ctx, RotateOptions{Force: true})
	require.NoError(t, err)
	assert.NotEqual(t, before, result.NewKeyVersion)
	assert.Equal(t, before, result.PreviousKeyVersion)
	assert.Equal(t, 1, result.ItemsReEncrypted)
	assert.Empty(t, result.Errors)

	status := kv.RotationStatus()
	require.NotNil(t, status.CurrentKeyVersion)
	assert.Equal(t, result.NewKeyVersion, status.CurrentKeyVersion.ID)

	item, err := kv.GetItem(ctx, "auth-token", "")
	require.NoError(t, err)
	assert.Equal(t, "secret-value", item.Value)
	assert.Equal(t, result.NewKeyVersion, item.Metadata.KeyAlias)
}

func TestReadInvalidatedKeyTriggersRecovery(t *testing.T) {
	ctx := context.Background()
	kv := newTestVault(t)
	events := recordEvents(kv.Keystore)

	md, err := kv.SetItem(ctx, "token", "v", ItemOptions{AccessControl: AccessPolicyBiometryCurrentSet})
	require.NoError(t, err)
	require.NoError(t, kv.provider.Invalidate(ctx, md.KeyAlias))

	_, err = kv.GetItem(ctx, "token", "")
	require.ErrorIs(t, err, ErrKeyInvalidated)
	assert.True(t, IsRetryable(err))

	assert.NotContains(t, kv.provider.Aliases(), md.KeyAlias, "invalidated key must be deleted")

	got := events()
	assert.Equal(t, 1, countEvents(got, EventBiometricChanged))
	assert.Equal(t, 1, countEvents(got, EventRotationCompleted))

	current, ok := kv.registry.Current()
	require.True(t, ok)
	assert.NotEqual(t, md.KeyAlias, current.ID)

	// new writes use the recovered key
	_, err = kv.SetItem(ctx, "token", "v2", ItemOptions{})
	require.NoError(t, err)
	item, err := kv.GetItem(ctx, "token", "")
	require.NoError(t, err)
	assert.Equal(t, "v2", item.Value)
}

func TestWriteRecoversFromInvalidatedKeyWithoutRotation(t *testing.T) {
	ctx := context.Background()
	kv := newTestVault(t)

	policy := DefaultRotationPolicy()
	policy.Enabled = false
	policy.RotateOnBiometricChange = false
	policy.RotateOnCredentialChange = false
	require.NoError(t, kv.InitializeRotation(ctx, policy))
	events := recordEvents(kv.Keystore)

	md, err := kv.SetItem(ctx, "token", "v1", ItemOptions{})
	require.NoError(t, err)
	require.NoError(t, kv.provider.Invalidate(ctx, md.KeyAlias))

	_, err = kv.SetItem(ctx, "token", "v2", ItemOptions{})
	require.ErrorIs(t, err, ErrKeyInvalidated)
	assert.True(t, IsRetryable(err))

	current, ok := kv.registry.Current()
	require.True(t, ok)
	assert.NotEqual(t, md.KeyAlias, current.ID, "the invalidated version is no longer current")
	info, found := kv.registry.Version(current.ID)
	require.True(t, found)
	assert.Equal(t, "invalidated", info.Reason)

	for i := 0; i < 3; i++ {
		stored, err := kv.SetItem(ctx, "token", "v2", ItemOptions{})
		require.NoError(t, err, "retry %d", i)
		assert.Equal(t, current.ID, stored.KeyAlias)
	}
	item, err := kv.GetItem(ctx, "token", "")
	require.NoError(t, err)
	assert.Equal(t, "v2", item.Value)

	got := events()
	assert.Equal(t, 1, countEvents(got, EventBiometricChanged))
	assert.Zero(t, countEvents(got, EventRotationStarted), "the policy did not ask for a rotation")
}

func TestDefaultWriteInvalidationFollowsKEKPolicy(t *testing.T) {
	ctx := context.Background()
	kv := newTestVault(t)
	events := recordEvents(kv.Keystore)

	md, err := kv.SetItem(ctx, "token", "v1", ItemOptions{})
	require.NoError(t, err)
	require.Equal(t, AccessPolicySecureEnclaveBiometry, md.AccessControl)
	require.NoError(t, kv.provider.Invalidate(ctx, md.KeyAlias))

	_, err = kv.SetItem(ctx, "token", "v2", ItemOptions{})
	require.ErrorIs(t, err, ErrKeyInvalidated)

	got := events()
	require.NotEmpty(t, got)
	assert.Equal(t, EventBiometricChanged, got[0].Type)
	assert.Zero(t, countEvents(got, EventCredentialChanged))
	assert.Equal(t, 1, countEvents(got, EventRotationStarted))
	assert.Equal(t, 1, countEvents(got, EventRotationCompleted))

	_, err = kv.SetItem(ctx, "token", "v2", ItemOptions{})
	require.NoError(t, err)
}

func TestInterruptedRotationIsRecovered(t *testing.T) {
	ctx := context.Background()
	first := newTestVault(t)

	md, err := first.SetItem(ctx, "token", "survives", ItemOptions{})
	require.NoError(t, err)

	// crash after the version swap, before the sweep
	next := first.registry.NextVersionID()
	_, err = first.provider.CreateOrRetrieveKey(ctx, next, nil)
	require.NoError(t, err)
	_, err = first.registry.Promote(ctx, KeyVersionInfo{ID: next, CreatedAt: first.registry.now().UTC()})
	require.NoError(t, err)
	require.NoError(t, first.registry.BeginRotation(ctx))
	require.NoError(t, first.Close())

	second := openTestVault(t, first.store, first.provider, first.probe)

	status := second.RotationStatus()
	assert.False(t, status.IsRotating)
	assert.Contains(t, status.LastError, "interrupted")
	require.NotNil(t, status.CurrentKeyVersion)
	assert.Equal(t, next, status.CurrentKeyVersion.ID)

	item, err := second.GetItem(ctx, "token", "")
	require.NoError(t, err)
	assert.Equal(t, "survives", item.Value)
	assert.Equal(t, next, item.Metadata.KeyAlias)
	assert.NotEqual(t, md.KeyAlias, item.Metadata.KeyAlias)
}

func TestRegistryIsDurableAcrossInstances(t *testing.T) {
	ctx := context.Background()
	first := newTestVault(t)

	_, err := first.SetItem(ctx, "k", "v", ItemOptions{})
	require.NoError(t, err)
	result, err := first.RotateKeys(ctx, RotateOptions{Force: true})
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second := openTestVault(t, first.store, first.provider, first.probe)
	status := second.RotationStatus()
	require.NotNil(t, status.CurrentKeyVersion)
	assert.Equal(t, result.NewKeyVersion, status.CurrentKeyVersion.ID)
	assert.Len(t, status.AvailableKeyVersions, 2)
	assert.NotNil(t, status.LastRotationTimestamp)
}

func TestClosedKeystoreRejectsOperations(t *testing.T) {
	ctx := context.Background()
	kv := newTestVault(t)

	require.NoError(t, kv.Close())
	require.NoError(t, kv.Close(), "close is idempotent")

	_, err := kv.SetItem(ctx, "k", "v", ItemOptions{})
	assert.Error(t, err)
	_, err = kv.RotateKeys(ctx, RotateOptions{Force: true})
	assert.Error(t, err)
}
