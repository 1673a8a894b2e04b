package keystore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"southwinds.dev/keyvault/internal/crypto"
	"southwinds.dev/keyvault/persist"
)

var fastKDF = crypto.KDFParams{Time: 1, Memory: 8 * 1024, Threads: 1}

func TestSoftwareWrapUnwrap(t *testing.T) {
	ctx := context.Background()
	ks, err := NewSoftware(ctx, SoftwareOptions{})
	require.NoError(t, err)
	assert.Equal(t, BackendSoftware, ks.Backend())

	handle, err := ks.CreateOrRetrieveKey(ctx, "v1", nil)
	require.NoError(t, err)
	assert.Equal(t, "v1", handle.Alias)

	again, err := ks.CreateOrRetrieveKey(ctx, "v1", nil)
	require.NoError(t, err)
	assert.Equal(t, handle.CreatedAt, again.CreatedAt, "second call must return the existing key")

	dek := []byte("0123456789abcdef0123456789abcdef")
	wrapped, err := ks.Encrypt(ctx, dek, handle)
	require.NoError(t, err)
	assert.NotEqual(t, dek, wrapped)

	unwrapped, err := ks.Decrypt(ctx, wrapped, handle)
	require.NoError(t, err)
	assert.Equal(t, dek, unwrapped)

	other, err := ks.CreateOrRetrieveKey(ctx, "v2", nil)
	require.NoError(t, err)
	_, err = ks.Decrypt(ctx, wrapped, other)
	assert.Error(t, err, "a different KEK must not unwrap")
}

func TestSoftwareRetrieveMissing(t *testing.T) {
	ks, err := NewSoftware(context.Background(), SoftwareOptions{})
	require.NoError(t, err)

	_, err = ks.RetrieveKey(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrKeyUnavailable)
}

func TestSoftwareInvalidate(t *testing.T) {
	ctx := context.Background()
	ks, err := NewSoftware(ctx, SoftwareOptions{})
	require.NoError(t, err)

	handle, err := ks.CreateOrRetrieveKey(ctx, "bio", struct{}{})
	require.NoError(t, err)
	wrapped, err := ks.Encrypt(ctx, []byte("dek"), handle)
	require.NoError(t, err)

	require.NoError(t, ks.Invalidate(ctx, "bio"))

	_, err = ks.RetrieveKey(ctx, "bio")
	assert.ErrorIs(t, err, ErrKeyInvalidated)
	_, err = ks.Decrypt(ctx, wrapped, handle)
	assert.ErrorIs(t, err, ErrKeyInvalidated)
	_, err = ks.CreateOrRetrieveKey(ctx, "bio", nil)
	assert.ErrorIs(t, err, ErrKeyInvalidated)

	require.NoError(t, ks.DeleteKey(ctx, "bio"))
	_, err = ks.RetrieveKey(ctx, "bio")
	assert.ErrorIs(t, err, ErrKeyUnavailable)

	// deleting twice is fine
	assert.NoError(t, ks.DeleteKey(ctx, "bio"))
	assert.ErrorIs(t, ks.Invalidate(ctx, "bio"), ErrKeyUnavailable)
}

func TestSoftwarePersistence(t *testing.T) {
	ctx := context.Background()
	store := persist.NewMemoryStore()

	ks, err := NewSoftware(ctx, SoftwareOptions{Settings: store, Passphrase: []byte("pass-1"), KDFParams: fastKDF})
	require.NoError(t, err)

	handle, err := ks.CreateOrRetrieveKey(ctx, "v1", nil)
	require.NoError(t, err)
	wrapped, err := ks.Encrypt(ctx, []byte("data key"), handle)
	require.NoError(t, err)
	_, err = ks.CreateOrRetrieveKey(ctx, "v2", nil)
	require.NoError(t, err)
	require.NoError(t, ks.Invalidate(ctx, "v2"))

	reopened, err := NewSoftware(ctx, SoftwareOptions{Settings: store, Passphrase: []byte("pass-1"), KDFParams: fastKDF})
	require.NoError(t, err)
	assert.Equal(t, []string{"v1", "v2"}, reopened.Aliases())

	plain, err := reopened.Decrypt(ctx, wrapped, handle)
	require.NoError(t, err)
	assert.Equal(t, []byte("data key"), plain)

	_, err = reopened.RetrieveKey(ctx, "v2")
	assert.ErrorIs(t, err, ErrKeyInvalidated, "invalidation survives a restart")

	_, err = NewSoftware(ctx, SoftwareOptions{Settings: store, Passphrase: []byte("wrong"), KDFParams: fastKDF})
	assert.Error(t, err)
}

func TestSoftwareRequiresPassphraseWhenPersistent(t *testing.T) {
	_, err := NewSoftware(context.Background(), SoftwareOptions{Settings: persist.NewMemoryStore()})
	assert.Error(t, err)
}

func TestSoftwareRotatePassphrase(t *testing.T) {
	ctx := context.Background()
	store := persist.NewMemoryStore()

	ks, err := NewSoftware(ctx, SoftwareOptions{Settings: store, Passphrase: []byte("old"), KDFParams: fastKDF})
	require.NoError(t, err)
	handle, err := ks.CreateOrRetrieveKey(ctx, "v1", nil)
	require.NoError(t, err)
	wrapped, err := ks.Encrypt(ctx, []byte("data key"), handle)
	require.NoError(t, err)

	require.Error(t, ks.RotatePassphrase(ctx, nil))
	require.NoError(t, ks.RotatePassphrase(ctx, []byte("new")))

	_, err = NewSoftware(ctx, SoftwareOptions{Settings: store, Passphrase: []byte("old"), KDFParams: fastKDF})
	assert.Error(t, err, "old passphrase must stop working")

	reopened, err := NewSoftware(ctx, SoftwareOptions{Settings: store, Passphrase: []byte("new"), KDFParams: fastKDF})
	require.NoError(t, err)
	plain, err := reopened.Decrypt(ctx, wrapped, handle)
	require.NoError(t, err)
	assert.Equal(t, []byte("data key"), plain)

	inMemory, err := NewSoftware(ctx, SoftwareOptions{})
	require.NoError(t, err)
	assert.Error(t, inMemory.RotatePassphrase(ctx, []byte("x")))
}
