package keystore

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKMS emulates the KMS calls the provider makes. Ciphertexts are the key
// id followed by the plaintext xor'ed with a per-key byte.
type fakeKMS struct {
	mu      sync.Mutex
	keys    map[string]*types.KeyMetadata
	aliases map[string]string
	next    int
}

func newFakeKMS() *fakeKMS {
	return &fakeKMS{keys: map[string]*types.KeyMetadata{}, aliases: map[string]string{}}
}

func (f *fakeKMS) resolve(id string) (*types.KeyMetadata, error) {
	if target, ok := f.aliases[id]; ok {
		id = target
	}
	md, ok := f.keys[id]
	if !ok {
		return nil, &types.NotFoundException{Message: aws.String("not found: " + id)}
	}
	return md, nil
}

func (f *fakeKMS) CreateKey(ctx context.Context, in *kms.CreateKeyInput, _ ...func(*kms.Options)) (*kms.CreateKeyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := fmt.Sprintf("key-%d", f.next)
	md := &types.KeyMetadata{KeyId: aws.String(id), KeyState: types.KeyStateEnabled, CreationDate: aws.Time(time.Now())}
	f.keys[id] = md
	return &kms.CreateKeyOutput{KeyMetadata: md}, nil
}

func (f *fakeKMS) CreateAlias(ctx context.Context, in *kms.CreateAliasInput, _ ...func(*kms.Options)) (*kms.CreateAliasOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aliases[aws.ToString(in.AliasName)] = aws.ToString(in.TargetKeyId)
	return &kms.CreateAliasOutput{}, nil
}

func (f *fakeKMS) DeleteAlias(ctx context.Context, in *kms.DeleteAliasInput, _ ...func(*kms.Options)) (*kms.DeleteAliasOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.aliases, aws.ToString(in.AliasName))
	return &kms.DeleteAliasOutput{}, nil
}

func (f *fakeKMS) DescribeKey(ctx context.Context, in *kms.DescribeKeyInput, _ ...func(*kms.Options)) (*kms.DescribeKeyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	md, err := f.resolve(aws.ToString(in.KeyId))
	if err != nil {
		return nil, err
	}
	cp := *md
	return &kms.DescribeKeyOutput{KeyMetadata: &cp}, nil
}

func (f *fakeKMS) Encrypt(ctx context.Context, in *kms.EncryptInput, _ ...func(*kms.Options)) (*kms.EncryptOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	md, err := f.resolve(aws.ToString(in.KeyId))
	if err != nil {
		return nil, err
	}
	if md.KeyState != types.KeyStateEnabled {
		return nil, &types.DisabledException{Message: aws.String("disabled")}
	}
	blob := append([]byte(aws.ToString(md.KeyId)+"|"), xor(in.Plaintext, md.KeyId)...)
	return &kms.EncryptOutput{CiphertextBlob: blob, KeyId: md.KeyId}, nil
}

func (f *fakeKMS) Decrypt(ctx context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	md, err := f.resolve(aws.ToString(in.KeyId))
	if err != nil {
		return nil, err
	}
	if md.KeyState != types.KeyStateEnabled {
		return nil, &types.KMSInvalidStateException{Message: aws.String(string(md.KeyState))}
	}
	prefix := []byte(aws.ToString(md.KeyId) + "|")
	if !bytes.HasPrefix(in.CiphertextBlob, prefix) {
		return nil, &types.IncorrectKeyException{Message: aws.String("wrong key")}
	}
	return &kms.DecryptOutput{Plaintext: xor(in.CiphertextBlob[len(prefix):], md.KeyId)}, nil
}

func (f *fakeKMS) ScheduleKeyDeletion(ctx context.Context, in *kms.ScheduleKeyDeletionInput, _ ...func(*kms.Options)) (*kms.ScheduleKeyDeletionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	md, err := f.resolve(aws.ToString(in.KeyId))
	if err != nil {
		return nil, err
	}
	md.KeyState = types.KeyStatePendingDeletion
	return &kms.ScheduleKeyDeletionOutput{KeyId: md.KeyId}, nil
}

func (f *fakeKMS) setState(alias string, state types.KeyState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	md, _ := f.resolve(alias)
	md.KeyState = state
}

func xor(data []byte, keyID *string) []byte {
	k := byte(len(aws.ToString(keyID)) + 7)
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ k
	}
	return out
}

func TestKMSProvider(t *testing.T) {
	ctx := context.Background()
	fake := newFakeKMS()
	provider := newKMSWithClient(fake, KMSConfig{AliasPrefix: "test"})
	assert.Equal(t, BackendKMS, provider.Backend())

	const alias = "2026-01-02T03:04:05.000000000Z"

	_, err := provider.RetrieveKey(ctx, alias)
	require.ErrorIs(t, err, ErrKeyUnavailable)

	handle, err := provider.CreateOrRetrieveKey(ctx, alias, nil)
	require.NoError(t, err)
	assert.Equal(t, alias, handle.Alias)
	assert.Contains(t, fake.aliases, "alias/test/2026-01-02T03-04-05-000000000Z")

	_, err = provider.CreateOrRetrieveKey(ctx, alias, nil)
	require.NoError(t, err)
	assert.Len(t, fake.keys, 1, "existing alias must be reused")

	wrapped, err := provider.Encrypt(ctx, []byte("dek"), handle)
	require.NoError(t, err)
	plain, err := provider.Decrypt(ctx, wrapped, handle)
	require.NoError(t, err)
	assert.Equal(t, []byte("dek"), plain)
}

func TestKMSProviderInvalidation(t *testing.T) {
	ctx := context.Background()
	fake := newFakeKMS()
	provider := newKMSWithClient(fake, KMSConfig{})

	handle, err := provider.CreateOrRetrieveKey(ctx, "v1", nil)
	require.NoError(t, err)
	wrapped, err := provider.Encrypt(ctx, []byte("dek"), handle)
	require.NoError(t, err)

	fake.setState(provider.aliasName("v1"), types.KeyStateDisabled)

	_, err = provider.RetrieveKey(ctx, "v1")
	assert.ErrorIs(t, err, ErrKeyInvalidated)
	_, err = provider.Decrypt(ctx, wrapped, handle)
	assert.ErrorIs(t, err, ErrKeyInvalidated)
}

func TestKMSProviderDeleteKey(t *testing.T) {
	ctx := context.Background()
	fake := newFakeKMS()
	provider := newKMSWithClient(fake, KMSConfig{DeletionWindowDays: 1})
	assert.Equal(t, int32(defaultDeletionDays), provider.deletionDays)

	_, err := provider.CreateOrRetrieveKey(ctx, "v1", nil)
	require.NoError(t, err)

	require.NoError(t, provider.DeleteKey(ctx, "v1"))
	assert.Equal(t, types.KeyStatePendingDeletion, fake.keys["key-1"].KeyState)

	_, err = provider.RetrieveKey(ctx, "v1")
	assert.ErrorIs(t, err, ErrKeyUnavailable)

	assert.NoError(t, provider.DeleteKey(ctx, "v1"), "unknown alias is not an error")
}
