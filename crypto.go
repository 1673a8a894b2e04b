package keyvault

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/awnumar/memguard"

	"southwinds.dev/keyvault/internal/crypto"
	"southwinds.dev/keyvault/keystore"
	"southwinds.dev/keyvault/persist"
)

// itemCipher seals item values under a fresh DEK wrapped by a KEK version,
// and opens envelopes, migrated envelopes and legacy ciphertexts.
type itemCipher struct {
	provider       keystore.Provider
	algorithm      Algorithm
	legacyKeyAlias string
}

// sealed is the outcome of sealing one value.
type sealed struct {
	ciphertext string
	metadata   StorageMetadata
}

func (c *itemCipher) seal(ctx context.Context, service, key string, value []byte, ac AccessControlContext, kekVersion string) (sealed, error) {
	const op = "seal"

	handle, err := c.provider.RetrieveKey(ctx, kekVersion)
	if err != nil {
		return sealed{}, keyError(op, kekVersion, err)
	}

	dek, err := crypto.GenerateKey()
	if err != nil {
		return sealed{}, newError(KindKeyGenerationFailed, op, key, err)
	}
	defer memguard.WipeBytes(dek)

	payload, err := sealPayload(c.algorithm, dek, value, itemAAD(service, key))
	if err != nil {
		return sealed{}, newError(KindStorageFailure, op, key, err)
	}

	wrapped, err := c.provider.Encrypt(ctx, dek, handle)
	if err != nil {
		return sealed{}, keyError(op, kekVersion, err)
	}

	env, err := CreateEnvelope(base64.StdEncoding.EncodeToString(wrapped), kekVersion, c.algorithm)
	if err != nil {
		return sealed{}, err
	}
	env.Ciphertext = base64.StdEncoding.EncodeToString(payload)

	raw, err := env.Marshal()
	if err != nil {
		return sealed{}, newError(KindStorageFailure, op, key, err)
	}

	return sealed{
		ciphertext: raw,
		metadata: StorageMetadata{
			SecurityLevel: ac.Tier,
			Backend:       c.provider.Backend(),
			AccessControl: ac.Policy,
			Timestamp:     epochSeconds(time.Now()),
			KeyAlias:      kekVersion,
		},
	}, nil
}

// open decrypts a stored item. The metadata key alias is authoritative for
// which KEK to use; envelopes fall back to their own KEK version and
// unversioned data to the legacy alias.
func (c *itemCipher) open(ctx context.Context, item persist.Item, md StorageMetadata) ([]byte, error) {
	const op = "open"

	if item.Ciphertext == "" {
		return nil, errorf(KindInvalidEnvelopeFormat, op, "item %s has no data", item.Key)
	}
	parsed, err := ParseEnvelope(item.Ciphertext)
	if err != nil {
		return nil, newError(KindInvalidEnvelopeFormat, op, item.Key, err)
	}

	switch p := parsed.(type) {
	case *EncryptedEnvelope:
		if p.Migrated() {
			return c.openLegacy(ctx, item, p.EncryptedDEK, c.aliasFor(md, ""))
		}
		return c.openEnvelope(ctx, item, p, c.aliasFor(md, p.KEKVersion))
	case *LegacyEncryptedData:
		return c.openLegacy(ctx, item, p.Value, c.aliasFor(md, ""))
	}
	return nil, errorf(KindInvalidEnvelopeFormat, op, "unrecognised data in item %s", item.Key)
}

func (c *itemCipher) aliasFor(md StorageMetadata, fallback string) string {
	if md.KeyAlias != "" {
		return md.KeyAlias
	}
	if fallback != "" {
		return fallback
	}
	return c.legacyKeyAlias
}

func (c *itemCipher) openEnvelope(ctx context.Context, item persist.Item, env *EncryptedEnvelope, alias string) ([]byte, error) {
	const op = "open"

	wrapped, err := base64.StdEncoding.DecodeString(env.EncryptedDEK)
	if err != nil {
		return nil, newError(KindInvalidEnvelopeFormat, op, item.Key, fmt.Errorf("encryptedDEK is not base64: %w", err))
	}
	payload, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return nil, newError(KindInvalidEnvelopeFormat, op, item.Key, fmt.Errorf("ciphertext is not base64: %w", err))
	}

	handle, err := c.provider.RetrieveKey(ctx, alias)
	if err != nil {
		return nil, keyError(op, alias, err)
	}
	dek, err := c.provider.Decrypt(ctx, wrapped, handle)
	if err != nil {
		return nil, keyError(op, alias, err)
	}
	defer memguard.WipeBytes(dek)

	value, err := openPayload(env.Algorithm, dek, payload, itemAAD(item.Service, item.Key))
	if err != nil {
		return nil, newError(KindInvalidEnvelopeFormat, op, item.Key, err)
	}
	return value, nil
}

// openLegacy decrypts a ciphertext produced directly by a KEK.
func (c *itemCipher) openLegacy(ctx context.Context, item persist.Item, value, alias string) ([]byte, error) {
	const op = "open"

	ct, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, newError(KindInvalidEnvelopeFormat, op, item.Key, fmt.Errorf("legacy value is not base64: %w", err))
	}
	handle, err := c.provider.RetrieveKey(ctx, alias)
	if err != nil {
		return nil, keyError(op, alias, err)
	}
	plaintext, err := c.provider.Decrypt(ctx, ct, handle)
	if err != nil {
		return nil, keyError(op, alias, err)
	}
	return plaintext, nil
}

// SealLegacy encrypts value directly with the KEK under alias and returns the
// unversioned, base64 encoded form written before envelopes existed. It is
// used to import data from older stores.
func SealLegacy(ctx context.Context, provider keystore.Provider, alias string, value []byte) (string, error) {
	handle, err := provider.CreateOrRetrieveKey(ctx, alias, nil)
	if err != nil {
		return "", keyError("SealLegacy", alias, err)
	}
	ct, err := provider.Encrypt(ctx, value, handle)
	if err != nil {
		return "", keyError("SealLegacy", alias, err)
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

func sealPayload(alg Algorithm, dek, plaintext, aad []byte) ([]byte, error) {
	switch alg {
	case AlgorithmAES256GCM:
		return crypto.SealGCM(dek, plaintext, aad)
	case AlgorithmAES256CBC:
		return crypto.SealCBC(dek, plaintext, aad)
	}
	return nil, errorf(KindUnsupportedAlgorithm, "seal", "algorithm %q is not supported", alg)
}

func openPayload(alg Algorithm, dek, data, aad []byte) ([]byte, error) {
	switch alg {
	case AlgorithmAES256GCM:
		return crypto.OpenGCM(dek, data, aad)
	case AlgorithmAES256CBC:
		return crypto.OpenCBC(dek, data, aad)
	}
	return nil, errorf(KindUnsupportedAlgorithm, "open", "algorithm %q is not supported", alg)
}

// itemAAD binds a payload to its location so ciphertexts cannot be swapped
// between items.
func itemAAD(service, key string) []byte {
	return []byte(service + "/" + key)
}
