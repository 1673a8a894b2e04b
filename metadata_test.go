package keyvault

import (
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetadataRoundTrip(t *testing.T) {
	md := StorageMetadata{
		SecurityLevel: SecurityTierSecureEnclave,
		Backend:       "software",
		AccessControl: AccessPolicyBiometryCurrentSet,
		Timestamp:     1700000000.25,
		KeyAlias:      "2024-01-02T03:04:05.000000000Z",
	}

	data, err := EncodeMetadata(md)
	require.NoError(t, err)

	again, err := EncodeMetadata(md)
	require.NoError(t, err)
	assert.Equal(t, data, again, "encoding is deterministic")

	assert.Equal(t, md, DecodeMetadata(data, zerolog.Nop()))
	assert.Equal(t, time.Unix(1700000000, 250000000).UTC(), md.Time())
}

func TestMetadataWithoutKeyAlias(t *testing.T) {
	md := StorageMetadata{
		SecurityLevel: SecurityTierSoftware,
		Backend:       DefaultBackend,
		AccessControl: AccessPolicyNone,
		Timestamp:     1,
	}
	data, err := EncodeMetadata(md)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "keyAlias")
	assert.Equal(t, md, DecodeMetadata(data, zerolog.Nop()))
}

func TestDecodeMetadataIgnoresUnknownFields(t *testing.T) {
	data, err := cbor.Marshal(map[string]interface{}{
		"securityLevel": "strongBox",
		"backend":       "software",
		"accessControl": "devicePasscode",
		"timestamp":     42.0,
		"keyAlias":      "2024-01-02T03:04:05.000000000Z",
		"attestation":   []byte{1, 2, 3},
	})
	require.NoError(t, err)

	md := DecodeMetadata(data, zerolog.Nop())
	assert.Equal(t, SecurityTierStrongBox, md.SecurityLevel)
	assert.Equal(t, AccessPolicyDevicePasscode, md.AccessControl)
	assert.Equal(t, "2024-01-02T03:04:05.000000000Z", md.KeyAlias)
}

func TestDecodeMetadataDefaults(t *testing.T) {
	for name, data := range map[string][]byte{
		"nil":     nil,
		"empty":   {},
		"garbage": []byte{0xff, 0x00, 0x13, 0x37},
		"json":    []byte(`{"securityLevel":"quantum"}`),
		"array":   []byte(`[1,2,3]`),
	} {
		t.Run(name, func(t *testing.T) {
			md := DecodeMetadata(data, zerolog.Nop())
			assert.Equal(t, SecurityTierSoftware, md.SecurityLevel)
			assert.Equal(t, DefaultBackend, md.Backend)
			assert.Equal(t, AccessPolicyNone, md.AccessControl)
			assert.Empty(t, md.KeyAlias)
			assert.Positive(t, md.Timestamp)
		})
	}
}

func TestDecodeMetadataJSONFallback(t *testing.T) {
	data := []byte(`{"securityLevel":"biometry","backend":"keychain","accessControl":"biometryAny","timestamp":12.5,"keyAlias":"legacy"}`)

	md := DecodeMetadata(data, zerolog.Nop())
	assert.Equal(t, SecurityTierBiometry, md.SecurityLevel)
	assert.Equal(t, "keychain", md.Backend)
	assert.Equal(t, AccessPolicyBiometryAny, md.AccessControl)
	assert.Equal(t, 12.5, md.Timestamp)
	assert.Equal(t, "legacy", md.KeyAlias)
}

func TestEncodeMetadataRejectsUnknownValues(t *testing.T) {
	_, err := EncodeMetadata(StorageMetadata{SecurityLevel: "quantum", AccessControl: AccessPolicyNone})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = EncodeMetadata(StorageMetadata{SecurityLevel: SecurityTierSoftware, AccessControl: "retina"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}
