package keyvault

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testVersion = "2024-01-02T03:04:05.000000000Z"

func TestEnvelopeRoundTrip(t *testing.T) {
	for _, alg := range []Algorithm{AlgorithmAES256CBC, AlgorithmAES256GCM} {
		t.Run(string(alg), func(t *testing.T) {
			env, err := CreateEnvelope("d3JhcHBlZA==", testVersion, alg)
			require.NoError(t, err)
			env.Ciphertext = "cGF5bG9hZA=="

			raw, err := env.Marshal()
			require.NoError(t, err)

			parsed, err := ParseEnvelope(raw)
			require.NoError(t, err)
			require.IsType(t, &EncryptedEnvelope{}, parsed)
			assert.Equal(t, env, parsed)
			assert.False(t, IsLegacy(parsed))
		})
	}
}

func TestCreateEnvelope(t *testing.T) {
	env, err := CreateEnvelope("dek", testVersion, "")
	require.NoError(t, err)
	assert.Equal(t, AlgorithmAES256CBC, env.Algorithm, "default algorithm")
	assert.Equal(t, EnvelopeVersion, env.Version)
	assert.NotEmpty(t, env.Timestamp)

	_, err = CreateEnvelope("dek", testVersion, "ROT13")
	assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)

	_, err = CreateEnvelope("", testVersion, AlgorithmAES256GCM)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = CreateEnvelope("dek", "", AlgorithmAES256GCM)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestParseEnvelopeClassification(t *testing.T) {
	cases := []struct {
		name   string
		raw    any
		legacy string
		err    error
	}{
		{name: "bare string", raw: "bGVnYWN5", legacy: "bGVnYWN5"},
		{name: "bytes", raw: []byte("bGVnYWN5"), legacy: "bGVnYWN5"},
		{name: "json scalar", raw: `"quoted"`, legacy: `"quoted"`},
		{name: "value object", raw: `{"value":"x"}`, legacy: "x"},
		{name: "unrelated object", raw: `{"foo":1}`, legacy: `{"foo":1}`},
		{name: "decoded value object", raw: map[string]any{"value": "y"}, legacy: "y"},
		{name: "version only", raw: `{"version":2}`, err: ErrInvalidEnvelopeFormat},
		{name: "dek only", raw: `{"encryptedDEK":"abc"}`, err: ErrInvalidEnvelopeFormat},
		{
			name: "old version",
			raw:  `{"version":1,"encryptedDEK":"a","kekVersion":"v","timestamp":"t","algorithm":"AES-256-GCM"}`,
			err:  ErrInvalidEnvelopeFormat,
		},
		{
			name: "bad algorithm",
			raw:  `{"version":2,"encryptedDEK":"a","kekVersion":"v","timestamp":"t","algorithm":"DES"}`,
			err:  ErrInvalidEnvelopeFormat,
		},
		{name: "mistyped field", raw: `{"version":"two","encryptedDEK":"a"}`, err: ErrInvalidEnvelopeFormat},
		{name: "unsupported type", raw: 42, err: ErrInvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			parsed, err := ParseEnvelope(tc.raw)
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				assert.Nil(t, parsed)
				return
			}
			require.NoError(t, err)
			require.True(t, IsLegacy(parsed))
			assert.Equal(t, tc.legacy, parsed.(*LegacyEncryptedData).Value)
		})
	}
}

func TestParseEnvelopeNil(t *testing.T) {
	parsed, err := ParseEnvelope(nil)
	assert.NoError(t, err)
	assert.Nil(t, parsed)

	var env *EncryptedEnvelope
	parsed, err = ParseEnvelope(env)
	assert.NoError(t, err)
	assert.Nil(t, parsed)
}

func TestNeedsReEncryption(t *testing.T) {
	env, err := CreateEnvelope("dek", testVersion, AlgorithmAES256GCM)
	require.NoError(t, err)

	assert.False(t, NeedsReEncryption(env, KeyVersion{ID: testVersion}))
	assert.True(t, NeedsReEncryption(env, KeyVersion{ID: "2025-01-01T00:00:00.000000000Z"}))
}

func TestMigrateToEnvelope(t *testing.T) {
	env, err := MigrateToEnvelope("bGVnYWN5", KeyVersion{ID: testVersion})
	require.NoError(t, err)

	assert.Equal(t, AlgorithmAES256CBC, env.Algorithm)
	assert.Equal(t, "bGVnYWN5", env.EncryptedDEK)
	assert.Equal(t, testVersion, env.KEKVersion)
	assert.True(t, env.Migrated())

	raw, err := env.Marshal()
	require.NoError(t, err)
	assert.NotContains(t, raw, `"ciphertext"`)

	parsed, err := ParseEnvelope(raw)
	require.NoError(t, err)
	assert.False(t, IsLegacy(parsed))
}
