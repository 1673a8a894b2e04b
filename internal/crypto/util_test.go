package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	return key
}

func TestEncryptValueRoundTrip(t *testing.T) {
	key := testKey(t)
	plaintext := []byte("wrapped data encryption key")

	sealed, err := EncryptValue(plaintext, key)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	opened, err := DecryptValue(sealed, key)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)

	_, err = DecryptValue(sealed, testKey(t))
	assert.Error(t, err, "wrong key must not authenticate")

	_, err = DecryptValue(sealed[:10], key)
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestSealGCM(t *testing.T) {
	key := testKey(t)
	aad := []byte("service/key")

	sealed, err := SealGCM(key, []byte("secret-value"), aad)
	require.NoError(t, err)

	opened, err := OpenGCM(key, sealed, aad)
	require.NoError(t, err)
	assert.Equal(t, "secret-value", string(opened))

	_, err = OpenGCM(key, sealed, []byte("other/key"))
	assert.Error(t, err, "aad mismatch must fail")

	_, err = SealGCM(key[:16], []byte("x"), nil)
	assert.Error(t, err)
}

func TestSealCBC(t *testing.T) {
	key := testKey(t)
	aad := []byte("service/key")

	for _, size := range []int{0, 1, 15, 16, 17, 1024} {
		plaintext := bytes.Repeat([]byte{'a'}, size)
		sealed, err := SealCBC(key, plaintext, aad)
		require.NoError(t, err)

		opened, err := OpenCBC(key, sealed, aad)
		require.NoError(t, err, "size %d", size)
		assert.Equal(t, plaintext, opened)
	}

	sealed, err := SealCBC(key, []byte("secret-value"), aad)
	require.NoError(t, err)

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-40] ^= 0x01
	_, err = OpenCBC(key, tampered, aad)
	assert.ErrorIs(t, err, ErrInvalidMAC)

	_, err = OpenCBC(key, sealed[:20], aad)
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestPKCS7(t *testing.T) {
	padded := pkcs7Pad([]byte("abc"), 16)
	assert.Len(t, padded, 16)

	out, err := pkcs7Unpad(padded, 16)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(out))

	padded[15] = 0
	_, err = pkcs7Unpad(padded, 16)
	assert.ErrorIs(t, err, ErrInvalidPadding)
}

func TestDeriveKey(t *testing.T) {
	params := KDFParams{Time: 1, Memory: 8 * 1024, Threads: 1}
	salt := bytes.Repeat([]byte{7}, 16)

	k1, err := DeriveKey([]byte("passphrase"), salt, params)
	require.NoError(t, err)
	defer k1.Destroy()

	k2, err := DeriveKey([]byte("passphrase"), salt, params)
	require.NoError(t, err)
	defer k2.Destroy()

	assert.Equal(t, k1.Bytes(), k2.Bytes())
	assert.Len(t, k1.Bytes(), 32)

	_, err = DeriveKey([]byte("passphrase"), []byte("short"), params)
	assert.Error(t, err)
}

func TestIsWeakKey(t *testing.T) {
	assert.True(t, IsWeakKey(make([]byte, 32)))
	assert.True(t, IsWeakKey(bytes.Repeat([]byte{0xAB}, 32)))
	assert.True(t, IsWeakKey([]byte("short")))
	assert.False(t, IsWeakKey(testKey(t)))
}

func TestCalculateChecksum(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		CalculateChecksum(nil))
}
