package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"southwinds.dev/keyvault/internal/misc"
)

var (
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrInvalidMAC         = errors.New("message authentication failed")
	ErrInvalidPadding     = errors.New("invalid padding")
)

// KDFParams holds the Argon2id cost parameters.
type KDFParams struct {
	Time    uint32
	Memory  uint32
	Threads uint8
}

// DefaultKDFParams returns the production Argon2id parameters.
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Time:    misc.ArgonTime,
		Memory:  misc.ArgonMemory,
		Threads: misc.ArgonThreads,
	}
}

// DeriveKey derives a 32-byte key from a passphrase and salt with Argon2id and
// returns it in a locked buffer. The caller must Destroy the buffer.
func DeriveKey(password, salt []byte, params KDFParams) (*memguard.LockedBuffer, error) {
	if len(salt) < misc.SaltSize {
		return nil, fmt.Errorf("salt must be at least %d bytes", misc.SaltSize)
	}
	if params.Time == 0 || params.Memory == 0 || params.Threads == 0 {
		params = DefaultKDFParams()
	}

	derivedKey := argon2.IDKey(password, salt, params.Time, params.Memory, params.Threads, misc.ArgonKeyLen)
	protectedKey := memguard.NewBufferFromBytes(derivedKey)

	// NewBufferFromBytes wipes the source, this is for clarity
	memguard.WipeBytes(derivedKey)

	return protectedKey, nil
}

// RandomBytes returns n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return buf, nil
}

// GenerateKey returns a fresh 32-byte key that passes the weak key check.
func GenerateKey() ([]byte, error) {
	for attempt := 0; attempt < 3; attempt++ {
		key, err := RandomBytes(misc.KeySize)
		if err != nil {
			return nil, err
		}
		if !IsWeakKey(key) {
			return key, nil
		}
		memguard.WipeBytes(key)
	}
	return nil, errors.New("generated key failed entropy check")
}

// EncryptValue seals value with ChaCha20-Poly1305 and returns nonce||ciphertext.
func EncryptValue(value, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce, err := RandomBytes(aead.NonceSize())
	if err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := aead.Seal(nil, nonce, value, nil)

	encrypted := make([]byte, len(nonce)+len(ciphertext))
	copy(encrypted[:len(nonce)], nonce)
	copy(encrypted[len(nonce):], ciphertext)

	return encrypted, nil
}

// DecryptValue opens data produced by EncryptValue.
func DecryptValue(encryptedData, key []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(encryptedData) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	nonceSize := aead.NonceSize()
	plaintext, err := aead.Open(nil, encryptedData[:nonceSize], encryptedData[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	return plaintext, nil
}

// SealGCM encrypts plaintext with AES-256-GCM. Layout: nonce||ciphertext||tag.
func SealGCM(key, plaintext, aad []byte) ([]byte, error) {
	if len(key) != misc.KeySize {
		return nil, fmt.Errorf("AES-256 requires a %d byte key", misc.KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	nonce, err := RandomBytes(gcm.NonceSize())
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

// OpenGCM decrypts data produced by SealGCM.
func OpenGCM(key, sealed, aad []byte) ([]byte, error) {
	if len(key) != misc.KeySize {
		return nil, fmt.Errorf("AES-256 requires a %d byte key", misc.KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	if len(sealed) < gcm.NonceSize()+gcm.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	plaintext, err := gcm.Open(nil, sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():], aad)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}
	return plaintext, nil
}

// SealCBC encrypts plaintext with AES-256-CBC and PKCS#7 padding, then
// authenticates iv||ciphertext with HMAC-SHA256. Encryption and MAC keys are
// derived from key with HKDF-SHA256 over a per-message salt.
// Layout: salt||iv||ciphertext||mac.
func SealCBC(key, plaintext, aad []byte) ([]byte, error) {
	salt, err := RandomBytes(misc.CBCSaltSize)
	if err != nil {
		return nil, err
	}
	encKey, macKey, err := deriveCBCKeys(key, salt)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(encKey)
	defer memguard.WipeBytes(macKey)

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	iv, err := RandomBytes(aes.BlockSize)
	if err != nil {
		return nil, err
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	tag := computeMAC(macKey, aad, iv, ct)

	out := make([]byte, 0, len(salt)+len(iv)+len(ct)+len(tag))
	out = append(out, salt...)
	out = append(out, iv...)
	out = append(out, ct...)
	out = append(out, tag...)
	return out, nil
}

// OpenCBC verifies and decrypts data produced by SealCBC.
func OpenCBC(key, sealed, aad []byte) ([]byte, error) {
	minSize := misc.CBCSaltSize + aes.BlockSize + aes.BlockSize + sha256.Size
	if len(sealed) < minSize {
		return nil, ErrCiphertextTooShort
	}

	salt := sealed[:misc.CBCSaltSize]
	iv := sealed[misc.CBCSaltSize : misc.CBCSaltSize+aes.BlockSize]
	macStart := len(sealed) - sha256.Size
	body := sealed[misc.CBCSaltSize+aes.BlockSize : macStart]
	tag := sealed[macStart:]

	if len(body)%aes.BlockSize != 0 {
		return nil, ErrInvalidPadding
	}

	encKey, macKey, err := deriveCBCKeys(key, salt)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(encKey)
	defer memguard.WipeBytes(macKey)

	if subtle.ConstantTimeCompare(computeMAC(macKey, aad, iv, body), tag) != 1 {
		return nil, ErrInvalidMAC
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	pt := make([]byte, len(body))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, body)

	return pkcs7Unpad(pt, aes.BlockSize)
}

func deriveCBCKeys(key, salt []byte) (encKey, macKey []byte, err error) {
	if len(key) != misc.KeySize {
		return nil, nil, fmt.Errorf("AES-256 requires a %d byte key", misc.KeySize)
	}
	stream := hkdf.New(sha256.New, key, salt, []byte(misc.CBCKeyInfo))
	encKey = make([]byte, misc.KeySize)
	macKey = make([]byte, misc.KeySize)
	if _, err = io.ReadFull(stream, encKey); err != nil {
		return nil, nil, err
	}
	if _, err = io.ReadFull(stream, macKey); err != nil {
		return nil, nil, err
	}
	return encKey, macKey, nil
}

func computeMAC(macKey, aad, iv, ct []byte) []byte {
	mac := hmac.New(sha256.New, macKey)
	mac.Write(aad)
	mac.Write(iv)
	mac.Write(ct)
	return mac.Sum(nil)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	out := make([]byte, len(data)+padLen)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrInvalidPadding
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, ErrInvalidPadding
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, ErrInvalidPadding
		}
	}
	return data[:len(data)-padLen], nil
}

// CalculateChecksum returns the hex SHA-256 of data.
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// IsWeakKey checks if a key has obvious weaknesses
func IsWeakKey(key []byte) bool {
	if len(key) < misc.KeySize {
		return true
	}

	allZero := true
	for _, b := range key {
		if b != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return true
	}

	firstByte := key[0]
	allSame := true
	for _, b := range key[1:] {
		if b != firstByte {
			allSame = false
			break
		}
	}
	if allSame {
		return true
	}

	// a random 32 byte key practically always has more than 16 distinct values
	uniqueBytes := make(map[byte]bool)
	for _, b := range key {
		uniqueBytes[b] = true
	}

	return len(uniqueBytes) < 16
}
