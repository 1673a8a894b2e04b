package misc

const (
	// KeySize is the size of every KEK and DEK in bytes (AES-256 / ChaCha20).
	KeySize = 32

	// ArgonTime Key derivation parameters
	ArgonTime    uint32 = 4
	ArgonMemory  uint32 = 128 * 1024
	ArgonThreads uint8  = 4
	ArgonKeyLen  uint32 = 32
	SaltSize            = 16

	// CBCSaltSize is the per-message HKDF salt of the CBC+HMAC construction
	CBCSaltSize = 32
	CBCKeyInfo  = "keyvault/item/aes-256-cbc-hmac-sha256"

	FilePermissions = 0600 // user read + write
	DirPermissions  = 0700
)
