package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog"

	"southwinds.dev/keyvault/internal/crypto"
	"southwinds.dev/keyvault/persist"
)

const (
	// BackendSoftware is the backend name reported by the software provider.
	BackendSoftware = "softwareKeystore"

	// DefaultSettingsName is the settings blob holding sealed software KEKs.
	DefaultSettingsName = "software-keystore"

	sealSaltSize = 32
)

// SoftwareOptions configures a Software provider.
type SoftwareOptions struct {
	// Settings makes keys durable. When nil keys only live in memory.
	Settings persist.SettingsStore

	// SettingsName overrides DefaultSettingsName.
	SettingsName string

	// Passphrase seals keys at rest. Required when Settings is set.
	Passphrase []byte

	// KDFParams tunes Argon2id. Zero values mean production defaults.
	KDFParams crypto.KDFParams

	// BackendName overrides the reported backend, e.g. to mimic a platform keychain.
	BackendName string

	Logger zerolog.Logger
}

// Software keeps KEKs in memguard enclaves and wraps with ChaCha20-Poly1305.
type Software struct {
	mu   sync.RWMutex
	keys map[string]*softwareKey

	settings     persist.SettingsStore
	settingsName string
	version      string
	backend      string

	sealKey *memguard.Enclave
	salt    []byte
	kdf     crypto.KDFParams

	log zerolog.Logger
}

type softwareKey struct {
	enclave     *memguard.Enclave
	createdAt   time.Time
	invalidated bool
}

// sealedKeyring is the persisted form of the software keyring.
type sealedKeyring struct {
	Salt []byte                   `json:"salt"`
	Keys map[string]sealedKeyInfo `json:"keys"`
}

type sealedKeyInfo struct {
	Sealed      []byte    `json:"sealed"`
	CreatedAt   time.Time `json:"created_at"`
	Invalidated bool      `json:"invalidated,omitempty"`
}

// NewSoftware creates a software provider, loading any keys previously sealed
// into opts.Settings.
func NewSoftware(ctx context.Context, opts SoftwareOptions) (*Software, error) {
	s := &Software{
		keys:         make(map[string]*softwareKey),
		settings:     opts.Settings,
		settingsName: opts.SettingsName,
		backend:      opts.BackendName,
		kdf:          opts.KDFParams,
		log:          opts.Logger.With().Str("component", "keystore").Logger(),
	}
	if s.settingsName == "" {
		s.settingsName = DefaultSettingsName
	}
	if s.backend == "" {
		s.backend = BackendSoftware
	}

	if s.settings == nil {
		return s, nil
	}
	if len(opts.Passphrase) == 0 {
		return nil, fmt.Errorf("passphrase is required for a persistent software keystore")
	}

	stored, err := s.settings.LoadSettings(ctx, s.settingsName)
	if err != nil && !errors.Is(err, persist.ErrNotFound) {
		return nil, fmt.Errorf("failed to load keyring: %w", err)
	}

	if stored == nil {
		salt, err := crypto.RandomBytes(sealSaltSize)
		if err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
		if err = s.setSealKey(opts.Passphrase, salt); err != nil {
			return nil, err
		}
		if err = s.persistLocked(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}

	var ring sealedKeyring
	if err = json.Unmarshal(stored.Data, &ring); err != nil {
		return nil, fmt.Errorf("failed to decode keyring: %w", err)
	}
	s.version = stored.Version
	if err = s.setSealKey(opts.Passphrase, ring.Salt); err != nil {
		return nil, err
	}

	sealKey, err := s.sealKey.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open sealing key: %w", err)
	}
	defer sealKey.Destroy()

	for alias, info := range ring.Keys {
		plain, err := crypto.DecryptValue(info.Sealed, sealKey.Bytes())
		if err != nil {
			return nil, fmt.Errorf("failed to unseal key %s (wrong passphrase?): %w", alias, err)
		}
		s.keys[alias] = &softwareKey{
			enclave:     memguard.NewEnclave(plain),
			createdAt:   info.CreatedAt,
			invalidated: info.Invalidated,
		}
	}

	s.log.Debug().Int("keys", len(s.keys)).Msg("software keyring loaded")
	return s, nil
}

func (s *Software) Backend() string {
	return s.backend
}

func (s *Software) CreateOrRetrieveKey(ctx context.Context, alias string, accessControl any) (KeyHandle, error) {
	if alias == "" {
		return KeyHandle{}, fmt.Errorf("key alias cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if key, ok := s.keys[alias]; ok {
		if key.invalidated {
			return KeyHandle{}, fmt.Errorf("%s: %w", alias, ErrKeyInvalidated)
		}
		return s.handle(alias, key), nil
	}

	material, err := crypto.GenerateKey()
	if err != nil {
		return KeyHandle{}, fmt.Errorf("failed to generate key %s: %w", alias, err)
	}
	key := &softwareKey{
		enclave:   memguard.NewEnclave(material),
		createdAt: time.Now().UTC(),
	}
	s.keys[alias] = key

	if err = s.persistLocked(ctx); err != nil {
		delete(s.keys, alias)
		return KeyHandle{}, err
	}

	s.log.Debug().Str("alias", alias).Bool("gated", accessControl != nil).Msg("key created")
	return s.handle(alias, key), nil
}

func (s *Software) RetrieveKey(ctx context.Context, alias string) (KeyHandle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, err := s.lookup(alias)
	if err != nil {
		return KeyHandle{}, err
	}
	return s.handle(alias, key), nil
}

func (s *Software) Encrypt(ctx context.Context, plaintext []byte, handle KeyHandle) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, err := s.lookup(handle.Alias)
	if err != nil {
		return nil, err
	}
	buf, err := key.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open key %s: %w", handle.Alias, err)
	}
	defer buf.Destroy()

	return crypto.EncryptValue(plaintext, buf.Bytes())
}

func (s *Software) Decrypt(ctx context.Context, ciphertext []byte, handle KeyHandle) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, err := s.lookup(handle.Alias)
	if err != nil {
		return nil, err
	}
	buf, err := key.enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open key %s: %w", handle.Alias, err)
	}
	defer buf.Destroy()

	return crypto.DecryptValue(ciphertext, buf.Bytes())
}

func (s *Software) DeleteKey(ctx context.Context, alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[alias]
	if !ok {
		return nil
	}
	delete(s.keys, alias)
	if err := s.persistLocked(ctx); err != nil {
		s.keys[alias] = key
		return err
	}
	s.log.Debug().Str("alias", alias).Msg("key deleted")
	return nil
}

// Invalidate marks a key permanently unusable, the way a platform keystore
// does after an enrollment change. The key material is kept until DeleteKey.
func (s *Software) Invalidate(ctx context.Context, alias string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.keys[alias]
	if !ok {
		return fmt.Errorf("%s: %w", alias, ErrKeyUnavailable)
	}
	key.invalidated = true
	if err := s.persistLocked(ctx); err != nil {
		key.invalidated = false
		return err
	}
	return nil
}

// Aliases lists the stored key aliases in lexical order.
func (s *Software) Aliases() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	aliases := make([]string, 0, len(s.keys))
	for alias := range s.keys {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}

// RotatePassphrase re-seals every key under a key derived from newPassphrase
// and a fresh salt. The in-memory keys are unchanged.
func (s *Software) RotatePassphrase(ctx context.Context, newPassphrase []byte) error {
	if s.settings == nil {
		return fmt.Errorf("keystore is not persistent")
	}
	if len(newPassphrase) == 0 {
		return fmt.Errorf("new passphrase cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	newSalt, err := crypto.RandomBytes(sealSaltSize)
	if err != nil {
		return fmt.Errorf("failed to generate new salt: %w", err)
	}

	oldSealKey, oldSalt := s.sealKey, s.salt
	if err = s.setSealKey(newPassphrase, newSalt); err != nil {
		return err
	}

	if err = s.persistLocked(ctx); err != nil {
		s.sealKey, s.salt = oldSealKey, oldSalt
		return fmt.Errorf("failed to save re-sealed keyring: %w", err)
	}

	s.log.Info().Int("keys", len(s.keys)).Msg("keystore passphrase rotated")
	return nil
}

func (s *Software) lookup(alias string) (*softwareKey, error) {
	key, ok := s.keys[alias]
	if !ok {
		return nil, fmt.Errorf("%s: %w", alias, ErrKeyUnavailable)
	}
	if key.invalidated {
		return nil, fmt.Errorf("%s: %w", alias, ErrKeyInvalidated)
	}
	return key, nil
}

func (s *Software) handle(alias string, key *softwareKey) KeyHandle {
	return KeyHandle{Alias: alias, Backend: s.backend, CreatedAt: key.createdAt}
}

func (s *Software) setSealKey(passphrase, salt []byte) error {
	derived, err := crypto.DeriveKey(passphrase, salt, s.kdf)
	if err != nil {
		return fmt.Errorf("failed to derive sealing key: %w", err)
	}
	s.sealKey = derived.Seal()
	s.salt = salt
	return nil
}

// persistLocked writes the sealed keyring. Callers hold s.mu.
func (s *Software) persistLocked(ctx context.Context) error {
	if s.settings == nil {
		return nil
	}

	sealKey, err := s.sealKey.Open()
	if err != nil {
		return fmt.Errorf("failed to open sealing key: %w", err)
	}
	defer sealKey.Destroy()

	ring := sealedKeyring{Salt: s.salt, Keys: make(map[string]sealedKeyInfo, len(s.keys))}
	for alias, key := range s.keys {
		buf, err := key.enclave.Open()
		if err != nil {
			return fmt.Errorf("failed to open key %s: %w", alias, err)
		}
		sealed, err := crypto.EncryptValue(buf.Bytes(), sealKey.Bytes())
		buf.Destroy()
		if err != nil {
			return fmt.Errorf("failed to seal key %s: %w", alias, err)
		}
		ring.Keys[alias] = sealedKeyInfo{Sealed: sealed, CreatedAt: key.createdAt, Invalidated: key.invalidated}
	}

	data, err := json.Marshal(ring)
	if err != nil {
		return fmt.Errorf("failed to encode keyring: %w", err)
	}

	version, err := s.settings.SaveSettings(ctx, s.settingsName, data, s.version)
	if err != nil {
		return fmt.Errorf("failed to save keyring: %w", err)
	}
	s.version = version
	return nil
}
