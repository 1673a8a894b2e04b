package keyvault

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"southwinds.dev/keyvault/persist"
)

const (
	DefaultService        = "default"
	DefaultLegacyKeyAlias = "keyvault-legacy"
	DefaultRegistryName   = "key-registry"
)

// Options configures a Keystore.
//
// Zero values are replaced by the values of DefaultOptions, except for the
// boolean switches, which are taken as given. Use DefaultOptions as the
// starting point and override individual fields.
type Options struct {
	// DefaultService is used when an operation does not name a service.
	DefaultService string `json:"default_service" yaml:"default_service"`

	// LegacyKeyAlias names the KEK that encrypted items written before
	// envelopes and key versions existed.
	LegacyKeyAlias string `json:"legacy_key_alias" yaml:"legacy_key_alias"`

	// DefaultAccessPolicy is requested when ItemOptions leave it empty. The
	// empty policy negotiates the strongest available.
	DefaultAccessPolicy AccessPolicy `json:"default_access_policy" yaml:"default_access_policy"`

	// KEKAccessPolicy gates generation of new KEKs.
	KEKAccessPolicy AccessPolicy `json:"kek_access_policy" yaml:"kek_access_policy"`

	// Algorithm seals item payloads under their DEK.
	Algorithm Algorithm `json:"algorithm" yaml:"algorithm"`

	// ReEncryptionConcurrency bounds parallel item re-encryption in a sweep.
	ReEncryptionConcurrency int `json:"reencryption_concurrency" yaml:"reencryption_concurrency"`

	// RotationCheckInterval is the period of the rotation scheduler.
	RotationCheckInterval time.Duration `json:"rotation_check_interval" yaml:"rotation_check_interval"`

	// KeyRetentionGrace is how long a superseded KEK version is kept after
	// its successor was created, even when nothing references it.
	KeyRetentionGrace time.Duration `json:"key_retention_grace" yaml:"key_retention_grace"`

	// RegistryName is the settings blob holding the key registry.
	RegistryName string `json:"registry_name" yaml:"registry_name"`

	EnableMemoryLock bool `json:"enable_memory_lock" yaml:"enable_memory_lock"`

	// InvalidateOnBiometricEnrollment marks biometric handles to be
	// invalidated by enrollment changes.
	InvalidateOnBiometricEnrollment bool `json:"invalidate_on_biometric_enrollment" yaml:"invalidate_on_biometric_enrollment"`

	Logger zerolog.Logger `json:"-" yaml:"-"`
}

func DefaultOptions() Options {
	return Options{
		DefaultService:                  DefaultService,
		LegacyKeyAlias:                  DefaultLegacyKeyAlias,
		Algorithm:                       AlgorithmAES256GCM,
		ReEncryptionConcurrency:         4,
		RotationCheckInterval:           time.Hour,
		KeyRetentionGrace:               7 * 24 * time.Hour,
		RegistryName:                    DefaultRegistryName,
		InvalidateOnBiometricEnrollment: true,
		Logger:                          zerolog.Nop(),
	}
}

// withDefaults fills zero values from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DefaultService == "" {
		o.DefaultService = d.DefaultService
	}
	if o.LegacyKeyAlias == "" {
		o.LegacyKeyAlias = d.LegacyKeyAlias
	}
	if o.Algorithm == "" {
		o.Algorithm = d.Algorithm
	}
	if o.ReEncryptionConcurrency <= 0 {
		o.ReEncryptionConcurrency = d.ReEncryptionConcurrency
	}
	if o.RotationCheckInterval <= 0 {
		o.RotationCheckInterval = d.RotationCheckInterval
	}
	if o.KeyRetentionGrace < 0 {
		o.KeyRetentionGrace = 0
	}
	if o.RegistryName == "" {
		o.RegistryName = d.RegistryName
	}
	return o
}

// Validate checks option values after defaults are applied.
func (o Options) Validate() error {
	o = o.withDefaults()

	if err := persist.ValidateService(o.DefaultService); err != nil {
		return fmt.Errorf("invalid default service: %w", err)
	}
	if err := persist.ValidateKey(o.LegacyKeyAlias); err != nil {
		return fmt.Errorf("invalid legacy key alias: %w", err)
	}
	if o.DefaultAccessPolicy != "" && !o.DefaultAccessPolicy.Valid() {
		return fmt.Errorf("unknown default access policy %q", o.DefaultAccessPolicy)
	}
	if o.KEKAccessPolicy != "" && !o.KEKAccessPolicy.Valid() {
		return fmt.Errorf("unknown KEK access policy %q", o.KEKAccessPolicy)
	}
	if !o.Algorithm.Supported() {
		return fmt.Errorf("unsupported algorithm %q", o.Algorithm)
	}
	if o.ReEncryptionConcurrency > 64 {
		return fmt.Errorf("re-encryption concurrency too high: %d (max: 64)", o.ReEncryptionConcurrency)
	}
	return nil
}
