package keyvault

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/zerolog"
)

// DefaultBackend is recorded for items written before metadata existed.
const DefaultBackend = "keychain"

// StorageMetadata describes how one item is protected. It is stored next to
// the item ciphertext and replaced on every write.
type StorageMetadata struct {
	SecurityLevel SecurityTier `cbor:"securityLevel" json:"securityLevel"`
	Backend       string       `cbor:"backend" json:"backend"`
	AccessControl AccessPolicy `cbor:"accessControl" json:"accessControl"`

	// Timestamp is seconds since the epoch.
	Timestamp float64 `cbor:"timestamp" json:"timestamp"`

	// KeyAlias names the KEK that decrypts the item.
	KeyAlias string `cbor:"keyAlias,omitempty" json:"keyAlias,omitempty"`
}

// Time returns Timestamp as a time.Time.
func (m StorageMetadata) Time() time.Time {
	sec := int64(m.Timestamp)
	nsec := int64((m.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// epochSeconds converts t into float seconds since the epoch.
func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// DefaultMetadata is returned for missing or unreadable metadata.
func DefaultMetadata() StorageMetadata {
	return StorageMetadata{
		SecurityLevel: SecurityTierSoftware,
		Backend:       DefaultBackend,
		AccessControl: AccessPolicyNone,
		Timestamp:     epochSeconds(time.Now()),
	}
}

var (
	metadataEncMode cbor.EncMode
	metadataDecMode cbor.DecMode
)

func init() {
	var err error
	metadataEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("keyvault: invalid CBOR encoding options: %v", err))
	}
	// unknown fields are ignored so metadata extended by newer writers
	// still decodes
	metadataDecMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("keyvault: invalid CBOR decoding options: %v", err))
	}
}

// EncodeMetadata serialises metadata with deterministic CBOR.
func EncodeMetadata(m StorageMetadata) ([]byte, error) {
	if !m.SecurityLevel.Valid() {
		return nil, errorf(KindInvalidInput, "EncodeMetadata", "unknown security level %q", m.SecurityLevel)
	}
	if !m.AccessControl.Valid() {
		return nil, errorf(KindInvalidInput, "EncodeMetadata", "unknown access policy %q", m.AccessControl)
	}
	data, err := metadataEncMode.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return data, nil
}

// DecodeMetadata never fails: empty input yields DefaultMetadata and
// undecodable input is logged and also yields DefaultMetadata. CBOR is tried
// first, then the compact JSON written by earlier versions.
func DecodeMetadata(data []byte, log zerolog.Logger) StorageMetadata {
	if len(data) == 0 {
		return DefaultMetadata()
	}

	var m StorageMetadata
	if err := metadataDecMode.Unmarshal(data, &m); err == nil && m.valid() {
		return m
	}

	m = StorageMetadata{}
	if err := json.Unmarshal(data, &m); err == nil && m.valid() {
		return m
	}

	log.Warn().Int("bytes", len(data)).Msg("unreadable item metadata, using defaults")
	return DefaultMetadata()
}

func (m StorageMetadata) valid() bool {
	return m.SecurityLevel.Valid() && m.AccessControl.Valid()
}
