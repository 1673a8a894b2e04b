package keyvault

import (
	"encoding/json"
	"fmt"
	"time"
)

// EnvelopeVersion is the only envelope schema version treated as current.
const EnvelopeVersion = 2

// Algorithm names the symmetric cipher recorded in an envelope.
type Algorithm string

const (
	AlgorithmAES256CBC Algorithm = "AES-256-CBC"
	AlgorithmAES256GCM Algorithm = "AES-256-GCM"
)

// Supported reports whether a is one of the algorithms an envelope may carry.
func (a Algorithm) Supported() bool {
	return a == AlgorithmAES256CBC || a == AlgorithmAES256GCM
}

// KeyVersion identifies one KEK generation.
type KeyVersion struct {
	ID string `json:"id"`
}

// Parsed is the result of ParseEnvelope: *EncryptedEnvelope or
// *LegacyEncryptedData.
type Parsed interface {
	isParsed()
}

// EncryptedEnvelope is the versioned record stored as an item's ciphertext.
//
// EncryptedDEK is the data encryption key wrapped by the KEK named by
// KEKVersion, base64 encoded. Ciphertext is the item payload sealed by that
// DEK. Envelopes produced by MigrateToEnvelope have no Ciphertext: their
// EncryptedDEK holds the legacy ciphertext itself.
type EncryptedEnvelope struct {
	Version      int       `json:"version"`
	EncryptedDEK string    `json:"encryptedDEK"`
	KEKVersion   string    `json:"kekVersion"`
	Timestamp    string    `json:"timestamp"`
	Algorithm    Algorithm `json:"algorithm"`
	Ciphertext   string    `json:"ciphertext,omitempty"`
}

func (*EncryptedEnvelope) isParsed() {}

// Marshal returns the compact JSON form of the envelope.
func (e *EncryptedEnvelope) Marshal() (string, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return string(data), nil
}

// Migrated reports whether the envelope only versions a legacy ciphertext.
func (e *EncryptedEnvelope) Migrated() bool {
	return e.Ciphertext == ""
}

func (e *EncryptedEnvelope) validate() error {
	switch {
	case e.Version != EnvelopeVersion:
		return fmt.Errorf("unsupported envelope version %d", e.Version)
	case e.EncryptedDEK == "":
		return fmt.Errorf("missing encryptedDEK")
	case e.KEKVersion == "":
		return fmt.Errorf("missing kekVersion")
	case e.Timestamp == "":
		return fmt.Errorf("missing timestamp")
	case !e.Algorithm.Supported():
		return fmt.Errorf("unsupported algorithm %q", e.Algorithm)
	}
	return nil
}

// LegacyEncryptedData is a bare ciphertext written before envelopes existed.
type LegacyEncryptedData struct {
	Value string `json:"value"`
}

func (*LegacyEncryptedData) isParsed() {}

// IsLegacy reports whether p is legacy data.
func IsLegacy(p Parsed) bool {
	_, ok := p.(*LegacyEncryptedData)
	return ok
}

// CreateEnvelope builds a current-version envelope. An empty algorithm
// defaults to AES-256-CBC.
func CreateEnvelope(encryptedDEK, keyVersion string, algorithm Algorithm) (*EncryptedEnvelope, error) {
	const op = "CreateEnvelope"
	if algorithm == "" {
		algorithm = AlgorithmAES256CBC
	}
	if !algorithm.Supported() {
		return nil, errorf(KindUnsupportedAlgorithm, op, "algorithm %q is not supported", algorithm)
	}
	if encryptedDEK == "" {
		return nil, errorf(KindInvalidInput, op, "encrypted DEK cannot be empty")
	}
	if keyVersion == "" {
		return nil, errorf(KindInvalidInput, op, "key version cannot be empty")
	}
	return &EncryptedEnvelope{
		Version:      EnvelopeVersion,
		EncryptedDEK: encryptedDEK,
		KEKVersion:   keyVersion,
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		Algorithm:    algorithm,
	}, nil
}

// ParseEnvelope classifies raw stored data. raw may be nil, a string, a byte
// slice, a decoded JSON object or an envelope.
//
// Data that is not a JSON object, or an object without any envelope marker
// (version, encryptedDEK), is legacy. An object carrying a marker that does
// not validate as a current envelope fails with InvalidEnvelopeFormat; it is
// never treated as legacy. A nil result with a nil error means no data.
func ParseEnvelope(raw any) (Parsed, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case *EncryptedEnvelope:
		if v == nil {
			return nil, nil
		}
		if err := v.validate(); err != nil {
			return nil, newError(KindInvalidEnvelopeFormat, "ParseEnvelope", v.KEKVersion, err)
		}
		return v, nil
	case *LegacyEncryptedData:
		if v == nil {
			return nil, nil
		}
		return v, nil
	case []byte:
		if v == nil {
			return nil, nil
		}
		return parseString(string(v))
	case string:
		return parseString(v)
	case map[string]any:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, newError(KindInvalidInput, "ParseEnvelope", "", err)
		}
		return parseObject(string(data), v)
	}
	return nil, errorf(KindInvalidInput, "ParseEnvelope", "unsupported input type %T", raw)
}

func parseString(s string) (Parsed, error) {
	var decoded any
	if err := json.Unmarshal([]byte(s), &decoded); err != nil {
		return &LegacyEncryptedData{Value: s}, nil
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return &LegacyEncryptedData{Value: s}, nil
	}
	return parseObject(s, obj)
}

func parseObject(raw string, obj map[string]any) (Parsed, error) {
	_, hasVersion := obj["version"]
	_, hasDEK := obj["encryptedDEK"]
	if !hasVersion && !hasDEK {
		if value, ok := obj["value"].(string); ok {
			return &LegacyEncryptedData{Value: value}, nil
		}
		return &LegacyEncryptedData{Value: raw}, nil
	}

	var env EncryptedEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return nil, newError(KindInvalidEnvelopeFormat, "ParseEnvelope", "", err)
	}
	if err := env.validate(); err != nil {
		return nil, newError(KindInvalidEnvelopeFormat, "ParseEnvelope", env.KEKVersion, err)
	}
	return &env, nil
}

// NeedsReEncryption reports whether env was wrapped by a KEK other than
// current.
func NeedsReEncryption(env *EncryptedEnvelope, current KeyVersion) bool {
	return env.KEKVersion != current.ID
}

// MigrateToEnvelope attaches versioning to a legacy ciphertext without
// re-encrypting it.
func MigrateToEnvelope(legacyValue string, current KeyVersion) (*EncryptedEnvelope, error) {
	return CreateEnvelope(legacyValue, current.ID, AlgorithmAES256CBC)
}
