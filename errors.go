package keyvault

import (
	"errors"
	"fmt"

	"southwinds.dev/keyvault/keystore"
	"southwinds.dev/keyvault/persist"
)

// Kind classifies every error returned by the key vault.
type Kind int

const (
	KindUnknown Kind = iota
	// KindInvalidInput is a caller error: malformed key, value or policy.
	KindInvalidInput
	// KindCapabilityUnavailable means an explicitly demanded tier cannot be met.
	KindCapabilityUnavailable
	// KindKeyUnavailable means no key exists under the alias an item references.
	KindKeyUnavailable
	// KindKeyInvalidated means the platform reports the key permanently unusable.
	// It is retryable: the invalidation handler has already cleaned up.
	KindKeyInvalidated
	KindKeyGenerationFailed
	KindRotationInProgress
	KindRotationNotNeeded
	KindUnsupportedAlgorithm
	// KindInvalidEnvelopeFormat signals stored data carrying envelope fields
	// that do not validate. It is never coerced to legacy data.
	KindInvalidEnvelopeFormat
	// KindPartialFailure reports that some items of a batch operation failed.
	KindPartialFailure
	KindItemNotFound
	KindStorageFailure
)

var kindNames = map[Kind]string{
	KindUnknown:               "Unknown",
	KindInvalidInput:          "InvalidInput",
	KindCapabilityUnavailable: "CapabilityUnavailable",
	KindKeyUnavailable:        "KeyUnavailable",
	KindKeyInvalidated:        "KeyInvalidated",
	KindKeyGenerationFailed:   "KeyGenerationFailed",
	KindRotationInProgress:    "RotationInProgress",
	KindRotationNotNeeded:     "RotationNotNeeded",
	KindUnsupportedAlgorithm:  "UnsupportedAlgorithm",
	KindInvalidEnvelopeFormat: "InvalidEnvelopeFormat",
	KindPartialFailure:        "PartialFailure",
	KindItemNotFound:          "ItemNotFound",
	KindStorageFailure:        "StorageFailure",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Sentinel errors for errors.Is comparisons. A *Error matches the sentinel of
// its kind.
var (
	ErrInvalidInput          = &Error{Kind: KindInvalidInput}
	ErrCapabilityUnavailable = &Error{Kind: KindCapabilityUnavailable}
	ErrKeyUnavailable        = &Error{Kind: KindKeyUnavailable}
	ErrKeyInvalidated        = &Error{Kind: KindKeyInvalidated}
	ErrKeyGenerationFailed   = &Error{Kind: KindKeyGenerationFailed}
	ErrRotationInProgress    = &Error{Kind: KindRotationInProgress}
	ErrRotationNotNeeded     = &Error{Kind: KindRotationNotNeeded}
	ErrUnsupportedAlgorithm  = &Error{Kind: KindUnsupportedAlgorithm}
	ErrInvalidEnvelopeFormat = &Error{Kind: KindInvalidEnvelopeFormat}
	ErrPartialFailure        = &Error{Kind: KindPartialFailure}
	ErrItemNotFound          = &Error{Kind: KindItemNotFound}
	ErrStorageFailure        = &Error{Kind: KindStorageFailure}
)

// Error is a typed key vault error.
type Error struct {
	Kind Kind
	Op   string // operation that failed, e.g. "GetItem"
	Key  string // item key or key version, when relevant
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Key != "" {
		msg += " (" + e.Key + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

func newError(kind Kind, op, key string, err error) *Error {
	return &Error{Kind: kind, Op: op, Key: key, Err: err}
}

func errorf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of err, mapping collaborator sentinels, or
// KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, keystore.ErrKeyInvalidated):
		return KindKeyInvalidated
	case errors.Is(err, keystore.ErrKeyUnavailable):
		return KindKeyUnavailable
	case errors.Is(err, persist.ErrNotFound):
		return KindItemNotFound
	}
	return KindUnknown
}

// IsRetryable reports whether the operation may succeed when retried.
func IsRetryable(err error) bool {
	return KindOf(err) == KindKeyInvalidated
}

// IsBenign reports control-flow signals that callers should not treat as
// failures.
func IsBenign(err error) bool {
	k := KindOf(err)
	return k == KindRotationInProgress || k == KindRotationNotNeeded
}

// keyError maps a provider error to a typed error.
func keyError(op, alias string, err error) error {
	if errors.Is(err, keystore.ErrKeyInvalidated) {
		return newError(KindKeyInvalidated, op, alias, err)
	}
	return newError(KindKeyUnavailable, op, alias, err)
}

// storageError maps a persistence error to a typed error.
func storageError(op, key string, err error) error {
	if errors.Is(err, persist.ErrNotFound) {
		return newError(KindItemNotFound, op, key, err)
	}
	return newError(KindStorageFailure, op, key, err)
}
