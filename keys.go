package keyvault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"southwinds.dev/keyvault/keystore"
	"southwinds.dev/keyvault/persist"
)

// keyVersionLayout formats version ids with a fixed width so that lexical
// order matches creation order.
const keyVersionLayout = "2006-01-02T15:04:05.000000000Z"

// KeyVersionInfo is the registry record of one KEK version.
type KeyVersionInfo struct {
	ID        string     `json:"id"`
	CreatedAt time.Time  `json:"createdAt"`
	RetiredAt *time.Time `json:"retiredAt,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

func (k KeyVersionInfo) Retired() bool {
	return k.RetiredAt != nil
}

// registryState is the persisted form of the key registry.
type registryState struct {
	CurrentKeyVersion  string           `json:"currentKeyVersion,omitempty"`
	Versions           []KeyVersionInfo `json:"versions"`
	LastRotation       *time.Time       `json:"lastRotation,omitempty"`
	RotationInProgress bool             `json:"rotationInProgress"`
	LastError          string           `json:"lastError,omitempty"`
	Policy             *RotationPolicy  `json:"policy,omitempty"`
}

func (s registryState) clone() registryState {
	c := s
	c.Versions = make([]KeyVersionInfo, len(s.Versions))
	copy(c.Versions, s.Versions)
	if s.LastRotation != nil {
		t := *s.LastRotation
		c.LastRotation = &t
	}
	if s.Policy != nil {
		p := *s.Policy
		c.Policy = &p
	}
	return c
}

// KeyRegistry tracks KEK versions and the current version pointer. Only the
// rotation engine moves the pointer once it exists; EnsureCurrent sets it on
// first use.
type KeyRegistry struct {
	settings persist.SettingsStore
	name     string
	provider keystore.Provider
	log      zerolog.Logger

	mu      sync.RWMutex
	state   registryState
	version string

	bootstrapMu sync.Mutex
	now         func() time.Time
}

func NewKeyRegistry(settings persist.SettingsStore, name string, provider keystore.Provider, log zerolog.Logger) *KeyRegistry {
	if name == "" {
		name = DefaultRegistryName
	}
	return &KeyRegistry{
		settings: settings,
		name:     name,
		provider: provider,
		log:      log,
		now:      time.Now,
	}
}

// Load reads the registry. interrupted reports a rotation that was marked in
// progress when the process stopped.
func (r *KeyRegistry) Load(ctx context.Context) (interrupted bool, err error) {
	state, version, err := r.read(ctx)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	r.state, r.version = state, version
	r.mu.Unlock()
	return state.RotationInProgress, nil
}

// read returns the stored state and its version. A missing registry is the
// empty state at version "".
func (r *KeyRegistry) read(ctx context.Context) (registryState, string, error) {
	data, err := r.settings.LoadSettings(ctx, r.name)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return registryState{}, "", nil
		}
		return registryState{}, "", fmt.Errorf("failed to load key registry: %w", err)
	}

	var state registryState
	if err = json.Unmarshal(data.Data, &state); err != nil {
		return registryState{}, "", fmt.Errorf("failed to parse key registry: %w", err)
	}
	sort.Slice(state.Versions, func(i, j int) bool { return state.Versions[i].ID < state.Versions[j].ID })
	return state, data.Version, nil
}

// update applies fn to a copy of the state and saves it against the version
// last read. When another writer saved in between, the stored state is
// reloaded and fn applied to it again. A failed fn leaves the in-memory state
// unchanged.
func (r *KeyRegistry) update(ctx context.Context, fn func(*registryState) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var fnErr error
	err := withRetry(ctx, "saveKeyRegistry", func() error {
		next := r.state.clone()
		if fnErr = fn(&next); fnErr != nil {
			return fnErr
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal key registry: %w", err)
		}

		version, err := r.settings.SaveSettings(ctx, r.name, data, r.version)
		if err != nil {
			var conflict persist.ConcurrencyError
			if errors.As(err, &conflict) {
				state, stored, readErr := r.read(ctx)
				if readErr != nil {
					return readErr
				}
				r.state, r.version = state, stored
			}
			return err
		}
		r.state, r.version = next, version
		return nil
	})
	if fnErr != nil {
		return fnErr
	}
	if err != nil {
		return fmt.Errorf("failed to save key registry: %w", err)
	}
	return nil
}

// Current returns the current KEK version.
func (r *KeyRegistry) Current() (KeyVersion, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state.CurrentKeyVersion == "" {
		return KeyVersion{}, false
	}
	return KeyVersion{ID: r.state.CurrentKeyVersion}, true
}

// Versions returns the versions that have not been retired, oldest first.
func (r *KeyRegistry) Versions() []KeyVersionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]KeyVersionInfo, 0, len(r.state.Versions))
	for _, v := range r.state.Versions {
		if !v.Retired() {
			out = append(out, v)
		}
	}
	return out
}

func (r *KeyRegistry) Version(id string) (KeyVersionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, v := range r.state.Versions {
		if v.ID == id {
			return v, true
		}
	}
	return KeyVersionInfo{}, false
}

func (r *KeyRegistry) LastRotation() *time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state.LastRotation == nil {
		return nil
	}
	t := *r.state.LastRotation
	return &t
}

func (r *KeyRegistry) LastError() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.LastError
}

// Policy returns the stored rotation policy or DefaultRotationPolicy.
func (r *KeyRegistry) Policy() RotationPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state.Policy == nil {
		return DefaultRotationPolicy()
	}
	return *r.state.Policy
}

func (r *KeyRegistry) SetPolicy(ctx context.Context, policy RotationPolicy) error {
	return r.update(ctx, func(s *registryState) error {
		s.Policy = &policy
		return nil
	})
}

// EnsureCurrent returns the current version, generating the first KEK when
// none exists. accessControl gates the generated key.
func (r *KeyRegistry) EnsureCurrent(ctx context.Context, accessControl any) (KeyVersion, error) {
	if current, ok := r.Current(); ok {
		return current, nil
	}

	r.bootstrapMu.Lock()
	defer r.bootstrapMu.Unlock()
	if current, ok := r.Current(); ok {
		return current, nil
	}

	id := r.NextVersionID()
	if _, err := r.provider.CreateOrRetrieveKey(ctx, id, accessControl); err != nil {
		return KeyVersion{}, newError(KindKeyGenerationFailed, "EnsureCurrent", id, err)
	}
	if _, err := r.Promote(ctx, KeyVersionInfo{ID: id, CreatedAt: r.now().UTC(), Reason: "initial"}); err != nil {
		return KeyVersion{}, newError(KindStorageFailure, "EnsureCurrent", id, err)
	}

	r.log.Info().Str("key_version", id).Msg("initial key version created")
	return KeyVersion{ID: id}, nil
}

// NextVersionID returns a version id strictly greater than every known one.
func (r *KeyRegistry) NextVersionID() string {
	now := r.now().UTC()

	r.mu.RLock()
	defer r.mu.RUnlock()
	if n := len(r.state.Versions); n > 0 {
		last, err := time.Parse(keyVersionLayout, r.state.Versions[n-1].ID)
		if err == nil && !now.After(last) {
			now = last.Add(time.Nanosecond)
		}
	}
	return now.Format(keyVersionLayout)
}

// Promote records a new version and makes it current. It returns the
// previous current version id.
func (r *KeyRegistry) Promote(ctx context.Context, info KeyVersionInfo) (previous string, err error) {
	err = r.update(ctx, func(s *registryState) error {
		for _, v := range s.Versions {
			if v.ID == info.ID {
				return fmt.Errorf("key version %s already exists", info.ID)
			}
			if v.ID > info.ID {
				return fmt.Errorf("key version %s is older than %s", info.ID, v.ID)
			}
		}
		previous = s.CurrentKeyVersion
		s.Versions = append(s.Versions, info)
		s.CurrentKeyVersion = info.ID
		return nil
	})
	return previous, err
}

// BeginRotation persists the in-progress flag.
func (r *KeyRegistry) BeginRotation(ctx context.Context) error {
	return r.update(ctx, func(s *registryState) error {
		s.RotationInProgress = true
		return nil
	})
}

// EndRotation clears the in-progress flag. A nil failure records a completed
// rotation at the given time.
func (r *KeyRegistry) EndRotation(ctx context.Context, at time.Time, failure error) error {
	return r.update(ctx, func(s *registryState) error {
		s.RotationInProgress = false
		if failure != nil {
			s.LastError = failure.Error()
			return nil
		}
		t := at.UTC()
		s.LastRotation = &t
		s.LastError = ""
		return nil
	})
}

// Retire marks a version retired. The current version cannot be retired.
func (r *KeyRegistry) Retire(ctx context.Context, id string) error {
	return r.update(ctx, func(s *registryState) error {
		if id == s.CurrentKeyVersion {
			return errorf(KindInvalidInput, "Retire", "key version %s is current", id)
		}
		for i := range s.Versions {
			if s.Versions[i].ID != id {
				continue
			}
			if s.Versions[i].Retired() {
				return nil
			}
			t := r.now().UTC()
			s.Versions[i].RetiredAt = &t
			return nil
		}
		return errorf(KindKeyUnavailable, "Retire", "unknown key version %s", id)
	})
}
