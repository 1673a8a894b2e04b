package keyvault

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"southwinds.dev/keyvault/keystore"
	"southwinds.dev/keyvault/persist"
)

// retirer removes KEK versions that are no longer needed. A version is only
// removed when it is not current, no item in any service references it and
// its successor is older than the retention grace period.
type retirer struct {
	registry *KeyRegistry
	provider keystore.Provider
	items    persist.ItemStore
	audit    *auditor
	grace    time.Duration
	log      zerolog.Logger
}

// prune retires the oldest versions beyond maxVersions that are safe to
// remove and returns their ids. Versions still in use are kept, so more than
// maxVersions may remain.
func (r *retirer) prune(ctx context.Context, maxVersions int) ([]string, error) {
	versions := r.registry.Versions()
	excess := len(versions) - maxVersions
	if maxVersions < 1 || excess <= 0 {
		return nil, nil
	}

	refs, err := r.references(ctx)
	if err != nil {
		return nil, err
	}

	var pruned []string
	for i := 0; i < len(versions)-1 && len(pruned) < excess; i++ {
		v := versions[i]
		if reason := r.blocked(v, versions[i+1], refs); reason != "" {
			r.log.Debug().Str("key_version", v.ID).Str("reason", reason).Msg("key version kept")
			continue
		}
		if err = r.retire(ctx, v.ID, "pruned"); err != nil {
			return pruned, err
		}
		pruned = append(pruned, v.ID)
	}
	return pruned, nil
}

// retireOne retires a single version on request.
func (r *retirer) retireOne(ctx context.Context, id string) error {
	const op = "RetireKeyVersion"

	versions := r.registry.Versions()
	idx := -1
	for i, v := range versions {
		if v.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errorf(KindKeyUnavailable, op, "unknown or retired key version %s", id)
	}
	if current, ok := r.registry.Current(); ok && current.ID == id {
		return errorf(KindInvalidInput, op, "key version %s is current", id)
	}

	refs, err := r.references(ctx)
	if err != nil {
		return err
	}
	if n := refs[id]; n > 0 {
		return errorf(KindInvalidInput, op, "key version %s is still used by %d items", id, n)
	}
	return r.retire(ctx, id, "manual")
}

func (r *retirer) blocked(v, successor KeyVersionInfo, refs map[string]int) string {
	if current, ok := r.registry.Current(); ok && current.ID == v.ID {
		return "current"
	}
	if refs[v.ID] > 0 {
		return fmt.Sprintf("referenced by %d items", refs[v.ID])
	}
	if time.Since(successor.CreatedAt) < r.grace {
		return "within grace period"
	}
	return ""
}

func (r *retirer) retire(ctx context.Context, id, trigger string) error {
	requestID := newRequestID()

	err := r.provider.DeleteKey(ctx, id)
	if err == nil {
		err = r.registry.Retire(ctx, id)
	}
	r.audit.record(requestID, ActionKeyRetired, err, map[string]interface{}{"key_version": id, "trigger": trigger})
	if err != nil {
		return fmt.Errorf("failed to retire key version %s: %w", id, err)
	}

	r.log.Info().Str("key_version", id).Str("trigger", trigger).Msg("key version retired")
	return nil
}

// references counts items per key alias across all services.
func (r *retirer) references(ctx context.Context) (map[string]int, error) {
	services, err := r.items.ListServices(ctx)
	if err != nil {
		return nil, storageError("ListServices", "", err)
	}

	refs := make(map[string]int)
	for _, service := range services {
		items, err := r.items.GetAll(ctx, service)
		if err != nil {
			return nil, storageError("GetAll", service, err)
		}
		for _, item := range items {
			md := DecodeMetadata(item.Metadata, r.log)
			refs[md.KeyAlias]++
			if env, ok := parsedEnvelope(item.Ciphertext); ok && !env.Migrated() && env.KEKVersion != md.KeyAlias {
				refs[env.KEKVersion]++
			}
		}
	}
	return refs, nil
}

func parsedEnvelope(raw string) (*EncryptedEnvelope, bool) {
	parsed, err := ParseEnvelope(raw)
	if err != nil {
		return nil, false
	}
	env, ok := parsed.(*EncryptedEnvelope)
	return env, ok
}
