package keyvault

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/rs/zerolog"

	"southwinds.dev/keyvault/persist"
)

// ItemError is the failure of one item inside a batch operation.
type ItemError struct {
	Key     string `json:"key"`
	Service string `json:"service,omitempty"`
	Err     error  `json:"-"`
}

func (e ItemError) Error() string {
	if e.Key == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s/%s: %v", e.Service, e.Key, e.Err)
}

func (e ItemError) Unwrap() error {
	return e.Err
}

// ReEncryptResult aggregates one sweep over a service.
type ReEncryptResult struct {
	ItemsReEncrypted int         `json:"itemsReEncrypted"`
	Errors           []ItemError `json:"errors,omitempty"`
}

// Err summarises item failures as a PartialFailure, or returns nil.
func (r ReEncryptResult) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(r.Errors))
	for i := range r.Errors {
		errs[i] = r.Errors[i]
	}
	return newError(KindPartialFailure, "ReEncrypt", "", errors.Join(errs...))
}

// reEncryptor moves the items of a service to a target KEK version. Each item
// is handled independently: a failure is recorded and the sweep continues.
type reEncryptor struct {
	items       persist.ItemStore
	cipher      *itemCipher
	resolver    *Resolver
	locks       *itemLocks
	concurrency int
	log         zerolog.Logger
}

func (r *reEncryptor) run(ctx context.Context, service, target string) ReEncryptResult {
	var result ReEncryptResult

	items, err := r.items.GetAll(ctx, service)
	if err != nil {
		result.Errors = append(result.Errors, ItemError{Service: service, Err: storageError("GetAll", service, err)})
		return result
	}

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, r.concurrency)
	)
	for _, item := range items {
		wg.Add(1)
		sem <- struct{}{}
		go func(key string) {
			defer wg.Done()
			defer func() { <-sem }()

			done, err := r.reEncryptItem(ctx, service, key, target)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.log.Warn().Err(err).Str("service", service).Str("key", key).Msg("item re-encryption failed")
				result.Errors = append(result.Errors, ItemError{Key: key, Service: service, Err: err})
				return
			}
			if done {
				result.ItemsReEncrypted++
			}
		}(item.Key)
	}
	wg.Wait()

	r.log.Info().Str("service", service).Str("key_version", target).Int("items", len(items)).
		Int("reencrypted", result.ItemsReEncrypted).Int("failed", len(result.Errors)).Msg("re-encryption sweep finished")
	return result
}

// reEncryptItem rewrites one item under target. It re-reads the item under
// the item lock so a concurrent write is never overwritten with stale data.
// done is false when the item already uses target or disappeared.
func (r *reEncryptor) reEncryptItem(ctx context.Context, service, key, target string) (done bool, err error) {
	unlock := r.locks.lock(service, key)
	defer unlock()

	item, err := r.items.Get(ctx, key, service)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return false, nil
		}
		return false, storageError("Get", key, err)
	}

	md := DecodeMetadata(item.Metadata, r.log)
	if md.KeyAlias == target {
		return false, nil
	}

	value, err := r.cipher.open(ctx, *item, md)
	if err != nil {
		return false, err
	}
	defer memguard.WipeBytes(value)

	// the recorded policy is kept; it is only downgraded when the device
	// can no longer satisfy it
	ac, err := r.resolver.Resolve(ctx, md.AccessControl)
	if err != nil {
		return false, err
	}

	out, err := r.cipher.seal(ctx, service, key, value, ac, target)
	if err != nil {
		return false, err
	}
	mdBytes, err := EncodeMetadata(out.metadata)
	if err != nil {
		return false, err
	}

	err = r.items.Put(ctx, persist.Item{
		Key:        key,
		Service:    service,
		Ciphertext: out.ciphertext,
		Metadata:   mdBytes,
	})
	if err != nil {
		return false, storageError("Put", key, err)
	}
	return true, nil
}
