package keyvault

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"southwinds.dev/keyvault/persist"
)

const (
	DefaultMigrationBatchSize        = 50
	DefaultMigrationBatchDelay       = 100 * time.Millisecond
	DefaultMigrationFailureTolerance = 10.0
)

// Item classifications reported by migration previews.
const (
	ClassificationVersioned  = "versioned"
	ClassificationLegacy     = "legacy"
	ClassificationUnreadable = "unreadable"
)

// MigrationProgress is reported after every batch. Counts are cumulative.
type MigrationProgress struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
	Migrated  int `json:"migrated"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Batch     int `json:"batch"`
	Batches   int `json:"batches"`
}

// MigrationOptions tune a migration run. Zero values take the defaults and a
// negative BatchDelay disables the pause.
type MigrationOptions struct {
	Service    string
	BatchSize  int
	BatchDelay time.Duration

	// FailureTolerancePercent is the failure rate still reported as success.
	// Nil means DefaultMigrationFailureTolerance; use FailureTolerance(0) to
	// allow no failures.
	FailureTolerancePercent *float64

	OnProgress func(MigrationProgress)
}

// FailureTolerance returns percent as a MigrationOptions tolerance. Negative
// values allow no failures.
func FailureTolerance(percent float64) *float64 {
	if percent < 0 {
		percent = 0
	}
	return &percent
}

func (o MigrationOptions) withDefaults(service string) MigrationOptions {
	if o.Service == "" {
		o.Service = service
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultMigrationBatchSize
	}
	if o.BatchDelay < 0 {
		o.BatchDelay = 0
	} else if o.BatchDelay == 0 {
		o.BatchDelay = DefaultMigrationBatchDelay
	}
	if o.FailureTolerancePercent == nil {
		o.FailureTolerancePercent = FailureTolerance(DefaultMigrationFailureTolerance)
	} else {
		o.FailureTolerancePercent = FailureTolerance(*o.FailureTolerancePercent)
	}
	return o
}

// MigrationResult summarises a migration run. Success is true when the
// failure rate does not exceed the tolerance.
type MigrationResult struct {
	Success       bool        `json:"success"`
	ItemsMigrated int         `json:"itemsMigrated"`
	ItemsFailed   int         `json:"itemsFailed"`
	ItemsSkipped  int         `json:"itemsSkipped"`
	Errors        []ItemError `json:"errors,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
}

// MigrationReadiness counts item classifications without changing anything.
type MigrationReadiness struct {
	Total      int  `json:"total"`
	Versioned  int  `json:"versioned"`
	Legacy     int  `json:"legacy"`
	Unreadable int  `json:"unreadable"`
	Ready      bool `json:"ready"`
}

// MigrationPreviewEntry classifies one item.
type MigrationPreviewEntry struct {
	Key            string `json:"key"`
	Classification string `json:"classification"`
	KEKVersion     string `json:"kekVersion,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Migrator upgrades legacy ciphertexts into envelopes. It changes the storage
// format only: values are not re-encrypted and the recorded access policy
// and tier are preserved.
type Migrator struct {
	items          persist.ItemStore
	locks          *itemLocks
	audit          *auditor
	legacyKeyAlias string
	service        string
	log            zerolog.Logger
}

func newMigrator(items persist.ItemStore, locks *itemLocks, audit *auditor, opts Options) *Migrator {
	return &Migrator{
		items:          items,
		locks:          locks,
		audit:          audit,
		legacyKeyAlias: opts.LegacyKeyAlias,
		service:        opts.DefaultService,
		log:            opts.Logger.With().Str("component", "migration").Logger(),
	}
}

// Migrate wraps every legacy item of the service in an envelope tagged with
// current. Items are processed in batches; items of one batch run
// concurrently and batches are separated by BatchDelay. The run is not
// cancellable: a cancelled ctx only shortens the delays. Re-running is safe
// because versioned items are skipped.
func (m *Migrator) Migrate(ctx context.Context, current KeyVersion, opts MigrationOptions) (*MigrationResult, error) {
	const op = "MigrateToVersionedEnvelopes"

	opts = opts.withDefaults(m.service)
	if current.ID == "" {
		return nil, errorf(KindInvalidInput, op, "current key version is required")
	}
	if err := persist.ValidateService(opts.Service); err != nil {
		return nil, newError(KindInvalidInput, op, opts.Service, err)
	}

	requestID := newRequestID()
	log := m.log.With().Str("request_id", requestID).Str("service", opts.Service).Logger()

	all, err := m.items.GetAll(ctx, opts.Service)
	if err != nil {
		return nil, storageError(op, opts.Service, err)
	}
	m.audit.record(requestID, ActionMigrateStart, nil, map[string]interface{}{
		"service":     opts.Service,
		"items":       len(all),
		"key_version": current.ID,
	})

	batches := (len(all) + opts.BatchSize - 1) / opts.BatchSize
	result := &MigrationResult{}
	progress := MigrationProgress{Total: len(all), Batches: batches}

	for b := 0; b < batches; b++ {
		if b > 0 {
			m.pause(ctx, opts.BatchDelay)
		}

		start := b * opts.BatchSize
		end := start + opts.BatchSize
		if end > len(all) {
			end = len(all)
		}
		batch := all[start:end]

		outcomes := make([]migrationOutcome, len(batch))
		var wg sync.WaitGroup
		for i := range batch {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				outcomes[i] = m.migrateItem(ctx, opts.Service, batch[i].Key, current)
			}(i)
		}
		wg.Wait()

		for i, o := range outcomes {
			switch {
			case o.err != nil:
				result.ItemsFailed++
				result.Errors = append(result.Errors, ItemError{Key: batch[i].Key, Service: opts.Service, Err: o.err})
				log.Warn().Err(o.err).Str("key", batch[i].Key).Msg("item migration failed")
			case o.migrated:
				result.ItemsMigrated++
			default:
				result.ItemsSkipped++
			}
		}

		progress.Processed = end
		progress.Migrated = result.ItemsMigrated
		progress.Failed = result.ItemsFailed
		progress.Skipped = result.ItemsSkipped
		progress.Batch = b + 1
		if opts.OnProgress != nil {
			opts.OnProgress(progress)
		}
	}

	failureRate := 0.0
	if len(all) > 0 {
		failureRate = float64(result.ItemsFailed) / float64(len(all)) * 100
	}
	result.Success = failureRate <= *opts.FailureTolerancePercent
	result.Timestamp = time.Now().UTC()

	var auditErr error
	if !result.Success {
		auditErr = newError(KindPartialFailure, op, opts.Service, nil)
	}
	m.audit.record(requestID, ActionMigrateComplete, auditErr, map[string]interface{}{
		"service":        opts.Service,
		"items_migrated": result.ItemsMigrated,
		"items_failed":   result.ItemsFailed,
		"items_skipped":  result.ItemsSkipped,
		"failure_rate":   failureRate,
	})
	log.Info().Int("migrated", result.ItemsMigrated).Int("failed", result.ItemsFailed).
		Int("skipped", result.ItemsSkipped).Float64("failure_rate", failureRate).
		Bool("success", result.Success).Msg("migration finished")

	return result, nil
}

type migrationOutcome struct {
	migrated bool
	err      error
}

func (m *Migrator) migrateItem(ctx context.Context, service, key string, current KeyVersion) migrationOutcome {
	unlock := m.locks.lock(service, key)
	defer unlock()

	item, err := m.items.Get(ctx, key, service)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return migrationOutcome{}
		}
		return migrationOutcome{err: storageError("Get", key, err)}
	}

	parsed, err := ParseEnvelope(item.Ciphertext)
	if err != nil {
		return migrationOutcome{err: err}
	}
	legacy, ok := parsed.(*LegacyEncryptedData)
	if !ok {
		return migrationOutcome{}
	}

	env, err := MigrateToEnvelope(legacy.Value, current)
	if err != nil {
		return migrationOutcome{err: err}
	}
	raw, err := env.Marshal()
	if err != nil {
		return migrationOutcome{err: err}
	}

	md := DecodeMetadata(item.Metadata, m.log)
	if md.KeyAlias == "" {
		md.KeyAlias = m.legacyKeyAlias
	}
	md.Timestamp = epochSeconds(time.Now())
	mdBytes, err := EncodeMetadata(md)
	if err != nil {
		return migrationOutcome{err: err}
	}

	err = m.items.Put(ctx, persist.Item{Key: key, Service: service, Ciphertext: raw, Metadata: mdBytes})
	if err != nil {
		return migrationOutcome{err: storageError("Put", key, err)}
	}
	return migrationOutcome{migrated: true}
}

// pause waits between batches. Cancellation ends the wait early.
func (m *Migrator) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// ValidateReadiness counts versioned, legacy and unreadable items. Ready
// means no item is unreadable.
func (m *Migrator) ValidateReadiness(ctx context.Context, service string) (*MigrationReadiness, error) {
	entries, err := m.Preview(ctx, service)
	if err != nil {
		return nil, err
	}
	r := &MigrationReadiness{Total: len(entries)}
	for _, e := range entries {
		switch e.Classification {
		case ClassificationVersioned:
			r.Versioned++
		case ClassificationLegacy:
			r.Legacy++
		default:
			r.Unreadable++
		}
	}
	r.Ready = r.Unreadable == 0
	return r, nil
}

// Preview classifies every item of the service without changing anything.
func (m *Migrator) Preview(ctx context.Context, service string) ([]MigrationPreviewEntry, error) {
	const op = "PreviewMigration"

	if service == "" {
		service = m.service
	}
	if err := persist.ValidateService(service); err != nil {
		return nil, newError(KindInvalidInput, op, service, err)
	}
	all, err := m.items.GetAll(ctx, service)
	if err != nil {
		return nil, storageError(op, service, err)
	}

	entries := make([]MigrationPreviewEntry, 0, len(all))
	for _, item := range all {
		entries = append(entries, classify(item))
	}
	return entries, nil
}

func classify(item persist.Item) MigrationPreviewEntry {
	entry := MigrationPreviewEntry{Key: item.Key}
	parsed, err := ParseEnvelope(item.Ciphertext)
	switch p := parsed.(type) {
	case *EncryptedEnvelope:
		entry.Classification = ClassificationVersioned
		entry.KEKVersion = p.KEKVersion
	case *LegacyEncryptedData:
		if p.Value == "" {
			entry.Classification = ClassificationUnreadable
			entry.Error = "empty value"
			break
		}
		entry.Classification = ClassificationLegacy
	default:
		entry.Classification = ClassificationUnreadable
		if err != nil {
			entry.Error = err.Error()
		}
	}
	return entry
}
