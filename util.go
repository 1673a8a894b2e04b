package keyvault

import (
	"context"
	"fmt"
	"hash/fnv"
	mrand "math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"southwinds.dev/keyvault/audit"
)

const (
	maxRetries = 3
	baseDelay  = 50 * time.Millisecond
	maxDelay   = time.Second

	itemLockStripes = 64
)

// Audit actions.
const (
	ActionItemSet         = "ITEM_SET"
	ActionItemDelete      = "ITEM_DELETE"
	ActionRotateStart     = "ROTATE_START"
	ActionRotateSuccess   = "ROTATE_SUCCESS"
	ActionRotateFailed    = "ROTATE_FAILED"
	ActionMigrateStart    = "MIGRATE_START"
	ActionMigrateComplete = "MIGRATE_COMPLETE"
	ActionKeyInvalidated  = "KEY_INVALIDATED"
	ActionKeyReplaced     = "KEY_REPLACED"
	ActionKeyRetired      = "KEY_RETIRED"
)

// RetryConfig configures retry behavior for settings writes that lose an
// optimistic concurrency race.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		MaxDelay:   maxDelay,
	}
}

// withRetry executes fn with exponential backoff on concurrency conflicts.
func withRetry(ctx context.Context, operation string, fn func() error) error {
	config := DefaultRetryConfig()

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		concErr, ok := err.(interface{ IsConcurrencyError() bool })
		if !ok || !concErr.IsConcurrencyError() {
			return err
		}
		if attempt == config.MaxRetries {
			return fmt.Errorf("operation %s failed after %d attempts due to concurrent modifications: %w",
				operation, config.MaxRetries+1, err)
		}

		delay := config.BaseDelay * (1 << attempt)
		if delay > config.MaxDelay {
			delay = config.MaxDelay
		}
		// 25% jitter
		delay += time.Duration(float64(delay) * 0.25 * (2*mrand.Float64() - 1))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("operation %s exhausted all retry attempts", operation)
}

func newRequestID() string {
	return uuid.NewString()
}

// auditor writes audit events. Failures are logged and never returned.
type auditor struct {
	logger audit.Logger
	log    zerolog.Logger
}

func newAuditor(logger audit.Logger, log zerolog.Logger) *auditor {
	if logger == nil {
		logger = audit.NewNoOpLogger()
	}
	return &auditor{logger: logger, log: log}
}

func (a *auditor) record(requestID, action string, err error, metadata map[string]interface{}) {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	metadata["request_id"] = requestID
	metadata["timestamp"] = time.Now().UTC()
	if err != nil {
		metadata["error"] = err.Error()
	}

	if auditErr := a.logger.Log(action, err == nil, metadata); auditErr != nil {
		a.log.Error().Err(auditErr).Str("action", action).Msg("audit logging failed")
	}
}

// itemLocks serialises writers of the same item across foreground writes,
// re-encryption and migration.
type itemLocks struct {
	stripes [itemLockStripes]sync.Mutex
}

func (l *itemLocks) lock(service, key string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(service))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key))
	mu := &l.stripes[h.Sum32()%itemLockStripes]
	mu.Lock()
	return mu.Unlock
}
