package keyvault

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType names a rotation lifecycle or invalidation event.
type EventType string

const (
	EventRotationStarted   EventType = "rotation:started"
	EventRotationCompleted EventType = "rotation:completed"
	EventRotationFailed    EventType = "rotation:failed"
	EventBiometricChanged  EventType = "biometric:changed"
	EventCredentialChanged EventType = "credential:changed"
)

// RotationEvent is delivered to subscribers of the event bus.
type RotationEvent struct {
	Type             EventType     `json:"type"`
	Timestamp        time.Time     `json:"timestamp"`
	Reason           string        `json:"reason,omitempty"`
	NewKeyVersion    string        `json:"newKeyVersion,omitempty"`
	ItemsReEncrypted int           `json:"itemsReEncrypted,omitempty"`
	Duration         time.Duration `json:"duration,omitempty"`
}

// EventHandler receives events synchronously on the emitting goroutine. A
// handler may call back into the keystore; a rotation it requests while one
// is emitting fails with RotationInProgress.
type EventHandler func(RotationEvent)

// EventBus fans events out to subscribers. A panicking subscriber is logged
// and does not affect the others.
type EventBus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[int]EventHandler
	log      zerolog.Logger
}

func NewEventBus(log zerolog.Logger) *EventBus {
	return &EventBus{handlers: make(map[int]EventHandler), log: log}
}

// Subscribe registers fn and returns a function removing it.
func (b *EventBus) Subscribe(fn EventHandler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.handlers, id)
			b.mu.Unlock()
		})
	}
}

func (b *EventBus) Emit(event RotationEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	// subscription order
	handlers := make([]EventHandler, 0, len(b.handlers))
	for id := 0; id < b.nextID; id++ {
		if h, ok := b.handlers[id]; ok {
			handlers = append(handlers, h)
		}
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, event)
	}
}

func (b *EventBus) deliver(h EventHandler, event RotationEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Interface("panic", r).Str("event", string(event.Type)).Msg("event handler panicked")
		}
	}()
	h(event)
}
