package persist

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in process memory. It is used by tests and by
// embedded callers that bring their own durability.
type MemoryStore struct {
	mu       sync.RWMutex
	items    map[string]map[string]Item
	settings map[string]VersionedData
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:    make(map[string]map[string]Item),
		settings: make(map[string]VersionedData),
	}
}

func (m *MemoryStore) GetAll(ctx context.Context, service string) ([]Item, error) {
	if err := ValidateService(service); err != nil {
		return nil, fmt.Errorf("invalid service: %w", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	items := make([]Item, 0, len(m.items[service]))
	for _, item := range m.items[service] {
		items = append(items, copyItem(item))
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Key < items[j].Key })
	return items, nil
}

func (m *MemoryStore) Get(ctx context.Context, key, service string) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	item, ok := m.items[service][key]
	if !ok {
		return nil, ErrNotFound
	}
	out := copyItem(item)
	return &out, nil
}

func (m *MemoryStore) Put(ctx context.Context, item Item) error {
	if err := validateItem(item); err != nil {
		return err
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	bucket, ok := m.items[item.Service]
	if !ok {
		bucket = make(map[string]Item)
		m.items[item.Service] = bucket
	}
	bucket[item.Key] = copyItem(item)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, key, service string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	bucket, ok := m.items[service]
	if !ok {
		return ErrNotFound
	}
	if _, ok = bucket[key]; !ok {
		return ErrNotFound
	}
	delete(bucket, key)
	if len(bucket) == 0 {
		delete(m.items, service)
	}
	return nil
}

func (m *MemoryStore) ListServices(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	services := make([]string, 0, len(m.items))
	for service := range m.items {
		services = append(services, service)
	}
	sort.Strings(services)
	return services, nil
}

func (m *MemoryStore) LoadSettings(ctx context.Context, name string) (*VersionedData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	vd, ok := m.settings[name]
	if !ok {
		return nil, ErrNotFound
	}
	vd.Data = append([]byte(nil), vd.Data...)
	return &vd, nil
}

func (m *MemoryStore) SaveSettings(ctx context.Context, name string, data []byte, expectedVersion string) (string, error) {
	if err := validateSettingsName(name); err != nil {
		return "", err
	}
	if data == nil {
		return "", fmt.Errorf("settings data cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if expectedVersion != "" {
		current := m.settings[name].Version
		if current != expectedVersion {
			return "", ConcurrencyError{
				ExpectedVersion: expectedVersion,
				ActualVersion:   current,
				Operation:       "SaveSettings",
			}
		}
	}

	version := contentVersion(data)
	m.settings[name] = VersionedData{
		Data:      append([]byte(nil), data...),
		Version:   version,
		Timestamp: time.Now().UTC(),
	}
	return version, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) GetType() string {
	return string(StoreTypeMemory)
}

func copyItem(item Item) Item {
	if item.Metadata != nil {
		item.Metadata = append([]byte(nil), item.Metadata...)
	}
	return item
}
