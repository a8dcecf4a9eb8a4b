package authkit

import (
	"context"
	"sync"
)

// MemorySecureStore is an in-memory store intended for tests and dev.
type MemorySecureStore struct {
	mutex   sync.Mutex
	records map[string][]byte
	writes  uint64
}

// NewMemorySecureStore creates an empty in-memory store.
func NewMemorySecureStore() *MemorySecureStore {
	return &MemorySecureStore{records: make(map[string][]byte)}
}

// Get returns a copy of the value stored under key.
func (store *MemorySecureStore) Get(ctx context.Context, key string) ([]byte, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	value, ok := store.records[key]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return append([]byte(nil), value...), nil
}

// Set replaces the value stored under key.
func (store *MemorySecureStore) Set(ctx context.Context, key string, value []byte) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	store.records[key] = append([]byte(nil), value...)
	store.writes++
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (store *MemorySecureStore) Delete(ctx context.Context, key string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if _, ok := store.records[key]; ok {
		delete(store.records, key)
		store.writes++
	}
	return nil
}

// Writes returns the number of mutations applied so far.
func (store *MemorySecureStore) Writes() uint64 {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return store.writes
}
