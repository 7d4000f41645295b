package authkit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemorySessionStore is an in-memory store intended for tests and dev.
type MemorySessionStore struct {
	mutex   sync.Mutex
	entries map[string]memorySession
	clock   Clock
}

type memorySession struct {
	userID    string
	expiresAt time.Time
}

// NewMemorySessionStore creates a new in-memory session store.
func NewMemorySessionStore(clock Clock) *MemorySessionStore {
	if clock == nil {
		clock = systemClock{}
	}
	return &MemorySessionStore{
		entries: make(map[string]memorySession),
		clock:   clock,
	}
}

// Set stores the session, replacing any existing entry.
func (store *MemorySessionStore) Set(ctx context.Context, key string, userID string, ttl time.Duration) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("session_store.set.memory: %w", ErrEmptySessionKey)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()
	store.entries[key] = memorySession{userID: userID, expiresAt: store.clock.Now().Add(ttl)}
	return nil
}

// GetOrFail returns the user id of a live session.
func (store *MemorySessionStore) GetOrFail(ctx context.Context, key string) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	entry, ok := store.liveEntry(key)
	if !ok {
		return "", fmt.Errorf("session_store.get.memory: %w", ErrSessionNotFound)
	}
	return entry.userID, nil
}

// Consume returns and removes a live session under the store lock.
func (store *MemorySessionStore) Consume(ctx context.Context, key string) (string, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	entry, ok := store.liveEntry(key)
	delete(store.entries, key)
	if !ok {
		return "", fmt.Errorf("session_store.consume.memory: %w", ErrSessionNotFound)
	}
	return entry.userID, nil
}

// Delete removes the session if present.
func (store *MemorySessionStore) Delete(ctx context.Context, key string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	delete(store.entries, key)
	return nil
}

// PurgeExpired evicts sessions past their expiry and reports how many were removed.
func (store *MemorySessionStore) PurgeExpired(ctx context.Context) (int64, error) {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	now := store.clock.Now()
	var removed int64
	for key, entry := range store.entries {
		if !now.Before(entry.expiresAt) {
			delete(store.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Len reports the number of stored entries, including expired ones not yet evicted.
func (store *MemorySessionStore) Len() int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	return len(store.entries)
}

func (store *MemorySessionStore) liveEntry(key string) (memorySession, bool) {
	entry, ok := store.entries[key]
	if !ok {
		return memorySession{}, false
	}
	if !store.clock.Now().Before(entry.expiresAt) {
		delete(store.entries, key)
		return memorySession{}, false
	}
	return entry, true
}
