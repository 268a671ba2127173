package events

import (
	"context"
	"sync"
	"time"
)

// FingerprintStore tracks error fingerprints across build jobs so that
// recurring failures can be recognized and counted.
type FingerprintStore interface {
	// Record registers an occurrence of the fingerprint and returns the
	// total recurrence count including this one.
	Record(ctx context.Context, fingerprint string) (int64, error)

	// Count returns the recurrence count without recording.
	Count(ctx context.Context, fingerprint string) (int64, error)

	// Seen reports whether the fingerprint has been recorded before.
	Seen(ctx context.Context, fingerprint string) (bool, error)

	// Cleanup removes entries older than the given duration.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
}

// InMemoryFingerprintStore is an in-memory fingerprint store used in
// tests and single-node deployments.
type InMemoryFingerprintStore struct {
	mu      sync.RWMutex
	entries map[string]*fingerprintEntry
}

type fingerprintEntry struct {
	count    int64
	lastSeen time.Time
}

// NewInMemoryFingerprintStore creates a new in-memory fingerprint store.
func NewInMemoryFingerprintStore() *InMemoryFingerprintStore {
	return &InMemoryFingerprintStore{
		entries: make(map[string]*fingerprintEntry),
	}
}

// Record registers an occurrence of the fingerprint.
func (s *InMemoryFingerprintStore) Record(_ context.Context, fingerprint string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[fingerprint]
	if !ok {
		entry = &fingerprintEntry{}
		s.entries[fingerprint] = entry
	}
	entry.count++
	entry.lastSeen = time.Now()
	return entry.count, nil
}

// Count returns the recurrence count without recording.
func (s *InMemoryFingerprintStore) Count(_ context.Context, fingerprint string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[fingerprint]
	if !ok {
		return 0, nil
	}
	return entry.count, nil
}

// Seen reports whether the fingerprint has been recorded before.
func (s *InMemoryFingerprintStore) Seen(ctx context.Context, fingerprint string) (bool, error) {
	count, err := s.Count(ctx, fingerprint)
	return count > 0, err
}

// Cleanup removes entries older than the given duration.
func (s *InMemoryFingerprintStore) Cleanup(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for fp, entry := range s.entries {
		if entry.lastSeen.Before(cutoff) {
			delete(s.entries, fp)
			removed++
		}
	}
	return removed, nil
}
