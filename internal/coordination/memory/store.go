// Package memory provides a process-local coordination store.
package memory

import (
	"context"
	"sync"
	"time"
)

// Store keeps sets in a map. It coordinates goroutines, not processes.
type Store struct {
	mu   sync.Mutex
	sets map[string]map[string]time.Time
}

// New builds an empty store.
func New() *Store {
	return &Store{sets: make(map[string]map[string]time.Time)}
}

// AddWithExpiry adds or refreshes member.
func (s *Store) AddWithExpiry(_ context.Context, setKey, member string, expireAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.add(setKey, member, expireAt)
	return nil
}

// Remove deletes member.
func (s *Store) Remove(_ context.Context, setKey, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.sets[setKey]
	delete(set, member)
	if len(set) == 0 {
		delete(s.sets, setKey)
	}
	return nil
}

// PurgeExpired drops members whose expiry is at or before now.
func (s *Store) PurgeExpired(_ context.Context, setKey string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(setKey, now)
	return nil
}

// Cardinality counts members.
func (s *Store) Cardinality(_ context.Context, setKey string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sets[setKey]), nil
}

// AddIfBelow implements coordination.Store.
func (s *Store) AddIfBelow(_ context.Context, setKey, member string, expireAt, now time.Time, limit int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purge(setKey, now)
	if len(s.sets[setKey]) >= limit {
		return false, nil
	}
	s.add(setKey, member, expireAt)
	return true, nil
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) add(setKey, member string, expireAt time.Time) {
	set, ok := s.sets[setKey]
	if !ok {
		set = make(map[string]time.Time)
		s.sets[setKey] = set
	}
	set[member] = expireAt
}

func (s *Store) purge(setKey string, now time.Time) {
	set := s.sets[setKey]
	for member, expireAt := range set {
		if !expireAt.After(now) {
			delete(set, member)
		}
	}
	if len(set) == 0 {
		delete(s.sets, setKey)
	}
}
