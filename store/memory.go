package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// MemoryStore implements Store with in-process maps.
// It is safe for concurrent use.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	sets   map[string]map[string]struct{}
	hub    *hub
	closed atomic.Bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(cfg Config) *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
		sets: make(map[string]map[string]struct{}),
		hub:  newHub(cfg.BufferSize),
	}
}

// Set stores a copy of value under key.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	buf := make([]byte, len(value))
	copy(buf, value)

	s.mu.Lock()
	s.data[key] = buf
	s.mu.Unlock()
	return nil
}

// Get returns a copy of the value stored under key.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	v, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Del removes key and reports whether it existed.
func (s *MemoryStore) Del(ctx context.Context, key string) (bool, error) {
	if err := ValidateKey(key); err != nil {
		return false, err
	}
	if s.closed.Load() {
		return false, ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return false, nil
	}
	delete(s.data, key)
	return true, nil
}

// AddToSet adds member to a set, creating the set when needed.
func (s *MemoryStore) AddToSet(ctx context.Context, setKey, member string) error {
	if err := ValidateKey(setKey); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.sets[setKey]
	if !ok {
		set = make(map[string]struct{})
		s.sets[setKey] = set
	}
	set[member] = struct{}{}
	return nil
}

// RemoveFromSet removes member from a set. Removing from a missing set is a no-op.
func (s *MemoryStore) RemoveFromSet(ctx context.Context, setKey, member string) error {
	if err := ValidateKey(setKey); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.sets[setKey]; ok {
		delete(set, member)
		if len(set) == 0 {
			delete(s.sets, setKey)
		}
	}
	return nil
}

// MembersOf returns the sorted members of a set.
func (s *MemoryStore) MembersOf(ctx context.Context, setKey string) ([]string, error) {
	if err := ValidateKey(setKey); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}

	s.mu.RLock()
	members := make([]string, 0, len(s.sets[setKey]))
	for m := range s.sets[setKey] {
		members = append(members, m)
	}
	s.mu.RUnlock()

	sort.Strings(members)
	return members, nil
}

// Publish delivers message to current subscribers of channel.
// It blocks while a subscriber's buffer is full, until ctx ends.
func (s *MemoryStore) Publish(ctx context.Context, channel, message string) error {
	if err := ValidateChannel(channel); err != nil {
		return err
	}
	if s.closed.Load() {
		return ErrClosed
	}
	if err := s.hub.publish(ctx, channel, message); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe registers a subscription on channel.
func (s *MemoryStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ValidateChannel(channel); err != nil {
		return nil, err
	}
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.hub.subscribe(channel), nil
}

// Dropped returns how many deliveries were abandoned by a canceled Publish.
func (s *MemoryStore) Dropped() int64 {
	return s.hub.Dropped()
}

// Close closes all subscriptions. Further calls fail with ErrClosed.
func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.hub.closeAll()
	return nil
}
