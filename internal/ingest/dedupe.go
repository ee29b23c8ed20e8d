package ingest

import (
	"sync"
	"time"
)

// DedupeStore remembers event ids that were already enqueued
type DedupeStore interface {
	Exists(eventID string) bool
	Add(eventID string) error
}

// InMemoryDedupeStore forgets ids after ttl
type InMemoryDedupeStore struct {
	mu    sync.RWMutex
	store map[string]time.Time
	ttl   time.Duration
	stop  chan struct{}
	once  sync.Once
}

func NewInMemoryDedupeStore(ttl time.Duration) *InMemoryDedupeStore {
	s := &InMemoryDedupeStore{
		store: make(map[string]time.Time),
		ttl:   ttl,
		stop:  make(chan struct{}),
	}
	go s.cleanup(time.Minute)
	return s
}

func (s *InMemoryDedupeStore) Exists(eventID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	expiry, exists := s.store[eventID]
	return exists && time.Now().Before(expiry)
}

func (s *InMemoryDedupeStore) Add(eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store[eventID] = time.Now().Add(s.ttl)
	return nil
}

func (s *InMemoryDedupeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.store)
}

// Close stops the cleanup goroutine
func (s *InMemoryDedupeStore) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *InMemoryDedupeStore) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.evictExpired(time.Now())
		}
	}
}

func (s *InMemoryDedupeStore) evictExpired(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, expiry := range s.store {
		if now.After(expiry) {
			delete(s.store, id)
		}
	}
}
