package pondhub

import (
	"sort"
	"sync"
)

type store[T any] struct {
	mutex sync.RWMutex
	store map[string]T
}

func newStore[T any]() *store[T] {
	return &store[T]{
		mutex: sync.RWMutex{},
		store: make(map[string]T),
	}
}

func (s *store[T]) Create(key string, value T) error {
	s.mutex.Lock()

	defer s.mutex.Unlock()

	if _, exists := s.store[key]; exists {
		return conflict(key, "subscription id already in use")
	}
	s.store[key] = value
	return nil
}

func (s *store[T]) Read(key string) (T, bool) {
	s.mutex.RLock()

	defer s.mutex.RUnlock()

	value, exists := s.store[key]

	return value, exists
}

func (s *store[T]) Upsert(key string, value T) {
	s.mutex.Lock()

	defer s.mutex.Unlock()

	s.store[key] = value
}

func (s *store[T]) Delete(key string) bool {
	s.mutex.Lock()

	defer s.mutex.Unlock()

	if _, exists := s.store[key]; !exists {
		return false
	}
	delete(s.store, key)

	return true
}

// Drain removes and returns every value.
func (s *store[T]) Drain() []T {
	s.mutex.Lock()

	defer s.mutex.Unlock()

	values := make([]T, 0, len(s.store))

	for _, value := range s.store {
		values = append(values, value)
	}
	s.store = make(map[string]T)

	return values
}

func (s *store[T]) Keys() []string {
	s.mutex.RLock()

	defer s.mutex.RUnlock()

	keys := make([]string, 0, len(s.store))

	for key := range s.store {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	return keys
}

func (s *store[T]) Len() int {
	s.mutex.RLock()

	defer s.mutex.RUnlock()

	return len(s.store)
}
