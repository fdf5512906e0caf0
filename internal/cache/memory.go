package cache

import (
	"context"
	"sort"
	"sync"
)

// MemoryStorage keeps stores in process memory. Contents are lost on
// restart, so it suits development and single-process tests.
type MemoryStorage struct {
	mu     sync.RWMutex
	stores map[string]map[string]Object
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{stores: make(map[string]map[string]Object)}
}

func (m *MemoryStorage) Open(_ context.Context, name string) (Store, error) {
	if err := validName(name); err != nil {
		return nil, err
	}
	m.mu.Lock()
	if _, ok := m.stores[name]; !ok {
		m.stores[name] = make(map[string]Object)
	}
	m.mu.Unlock()
	return &memoryStore{storage: m, name: name}, nil
}

func (m *MemoryStorage) Has(_ context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.stores[name]
	return ok, nil
}

func (m *MemoryStorage) Names(_ context.Context) ([]string, error) {
	m.mu.RLock()
	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.stores[name]
	delete(m.stores, name)
	return ok, nil
}

type memoryStore struct {
	storage *MemoryStorage
	name    string
}

func (s *memoryStore) Name() string { return s.name }

func (s *memoryStore) Get(_ context.Context, key string) (Object, error) {
	s.storage.mu.RLock()
	defer s.storage.mu.RUnlock()
	entries, ok := s.storage.stores[s.name]
	if !ok {
		return Object{}, ErrNoStore
	}
	obj, ok := entries[key]
	if !ok {
		return Object{}, ErrNotFound
	}
	obj.Body = append([]byte(nil), obj.Body...)
	return obj, nil
}

func (s *memoryStore) Put(_ context.Context, key string, obj Object) error {
	s.storage.mu.Lock()
	defer s.storage.mu.Unlock()
	entries, ok := s.storage.stores[s.name]
	if !ok {
		return ErrNoStore
	}
	obj.Body = append([]byte(nil), obj.Body...)
	entries[key] = obj
	return nil
}

func (s *memoryStore) Keys(_ context.Context) ([]string, error) {
	s.storage.mu.RLock()
	entries, ok := s.storage.stores[s.name]
	if !ok {
		s.storage.mu.RUnlock()
		return nil, ErrNoStore
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	s.storage.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.storage.mu.Lock()
	defer s.storage.mu.Unlock()
	if entries, ok := s.storage.stores[s.name]; ok {
		delete(entries, key)
	}
	return nil
}
