// Package recovery holds the side store that keeps full comment content so it
// can be recovered after undo and redo rebuild the comment cache from marks.
package recovery

import (
	"sort"
	"strings"
	"sync"
)

// Store is a synchronous string key/value bridge. Callers treat every
// failure as best effort.
type Store interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
}

// Lister is implemented by stores that can enumerate their keys.
type Lister interface {
	Keys(prefix string) ([]string, error)
}

type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: map[string]string{}}
}

func (s *MemoryStore) Get(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.values[key]
	return value, ok, nil
}

func (s *MemoryStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryStore) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

func (s *MemoryStore) Keys(prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := []string{}
	for key := range s.values {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Scoped prefixes every key so several documents can share one backend.
type Scoped struct {
	inner  Store
	prefix string
}

func NewScoped(inner Store, scope string) *Scoped {
	return &Scoped{inner: inner, prefix: scope + "/"}
}

func (s *Scoped) Get(key string) (string, bool, error) { return s.inner.Get(s.prefix + key) }

func (s *Scoped) Set(key, value string) error { return s.inner.Set(s.prefix+key, value) }

func (s *Scoped) Remove(key string) error { return s.inner.Remove(s.prefix + key) }

func (s *Scoped) Keys(prefix string) ([]string, error) {
	lister, ok := s.inner.(Lister)
	if !ok {
		return []string{}, nil
	}
	keys, err := lister.Keys(s.prefix + prefix)
	if err != nil {
		return nil, err
	}
	for i, key := range keys {
		keys[i] = strings.TrimPrefix(key, s.prefix)
	}
	return keys, nil
}
