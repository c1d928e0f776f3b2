package docrelay

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
)

// ErrObjectNotFound is returned by ObjectStore.Get for a missing key.
var ErrObjectNotFound = errors.New("docrelay: object not found")

// ObjectStore is the narrow object-storage surface this core needs.
// Credentials, endpoints and bucket wiring belong to the implementation, not
// to this interface.
type ObjectStore interface {
	// List returns all keys under the given prefix. Order is whatever the
	// backing medium guarantees; the built-in stores list lexicographically.
	List(ctx context.Context, prefix string) ([]string, error)
	// Exists reports whether key is present. A missing key is (false, nil);
	// any error means the check itself failed.
	Exists(ctx context.Context, key string) (bool, error)
	// Get returns the object bytes, or ErrObjectNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put writes the object bytes under key, overwriting any existing object.
	Put(ctx context.Context, key string, data []byte) error
}

// MemStore is an in-memory ObjectStore. It is safe for concurrent use and
// lists keys lexicographically.
type MemStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string][]byte)}
}

func (s *MemStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *MemStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[key]
	return ok, nil
}

func (s *MemStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[key]
	if !ok {
		return nil, ErrObjectNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (s *MemStore) Put(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.objects[key] = cp
	return nil
}

// Len returns the number of stored objects.
func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}
