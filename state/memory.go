package state

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	data   map[string][]byte
	leases map[string]*memoryLease
	nextID uint64
	gate
}

type memoryLease struct {
	id      uint64
	expires time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:   make(map[string][]byte),
		leases: make(map[string]*memoryLease),
	}
}

// Get retrieves a copy of the value.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.admit(key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

// Put stores a copy of value.
func (s *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	if err := s.admit(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

// Delete removes a key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	if err := s.admit(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

// Keys lists keys with the given prefix.
func (s *MemoryStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Lock takes a lease.
func (s *MemoryStore) Lock(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	if err := s.admitLease(key, ttl); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	lk := lockKey(key)
	if cur, ok := s.leases[lk]; ok && time.Now().Before(cur.expires) {
		return nil, ErrLockHeld
	}
	s.nextID++
	s.leases[lk] = &memoryLease{id: s.nextID, expires: time.Now().Add(ttl)}
	return &memoryLock{store: s, key: lk, id: s.nextID, ttl: ttl}, nil
}

// Close discards all data.
func (s *MemoryStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
	s.leases = nil
	return nil
}

type memoryLock struct {
	store *MemoryStore
	key   string
	id    uint64
	ttl   time.Duration
}

// held reports whether this lease is still the live one. Caller holds mu.
func (l *memoryLock) held() bool {
	cur, ok := l.store.leases[l.key]
	return ok && cur.id == l.id && time.Now().Before(cur.expires)
}

func (l *memoryLock) Refresh(ctx context.Context) error {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	if l.store.leases == nil || !l.held() {
		return ErrLockNotHeld
	}
	l.store.leases[l.key].expires = time.Now().Add(l.ttl)
	return nil
}

func (l *memoryLock) Unlock(ctx context.Context) error {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	if l.store.leases == nil || !l.held() {
		return ErrLockNotHeld
	}
	delete(l.store.leases, l.key)
	return nil
}

func (l *memoryLock) Key() string { return l.key }
