package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// NATSStore implements Store on a JetStream KV bucket. Leases use the
// bucket's revision numbers for compare-and-set.
type NATSStore struct {
	kv     jetstream.KeyValue
	gate
}

// NATSStoreConfig holds NATS KV store configuration.
type NATSStoreConfig struct {
	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Bucket is the KV bucket name.
	Bucket string

	// MaxValueSize is the maximum value size in bytes.
	// Default: 1MB
	MaxValueSize int32
}

// DefaultNATSStoreConfig returns configuration with sensible defaults.
func DefaultNATSStoreConfig() NATSStoreConfig {
	return NATSStoreConfig{
		Bucket:       "taskhub-state",
		MaxValueSize: 1024 * 1024,
	}
}

// NewNATSStore opens (creating if needed) the bucket.
func NewNATSStore(ctx context.Context, cfg NATSStoreConfig) (*NATSStore, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	def := DefaultNATSStoreConfig()
	if cfg.Bucket == "" {
		cfg.Bucket = def.Bucket
	}
	if cfg.MaxValueSize <= 0 {
		cfg.MaxValueSize = def.MaxValueSize
	}

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:       cfg.Bucket,
		History:      1,
		MaxValueSize: cfg.MaxValueSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create kv bucket: %w", err)
	}
	return &NATSStore{kv: kv}, nil
}

// Get retrieves a value by key.
func (s *NATSStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.admit(key); err != nil {
		return nil, err
	}
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("kv get: %w", err)
	}
	return entry.Value(), nil
}

// Put stores a value.
func (s *NATSStore) Put(ctx context.Context, key string, value []byte) error {
	if err := s.admit(key); err != nil {
		return err
	}
	if _, err := s.kv.Put(ctx, key, value); err != nil {
		return fmt.Errorf("kv put: %w", err)
	}
	return nil
}

// Delete removes a key.
func (s *NATSStore) Delete(ctx context.Context, key string) error {
	if err := s.admit(key); err != nil {
		return err
	}
	if err := s.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("kv delete: %w", err)
	}
	return nil
}

// Keys lists data keys with the given prefix.
func (s *NATSStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	lister, err := s.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("kv list keys: %w", err)
	}
	var keys []string
	for key := range lister.Keys() {
		if strings.HasPrefix(key, prefix) && !strings.HasPrefix(key, lockKey("")) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Lock takes a lease. The stored value is "<holder>:<expiry unix nanos>".
func (s *NATSStore) Lock(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	if err := s.admitLease(key, ttl); err != nil {
		return nil, err
	}

	l := &natsLock{store: s, key: lockKey(key), holder: uuid.NewString(), ttl: ttl}
	rev, err := s.kv.Create(ctx, l.key, l.value())
	if err == nil {
		l.rev = rev
		return l, nil
	}
	if !errors.Is(err, jetstream.ErrKeyExists) {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	entry, err := s.kv.Get(ctx, l.key)
	if err != nil {
		return nil, fmt.Errorf("check lock: %w", err)
	}
	if _, expires, ok := parseLease(entry.Value()); ok && time.Now().Before(expires) {
		return nil, ErrLockHeld
	}
	// lapsed lease: take it over unless someone else just did
	rev, err = s.kv.Update(ctx, l.key, l.value(), entry.Revision())
	if err != nil {
		return nil, ErrLockHeld
	}
	l.rev = rev
	return l, nil
}

// Close marks the store closed. The connection belongs to the caller.
func (s *NATSStore) Close() error {
	s.closed.Store(true)
	return nil
}

type natsLock struct {
	store  *NATSStore
	key    string
	holder string
	ttl    time.Duration
	rev    uint64
}

func (l *natsLock) value() []byte {
	expires := time.Now().Add(l.ttl).UnixNano()
	return []byte(l.holder + ":" + strconv.FormatInt(expires, 10))
}

func parseLease(v []byte) (holder string, expires time.Time, ok bool) {
	h, n, found := strings.Cut(string(v), ":")
	if !found {
		return "", time.Time{}, false
	}
	nanos, err := strconv.ParseInt(n, 10, 64)
	if err != nil {
		return "", time.Time{}, false
	}
	return h, time.Unix(0, nanos), true
}

func (l *natsLock) Refresh(ctx context.Context) error {
	rev, err := l.store.kv.Update(ctx, l.key, l.value(), l.rev)
	if err != nil {
		return ErrLockNotHeld
	}
	l.rev = rev
	return nil
}

func (l *natsLock) Unlock(ctx context.Context) error {
	if err := l.store.kv.Delete(ctx, l.key, jetstream.LastRevision(l.rev)); err != nil {
		return ErrLockNotHeld
	}
	return nil
}

func (l *natsLock) Key() string { return l.key }
