package state

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// Common errors.
var (
	ErrNotFound    = errors.New("key not found")
	ErrClosed      = errors.New("store closed")
	ErrLockHeld    = errors.New("lock already held")
	ErrLockNotHeld = errors.New("lock not held")
	ErrInvalidKey  = errors.New("invalid key")
	ErrInvalidTTL  = errors.New("invalid TTL")
)

// Store is a small key-value store with leases.
type Store interface {
	// Get returns ErrNotFound for missing keys.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put creates or replaces a value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete is a no-op for missing keys.
	Delete(ctx context.Context, key string) error

	// Keys returns the keys starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Lock takes an exclusive lease that lapses after ttl unless refreshed.
	// Returns ErrLockHeld while another holder's lease is live.
	Lock(ctx context.Context, key string, ttl time.Duration) (Lock, error)

	Close() error
}

// Lock is a held lease.
type Lock interface {
	// Refresh extends the lease by its ttl. Returns ErrLockNotHeld when the
	// lease lapsed or was taken over.
	Refresh(ctx context.Context) error

	// Unlock releases the lease.
	Unlock(ctx context.Context) error

	Key() string
}

// ValidateKey checks that a key is usable on every backend: non-empty, no
// spaces or wildcards, no leading or trailing dot.
func ValidateKey(key string) error {
	if key == "" || len(key) > 1024 {
		return ErrInvalidKey
	}
	if strings.ContainsAny(key, " \t\r\n*>") {
		return ErrInvalidKey
	}
	if strings.HasPrefix(key, ".") || strings.HasSuffix(key, ".") {
		return ErrInvalidKey
	}
	return nil
}

// ValidateTTL checks a lease duration.
func ValidateTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}

// lockKey namespaces leases away from data keys.
// gate is embedded by every backend. It rejects bad keys and calls made
// after Close.
type gate struct{ closed atomic.Bool }

func (g *gate) admit(key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if g.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (g *gate) admitLease(key string, ttl time.Duration) error {
	if err := ValidateTTL(ttl); err != nil {
		return err
	}
	return g.admit(key)
}

func (g *gate) open() error {
	if g.closed.Load() {
		return ErrClosed
	}
	return nil
}

func lockKey(key string) string { return "_lock." + key }

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
	BackendRedis  = "redis"
)

// Config selects a backend.
type Config struct {
	Backend string `toml:"backend"`

	// Bucket is the JetStream KV bucket (nats).
	Bucket string `toml:"bucket"`

	// Prefix namespaces keys (redis).
	Prefix string `toml:"prefix"`

	// LeaseTTL is how long the hub's leader lease lives between refreshes.
	LeaseTTL time.Duration `toml:"lease_ttl"`
}

// DefaultConfig returns an in-memory store with a 15s lease.
func DefaultConfig() Config {
	return Config{
		Backend:  BackendMemory,
		Bucket:   "taskhub-state",
		Prefix:   "taskhub:state",
		LeaseTTL: 15 * time.Second,
	}
}

// Deps carries connections shared with the message bus.
type Deps struct {
	NATS  *nats.Conn
	Redis *redis.Client
}

// Open constructs the configured backend.
func Open(ctx context.Context, cfg Config, deps Deps) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendNATS:
		return NewNATSStore(ctx, NATSStoreConfig{Conn: deps.NATS, Bucket: cfg.Bucket})
	case BackendRedis:
		if deps.Redis == nil {
			return nil, fmt.Errorf("state: redis backend needs a redis client")
		}
		return NewRedisStore(deps.Redis, cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("state: unknown backend %q", cfg.Backend)
	}
}
