package state

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on plain Redis keys under a prefix. Leases
// are SET NX PX keys holding a random token.
type RedisStore struct {
	client *redis.Client
	prefix string
	gate
}

// refreshScript extends a lease only if the caller still holds it.
var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// unlockScript deletes a lease only if the caller still holds it.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// NewRedisStore wraps a client. The client belongs to the caller.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultConfig().Prefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) k(key string) string { return s.prefix + ":" + key }

// Get retrieves a value by key.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.admit(key); err != nil {
		return nil, err
	}
	v, err := s.client.Get(ctx, s.k(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return v, nil
}

// Put stores a value without expiry.
func (s *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	if err := s.admit(key); err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.k(key), value, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes a key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.admit(key); err != nil {
		return err
	}
	if err := s.client.Del(ctx, s.k(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Keys scans data keys with the given prefix.
func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := s.open(); err != nil {
		return nil, err
	}
	var keys []string
	iter := s.client.Scan(ctx, 0, s.k(prefix)+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := strings.TrimPrefix(iter.Val(), s.prefix+":")
		if !strings.HasPrefix(key, lockKey("")) {
			keys = append(keys, key)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Lock takes a lease.
func (s *RedisStore) Lock(ctx context.Context, key string, ttl time.Duration) (Lock, error) {
	if err := s.admitLease(key, ttl); err != nil {
		return nil, err
	}
	l := &redisLock{store: s, key: s.k(lockKey(key)), token: uuid.NewString(), ttl: ttl}
	ok, err := s.client.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return l, nil
}

// Close marks the store closed.
func (s *RedisStore) Close() error {
	s.closed.Store(true)
	return nil
}

type redisLock struct {
	store *RedisStore
	key   string
	token string
	ttl   time.Duration
}

func (l *redisLock) Refresh(ctx context.Context) error {
	n, err := refreshScript.Run(ctx, l.store.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("refresh lock: %w", err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

func (l *redisLock) Unlock(ctx context.Context) error {
	n, err := unlockScript.Run(ctx, l.store.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

func (l *redisLock) Key() string { return l.key }
