package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"reflect"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

func testStores(t *testing.T) map[string]Store {
	ctx := context.Background()
	stores := map[string]Store{BackendMemory: NewMemoryStore()}

	if url := os.Getenv("TASKHUB_TEST_NATS_URL"); url != "" {
		conn, err := nats.Connect(url)
		if err != nil {
			t.Skipf("NATS not available: %v", err)
		}
		bucket := fmt.Sprintf("taskhub-test-%d", time.Now().UnixNano())
		s, err := NewNATSStore(ctx, NATSStoreConfig{Conn: conn, Bucket: bucket})
		if err != nil {
			conn.Close()
			t.Fatalf("NewNATSStore: %v", err)
		}
		t.Cleanup(conn.Close)
		stores[BackendNATS] = s
	}

	if addr := os.Getenv("TASKHUB_TEST_REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		if err := client.Ping(ctx).Err(); err != nil {
			t.Skipf("Redis not available: %v", err)
		}
		t.Cleanup(func() { client.Close() })
		stores[BackendRedis] = NewRedisStore(client, fmt.Sprintf("taskhub-test-%d", time.Now().UnixNano()))
	}

	for _, s := range stores {
		s := s
		t.Cleanup(func() { s.Close() })
	}
	return stores
}

func TestStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Get(ctx, "hub.engines"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Get missing = %v, want ErrNotFound", err)
			}
			if err := s.Put(ctx, "hub.engines", []byte(`{"0":"e0"}`)); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := s.Put(ctx, "hub.meta", []byte("x")); err != nil {
				t.Fatalf("Put: %v", err)
			}
			got, err := s.Get(ctx, "hub.engines")
			if err != nil || string(got) != `{"0":"e0"}` {
				t.Fatalf("Get = %q, %v", got, err)
			}

			keys, err := s.Keys(ctx, "hub.")
			if err != nil {
				t.Fatalf("Keys: %v", err)
			}
			if want := []string{"hub.engines", "hub.meta"}; !reflect.DeepEqual(keys, want) {
				t.Errorf("Keys = %v, want %v", keys, want)
			}

			if err := s.Delete(ctx, "hub.engines"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if err := s.Delete(ctx, "hub.engines"); err != nil {
				t.Fatalf("second Delete: %v", err)
			}
			if _, err := s.Get(ctx, "hub.engines"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Get after delete = %v", err)
			}
		})
	}
}

func TestStore_Lock(t *testing.T) {
	ctx := context.Background()
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			lock, err := s.Lock(ctx, "hub.leader", time.Minute)
			if err != nil {
				t.Fatalf("Lock: %v", err)
			}
			if _, err := s.Lock(ctx, "hub.leader", time.Minute); !errors.Is(err, ErrLockHeld) {
				t.Fatalf("second Lock = %v, want ErrLockHeld", err)
			}
			if err := lock.Refresh(ctx); err != nil {
				t.Fatalf("Refresh: %v", err)
			}
			if err := lock.Unlock(ctx); err != nil {
				t.Fatalf("Unlock: %v", err)
			}
			if err := lock.Unlock(ctx); !errors.Is(err, ErrLockNotHeld) {
				t.Errorf("second Unlock = %v, want ErrLockNotHeld", err)
			}

			again, err := s.Lock(ctx, "hub.leader", time.Minute)
			if err != nil {
				t.Fatalf("Lock after unlock: %v", err)
			}
			again.Unlock(ctx)

			keys, _ := s.Keys(ctx, "")
			for _, k := range keys {
				if k == lockKey("hub.leader") {
					t.Errorf("Keys exposed lease key %q", k)
				}
			}
		})
	}
}

func TestMemoryStore_LeaseLapses(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	defer s.Close()

	first, err := s.Lock(ctx, "hub.leader", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	time.Sleep(40 * time.Millisecond)

	second, err := s.Lock(ctx, "hub.leader", time.Minute)
	if err != nil {
		t.Fatalf("Lock after lapse: %v", err)
	}
	if err := first.Refresh(ctx); !errors.Is(err, ErrLockNotHeld) {
		t.Errorf("stale Refresh = %v, want ErrLockNotHeld", err)
	}
	if err := first.Unlock(ctx); !errors.Is(err, ErrLockNotHeld) {
		t.Errorf("stale Unlock = %v, want ErrLockNotHeld", err)
	}
	if err := second.Refresh(ctx); err != nil {
		t.Errorf("Refresh: %v", err)
	}
}

func TestMemoryStore_Closed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Close()
	if err := s.Put(ctx, "k", nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Put after close = %v", err)
	}
	if _, err := s.Lock(ctx, "k", time.Second); !errors.Is(err, ErrClosed) {
		t.Errorf("Lock after close = %v", err)
	}
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key string
		ok  bool
	}{
		{"hub.engines", true},
		{"", false},
		{"has space", false},
		{"wild.*", false},
		{".leading", false},
		{"trailing.", false},
	}
	for _, tc := range tests {
		if err := ValidateKey(tc.key); (err == nil) != tc.ok {
			t.Errorf("ValidateKey(%q) = %v, want ok=%v", tc.key, err, tc.ok)
		}
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, Config{}, Deps{})
	if err != nil {
		t.Fatalf("Open memory: %v", err)
	}
	s.Close()
	if _, err := Open(ctx, Config{Backend: BackendRedis}, Deps{}); err == nil {
		t.Error("redis without client should fail")
	}
	if _, err := Open(ctx, Config{Backend: BackendNATS}, Deps{}); err == nil {
		t.Error("nats without connection should fail")
	}
	if _, err := Open(ctx, Config{Backend: "etcd"}, Deps{}); err == nil {
		t.Error("unknown backend should fail")
	}
}
