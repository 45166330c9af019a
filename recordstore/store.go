// Package recordstore persists task records for the hub and answers
// Mongo-style queries over them. Backends: memory, sqlite, postgres, mongo.
package recordstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/taskhub/errors"
	"github.com/vinayprograms/taskhub/query"
)

// Store is the record store contract. Implementations are safe for
// concurrent use and never hand out references to their internal state:
// every read returns fresh copies.
type Store interface {
	// Add stores a new record. Fails with DuplicateRecord if the msg_id
	// exists.
	Add(ctx context.Context, rec *Record) error

	// Get returns the record. Fails with UnknownTask if it never existed
	// and Culled if it was evicted.
	Get(ctx context.Context, msgID string) (*Record, error)

	// Update merges the set fields of partial into the stored record.
	Update(ctx context.Context, msgID string, partial *Record) error

	// Drop deletes a record. Dropping a missing record is not an error.
	Drop(ctx context.Context, msgID string) error

	// DropMatching deletes every record matching q and returns the count.
	DropMatching(ctx context.Context, q query.Query) (int, error)

	// Find returns the records matching q, projected onto keys (all fields
	// when empty), in insertion order.
	Find(ctx context.Context, q query.Query, keys []string) ([]*Record, error)

	// History returns the msg_ids of submitted tasks ordered by submission
	// time.
	History(ctx context.Context) ([]string, error)

	// Close releases the backend.
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

// Config selects and configures a backend.
type Config struct {
	Backend string `toml:"backend"`

	// Memory culling. Zero limits disable culling.
	RecordLimit  int     `toml:"record_limit"`
	SizeLimit    int64   `toml:"size_limit"`
	CullFraction float64 `toml:"cull_fraction"`

	// SQL backends.
	SQLitePath  string `toml:"sqlite_path"`
	PostgresDSN string `toml:"postgres_dsn"`
	Table       string `toml:"table"`

	// Mongo backend.
	MongoURI        string `toml:"mongo_uri"`
	MongoDatabase   string `toml:"mongo_database"`
	MongoCollection string `toml:"mongo_collection"`

	// Timeout bounds opening the backend.
	Timeout time.Duration `toml:"timeout"`
}

// DefaultConfig returns an in-memory store with culling at 1024 records
// or 1 GiB of payload, culling 10% at a time.
func DefaultConfig() Config {
	return Config{
		Backend:         BackendMemory,
		RecordLimit:     1024,
		SizeLimit:       1 << 30,
		CullFraction:    0.1,
		SQLitePath:      "taskhub.db",
		Table:           "tasks",
		MongoDatabase:   "taskhub",
		MongoCollection: "tasks",
		Timeout:         10 * time.Second,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.CullFraction < 0 || c.CullFraction >= 1 {
		return fmt.Errorf("recordstore: cull_fraction must be in [0, 1), got %v", c.CullFraction)
	}
	if c.RecordLimit < 0 || c.SizeLimit < 0 {
		return fmt.Errorf("recordstore: limits must not be negative")
	}
	switch c.Backend {
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("recordstore: postgres backend needs postgres_dsn")
		}
	case BackendMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("recordstore: mongo backend needs mongo_uri")
		}
	}
	return nil
}

// Opener constructs a backend from config.
type Opener func(ctx context.Context, cfg Config) (Store, error)

var (
	openersMu sync.RWMutex
	openers   = map[string]Opener{}
)

// Register makes a backend available to Open under name.
func Register(name string, open Opener) {
	openersMu.Lock()
	defer openersMu.Unlock()
	openers[name] = open
}

// Backends returns the registered backend names, sorted.
func Backends() []string {
	openersMu.RLock()
	defer openersMu.RUnlock()
	names := make([]string, 0, len(openers))
	for name := range openers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open constructs the backend named by cfg.Backend (memory when empty).
func Open(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Backend == "" {
		cfg.Backend = BackendMemory
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	openersMu.RLock()
	open, ok := openers[cfg.Backend]
	openersMu.RUnlock()
	if !ok {
		return nil, errors.New(errors.ErrCodeUnsupported,
			fmt.Sprintf("recordstore: unknown backend %q (have %v)", cfg.Backend, Backends()))
	}
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	return open(ctx, cfg)
}

func init() {
	Register(BackendMemory, func(_ context.Context, cfg Config) (Store, error) {
		return NewMemoryStore(cfg), nil
	})
	Register(BackendSQLite, func(ctx context.Context, cfg Config) (Store, error) {
		return OpenSQLite(ctx, cfg.SQLitePath, cfg.Table)
	})
	Register(BackendPostgres, func(ctx context.Context, cfg Config) (Store, error) {
		return OpenPostgres(ctx, cfg.PostgresDSN, cfg.Table)
	})
	Register(BackendMongo, func(ctx context.Context, cfg Config) (Store, error) {
		return OpenMongo(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection)
	})
}

func notFound(msgID string) error {
	return errors.UnknownTask(msgID)
}

func duplicate(msgID string) error {
	return errors.New(errors.ErrCodeDuplicateRecord, "record "+msgID+" already exists", errors.WithMsgID(msgID))
}

func storeErr(err error, op string) error {
	return errors.WrapWithCode(err, errors.ErrCodeStoreError, "recordstore: "+op)
}

func checkRecord(rec *Record) error {
	if rec == nil || rec.MsgID == "" {
		return errors.InvalidRequest("record without msg_id")
	}
	return nil
}

// IsNotFound reports whether err means the record never existed.
func IsNotFound(err error) bool { return errors.Is(err, errors.ErrCodeUnknownTask) }

// IsCulled reports whether err means the record was evicted.
func IsCulled(err error) bool { return errors.Is(err, errors.ErrCodeCulled) }

// IsDuplicate reports whether err means the msg_id was already stored.
func IsDuplicate(err error) bool { return errors.Is(err, errors.ErrCodeDuplicateRecord) }
