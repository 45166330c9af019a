// Package config loads taskhubd configuration from a TOML file, a .env file
// and TASKHUB_* environment variables, in increasing order of priority.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/vinayprograms/taskhub/bus"
	"github.com/vinayprograms/taskhub/codec"
	"github.com/vinayprograms/taskhub/heartbeat"
	"github.com/vinayprograms/taskhub/hub"
	"github.com/vinayprograms/taskhub/logging"
	"github.com/vinayprograms/taskhub/metrics"
	"github.com/vinayprograms/taskhub/recordstore"
	"github.com/vinayprograms/taskhub/scheduler"
	"github.com/vinayprograms/taskhub/shutdown"
	"github.com/vinayprograms/taskhub/state"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TASKHUB_"

// Bus backends.
const (
	BusMemory = "memory"
	BusNATS   = "nats"
	BusRedis  = "redis"
)

// Config is the complete taskhubd configuration.
type Config struct {
	// Codec names the wire codec: json or cbor.
	Codec string `toml:"codec"`

	Bus       BusConfig          `toml:"bus"`
	Hub       hub.Config         `toml:"hub"`
	Heartbeat heartbeat.Config   `toml:"heartbeat"`
	Scheduler scheduler.Config   `toml:"scheduler"`
	Store     recordstore.Config `toml:"store"`
	State     state.Config       `toml:"state"`
	Log       logging.Config     `toml:"log"`
	Metrics   metrics.Config     `toml:"metrics"`
	Shutdown  shutdown.Config    `toml:"shutdown"`
}

// BusConfig selects and configures the message bus.
type BusConfig struct {
	Backend    string         `toml:"backend"`
	BufferSize int            `toml:"buffer_size"`
	NATS       NATSBusConfig  `toml:"nats"`
	Redis      RedisBusConfig `toml:"redis"`
}

// NATSBusConfig holds NATS connection settings.
type NATSBusConfig struct {
	URL      string `toml:"url"`
	Name     string `toml:"name"`
	Token    string `toml:"token"`
	User     string `toml:"user"`
	Password string `toml:"password"`
}

// RedisBusConfig holds Redis connection settings.
type RedisBusConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
}

// Default returns a single-process configuration: memory bus, memory
// stores, JSON codec.
func Default() *Config {
	natsDef := bus.DefaultNATSConfig()
	redisDef := bus.DefaultRedisConfig()
	return &Config{
		Codec: codec.NameJSON,
		Bus: BusConfig{
			Backend:    BusMemory,
			BufferSize: bus.DefaultConfig().BufferSize,
			NATS:       NATSBusConfig{URL: natsDef.URL, Name: "taskhubd"},
			Redis:      RedisBusConfig{Addr: redisDef.Addr, Prefix: redisDef.Prefix},
		},
		Hub:       hub.DefaultConfig(),
		Heartbeat: heartbeat.DefaultConfig(),
		Scheduler: scheduler.DefaultConfig(),
		Store:     recordstore.DefaultConfig(),
		State:     state.DefaultConfig(),
		Log:       logging.DefaultConfig(),
		Metrics:   metrics.Config{Enable: true},
		Shutdown:  shutdown.DefaultConfig(),
	}
}

// StandardPaths returns the config file locations searched when no path
// is given, in order of priority.
func StandardPaths() []string {
	paths := []string{"taskhub.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "taskhub", "taskhub.toml"))
	}
	return append(paths, "/etc/taskhub/taskhub.toml")
}

// Load builds the configuration. An empty path searches StandardPaths; no
// file at all is not an error. A .env file in the working directory is
// loaded first and never overrides variables already set.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path == "" {
		for _, p := range StandardPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path != "" {
		if err := cfg.decodeFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes TOML text over the defaults. Environment overrides are not
// applied.
func Parse(data string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(data, cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := checkUndecoded(md); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decodeFile(path string) error {
	md, err := toml.DecodeFile(path, c)
	if err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	if err := checkUndecoded(md); err != nil {
		return fmt.Errorf("config %s: %w", path, err)
	}
	return nil
}

func checkUndecoded(md toml.MetaData) error {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	return nil
}

type lookupFunc func(string) (string, bool)

// applyEnv overlays TASKHUB_* variables. Only connection strings, backend
// choices and the most commonly tuned knobs are exposed.
func (c *Config) applyEnv(lookup lookupFunc) error {
	strs := map[string]*string{
		"CODEC":            &c.Codec,
		"BUS_BACKEND":      &c.Bus.Backend,
		"NATS_URL":         &c.Bus.NATS.URL,
		"NATS_TOKEN":       &c.Bus.NATS.Token,
		"NATS_USER":        &c.Bus.NATS.User,
		"NATS_PASSWORD":    &c.Bus.NATS.Password,
		"REDIS_ADDR":       &c.Bus.Redis.Addr,
		"REDIS_PASSWORD":   &c.Bus.Redis.Password,
		"STORE_BACKEND":    &c.Store.Backend,
		"SQLITE_PATH":      &c.Store.SQLitePath,
		"POSTGRES_DSN":     &c.Store.PostgresDSN,
		"MONGO_URI":        &c.Store.MongoURI,
		"STATE_BACKEND":    &c.State.Backend,
		"LOG_LEVEL":        &c.Log.Level,
		"LOG_FORMAT":       &c.Log.Format,
		"ADMIN_ADDR":       &c.Hub.AdminAddr,
		"SCHEDULER_POLICY": &c.Scheduler.Policy,
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"REDIS_DB":             &c.Bus.Redis.DB,
		"HWM":                  &c.Scheduler.HWM,
		"HEARTBEAT_MAX_MISSES": &c.Heartbeat.MaxMisses,
		"STORE_RECORD_LIMIT":   &c.Store.RecordLimit,
	}
	for name, dst := range ints {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = n
		}
	}

	durs := map[string]*time.Duration{
		"HEARTBEAT_PERIOD":     &c.Heartbeat.Period,
		"REGISTRATION_TIMEOUT": &c.Hub.RegistrationTimeout,
		"SHUTDOWN_TIMEOUT":     &c.Shutdown.Timeout,
	}
	for name, dst := range durs {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
			}
			*dst = d
		}
	}

	if v, ok := lookup(EnvPrefix + "METRICS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%sMETRICS: %w", EnvPrefix, err)
		}
		c.Metrics.Enable = b
	}
	return nil
}

// Validate checks cross-section consistency.
func (c *Config) Validate() error {
	if _, err := codec.Lookup(c.Codec); err != nil {
		return err
	}
	switch c.Bus.Backend {
	case BusMemory, BusNATS, BusRedis:
	default:
		return fmt.Errorf("unknown bus backend %q", c.Bus.Backend)
	}
	if c.State.Backend == state.BackendNATS && c.Bus.Backend != BusNATS {
		return fmt.Errorf("state backend nats requires the nats bus")
	}
	if c.State.Backend == state.BackendRedis && c.Bus.Backend != BusRedis {
		return fmt.Errorf("state backend redis requires the redis bus")
	}
	if err := c.Heartbeat.Validate(); err != nil {
		return err
	}
	if err := c.Hub.Validate(); err != nil {
		return err
	}
	if err := c.Scheduler.Validate(); err != nil {
		return err
	}
	if err := c.Shutdown.Validate(); err != nil {
		return err
	}
	return c.Store.Validate()
}

// OpenBus connects the configured bus. logger may be nil.
func (c *Config) OpenBus(logger *logging.Logger) (bus.MessageBus, error) {
	base := bus.Config{BufferSize: c.Bus.BufferSize}
	switch c.Bus.Backend {
	case BusNATS:
		nc := bus.DefaultNATSConfig()
		nc.Config = base
		nc.URL = c.Bus.NATS.URL
		nc.Name = c.Bus.NATS.Name
		nc.Token = c.Bus.NATS.Token
		nc.User = c.Bus.NATS.User
		nc.Password = c.Bus.NATS.Password
		nc.Logger = logger
		return bus.NewNATSBus(nc)
	case BusRedis:
		rc := bus.DefaultRedisConfig()
		rc.Config = base
		rc.Addr = c.Bus.Redis.Addr
		rc.Password = c.Bus.Redis.Password
		rc.DB = c.Bus.Redis.DB
		if c.Bus.Redis.Prefix != "" {
			rc.Prefix = c.Bus.Redis.Prefix
		}
		return bus.NewRedisBus(rc)
	default:
		return bus.NewMemoryBus(base), nil
	}
}

// StateDeps extracts the connections a state store can share with b.
func StateDeps(b bus.MessageBus) state.Deps {
	switch v := b.(type) {
	case *bus.NATSBus:
		return state.Deps{NATS: v.Conn()}
	case *bus.RedisBus:
		return state.Deps{Redis: v.Client()}
	}
	return state.Deps{}
}
