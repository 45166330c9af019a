package heartbeat

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("heartbeat already started")
	ErrNotStarted     = errors.New("heartbeat not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// Events reported to handlers.
const (
	EventNewHeart     = "new_heart"
	EventHeartFailure = "heart_failure"
)

// Handler is called from the monitor loop with a heart identity. A returned
// error or a panic is logged and does not affect other handlers.
type Handler func(heart string) error

// Config configures a Monitor.
type Config struct {
	// Period between pings.
	// Default: 3s
	Period time.Duration `toml:"period"`

	// MaxMisses is how many consecutive ticks a heart may miss before it
	// is declared failed.
	// Default: 10
	MaxMisses int `toml:"max_misses"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Period:    3 * time.Second,
		MaxMisses: 10,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Period <= 0 {
		return fmt.Errorf("%w: heartbeat period must be positive", ErrInvalidConfig)
	}
	if c.MaxMisses < 1 {
		return fmt.Errorf("%w: max_misses must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// FailureAfter is how long a silent heart takes to be declared failed.
func (c Config) FailureAfter() time.Duration {
	return time.Duration(c.MaxMisses) * c.Period
}

// Token renders a lifetime counter as the ping payload.
func Token(lifetime uint64) string {
	return strconv.FormatUint(lifetime, 10)
}
