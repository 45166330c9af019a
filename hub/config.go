package hub

import (
	"fmt"
	"time"
)

// Config holds the hub tunables read from the config file.
type Config struct {
	// RegistrationTimeout bounds how long a provisional engine may wait for
	// its heart to beat, and how long a departed engine's tasks are given
	// before they are declared stranded. Zero derives it from the
	// heartbeat period: max(10s, 5 periods).
	RegistrationTimeout time.Duration `toml:"registration_timeout"`

	// ShutdownDelay is the pause between the shutdown notice and the
	// shutdown callback.
	// Default: 1s
	ShutdownDelay time.Duration `toml:"shutdown_delay"`

	// AdminAddr is the listen address of the admin HTTP server. Empty
	// disables it.
	// Default: 127.0.0.1:8765
	AdminAddr string `toml:"admin_addr"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ShutdownDelay: time.Second,
		AdminAddr:     "127.0.0.1:8765",
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.RegistrationTimeout < 0 || c.ShutdownDelay < 0 {
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidConfig)
	}
	return nil
}

// registrationTimeout derives the timeout from the heartbeat period when
// none is configured.
func (c Config) registrationTimeout(period time.Duration) time.Duration {
	if c.RegistrationTimeout > 0 {
		return c.RegistrationTimeout
	}
	if d := 5 * period; d > 10*time.Second {
		return d
	}
	return 10 * time.Second
}
