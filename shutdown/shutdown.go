package shutdown

import (
	"context"
	"errors"
	"io"
	"time"
)

// Common errors.
var (
	// ErrAlreadyShutdown is returned by Shutdown while another call runs.
	ErrAlreadyShutdown = errors.New("shutdown already initiated")

	// ErrTimeout means the deadline passed before every phase ran.
	ErrTimeout = errors.New("shutdown timeout exceeded")

	// ErrHandlerFailed means one or more handlers returned an error.
	ErrHandlerFailed = errors.New("one or more handlers failed")

	// ErrInvalidConfig indicates invalid configuration.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Phases used by taskhubd. Lower phases stop first; handlers sharing a
// phase stop concurrently.
const (
	// PhaseIntake stops the admin server and anything else taking requests
	// from outside the bus.
	PhaseIntake = 10

	// PhaseSchedule stops the scheduler so no task is assigned while the
	// registry goes away.
	PhaseSchedule = 20

	// PhaseRegistry stops the hub and the heartbeat monitor.
	PhaseRegistry = 30

	// PhaseStorage closes the record store and the state store.
	PhaseStorage = 40

	// PhaseTransport closes the bus. State stores may share its connection.
	PhaseTransport = 50
)

// Handler is implemented by components that need an orderly stop. The
// context ends when the shutdown timeout is reached.
type Handler interface {
	OnShutdown(ctx context.Context) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context) error

// OnShutdown implements Handler.
func (f HandlerFunc) OnShutdown(ctx context.Context) error {
	return f(ctx)
}

// Stopper is a component with a blocking Stop, such as the hub, the
// scheduler or the heartbeat monitor.
type Stopper interface {
	Stop() error
}

// Stop adapts a Stopper. Stop is abandoned, not interrupted, when ctx ends
// first.
func Stop(s Stopper) Handler {
	return HandlerFunc(func(ctx context.Context) error {
		done := make(chan error, 1)
		go func() { done <- s.Stop() }()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// Close adapts an io.Closer such as a record store or a bus.
func Close(c io.Closer) Handler {
	return HandlerFunc(func(context.Context) error { return c.Close() })
}

// HandlerResult is the outcome of one handler.
type HandlerResult struct {
	Name     string
	Phase    int
	Duration time.Duration
	Err      error
}

// Result is the outcome of a complete shutdown.
type Result struct {
	Reason   string
	Duration time.Duration
	Handlers []HandlerResult
	Err      error
}

// Failed reports whether any handler failed or the deadline passed.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// FailedHandlers returns the names of handlers that failed.
func (r *Result) FailedHandlers() []string {
	var failed []string
	for _, hr := range r.Handlers {
		if hr.Err != nil {
			failed = append(failed, hr.Name)
		}
	}
	return failed
}

// Config configures the coordinator.
type Config struct {
	// Timeout bounds the whole shutdown.
	// Default: 30s
	Timeout time.Duration `toml:"timeout"`

	// ContinueOnError runs later phases even if a handler failed.
	// Default: true
	ContinueOnError bool `toml:"continue_on_error"`
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Timeout < 0 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:         30 * time.Second,
		ContinueOnError: true,
	}
}

type registration struct {
	name    string
	handler Handler
	phase   int
}
