package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/vinayprograms/taskhub/logging"
)

// Coordinator runs registered handlers phase by phase, once.
type Coordinator struct {
	cfg    Config
	logger *logging.Logger

	mu       sync.Mutex
	handlers []registration
	started  bool
	done     chan struct{}
	err      error
	result   *Result
}

// NewCoordinator creates a coordinator. A zero Timeout takes the default.
func NewCoordinator(cfg Config, logger *logging.Logger) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Coordinator{
		cfg:    cfg,
		logger: logger.WithComponent("shutdown"),
		done:   make(chan struct{}),
	}
}

// Register adds a handler to a phase.
func (c *Coordinator) Register(name string, phase int, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, handler: h, phase: phase})
}

// RegisterFunc adds a function handler to a phase.
func (c *Coordinator) RegisterFunc(name string, phase int, fn func(ctx context.Context) error) {
	c.Register(name, phase, HandlerFunc(fn))
}

// Shutdown runs every phase in order and closes Done. Only the first call
// does any work; later calls wait for it and return its error, or return
// ErrAlreadyShutdown if ctx ends first.
func (c *Coordinator) Shutdown(ctx context.Context, reason string) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		select {
		case <-c.done:
			return c.err
		case <-ctx.Done():
			return ErrAlreadyShutdown
		}
	}
	c.started = true
	handlers := append([]registration(nil), c.handlers...)
	c.mu.Unlock()

	c.logger.Info("shutting down", map[string]interface{}{"reason": reason, "handlers": len(handlers)})
	result := c.run(ctx, handlers)
	result.Reason = reason

	c.mu.Lock()
	c.result = result
	c.err = result.Err
	c.mu.Unlock()
	close(c.done)

	fields := map[string]interface{}{"duration_ms": result.Duration.Milliseconds()}
	if result.Failed() {
		fields["error"] = result.Err.Error()
		fields["failed"] = result.FailedHandlers()
		c.logger.Error("shutdown incomplete", fields)
	} else {
		c.logger.Info("shutdown complete", fields)
	}
	return result.Err
}

// ShutdownWithTimeout runs Shutdown bounded by the configured timeout.
func (c *Coordinator) ShutdownWithTimeout(reason string) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
	defer cancel()
	return c.Shutdown(ctx, reason)
}

// Trigger starts a shutdown in the background.
func (c *Coordinator) Trigger(reason string) {
	go func() { _ = c.ShutdownWithTimeout(reason) }()
}

// HandleSignals triggers a shutdown on SIGTERM or SIGINT until ctx ends.
func (c *Coordinator) HandleSignals(ctx context.Context) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		defer signal.Stop(sigs)
		select {
		case sig := <-sigs:
			_ = c.ShutdownWithTimeout("signal " + sig.String())
		case <-ctx.Done():
		case <-c.done:
		}
	}()
}

// Done is closed when the shutdown has finished.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown error once Done is closed.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.err
	default:
		return nil
	}
}

// Result returns the detailed outcome once Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context, handlers []registration) *Result {
	start := time.Now()
	sort.SliceStable(handlers, func(i, j int) bool { return handlers[i].phase < handlers[j].phase })

	result := &Result{Handlers: make([]HandlerResult, 0, len(handlers))}
	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			result.Err = ErrTimeout
			break
		}
		phase := c.runPhase(ctx, group)
		result.Handlers = append(result.Handlers, phase...)

		failed := false
		for _, hr := range phase {
			if hr.Err != nil {
				failed = true
			}
		}
		if failed {
			result.Err = ErrHandlerFailed
			if !c.cfg.ContinueOnError {
				break
			}
		}
	}
	result.Duration = time.Since(start)
	return result
}

// runPhase runs the handlers of one phase concurrently.
func (c *Coordinator) runPhase(ctx context.Context, group []registration) []HandlerResult {
	results := make([]HandlerResult, len(group))
	var wg sync.WaitGroup
	for i, reg := range group {
		wg.Add(1)
		go func(idx int, r registration) {
			defer wg.Done()
			start := time.Now()
			err := r.handler.OnShutdown(ctx)
			results[idx] = HandlerResult{Name: r.name, Phase: r.phase, Duration: time.Since(start), Err: err}

			fields := map[string]interface{}{
				"handler":     r.name,
				"phase":       r.phase,
				"duration_ms": results[idx].Duration.Milliseconds(),
			}
			if err != nil {
				fields["error"] = err.Error()
				c.logger.Warn("shutdown handler failed", fields)
				return
			}
			c.logger.Debug("shutdown handler done", fields)
		}(i, reg)
	}
	wg.Wait()
	return results
}

// groupByPhase splits handlers sorted by phase into per-phase groups.
func groupByPhase(handlers []registration) [][]registration {
	var groups [][]registration
	for i, h := range handlers {
		if i == 0 || h.phase != handlers[i-1].phase {
			groups = append(groups, nil)
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], h)
	}
	return groups
}
