// Command taskhubd runs the taskhub controller: heartbeat monitor, hub,
// scheduler and record store in one process.
//
// Usage:
//
//	taskhubd [-config taskhub.toml]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/vinayprograms/taskhub/bus"
	"github.com/vinayprograms/taskhub/codec"
	"github.com/vinayprograms/taskhub/config"
	"github.com/vinayprograms/taskhub/heartbeat"
	"github.com/vinayprograms/taskhub/hub"
	"github.com/vinayprograms/taskhub/logging"
	"github.com/vinayprograms/taskhub/metrics"
	"github.com/vinayprograms/taskhub/recordstore"
	"github.com/vinayprograms/taskhub/scheduler"
	"github.com/vinayprograms/taskhub/shutdown"
	"github.com/vinayprograms/taskhub/state"
)

func main() {
	configPath := flag.String("config", "", "config file (default: search standard paths)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "taskhubd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.Setup(cfg.Log)
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	defer logger.Sync()

	m := metrics.Discard()
	if cfg.Metrics.Enable {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(reg)
	}

	wire, err := codec.Lookup(cfg.Codec)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord := shutdown.NewCoordinator(cfg.Shutdown, logger)
	c := &controller{cfg: cfg, logger: logger, metrics: m, codec: wire, coord: coord}
	if err := c.start(ctx); err != nil {
		// Whatever did start is stopped in order.
		_ = coord.ShutdownWithTimeout("startup failed")
		return err
	}

	coord.HandleSignals(ctx)
	logger.Info("taskhubd running", map[string]interface{}{
		"bus":    cfg.Bus.Backend,
		"store":  cfg.Store.Backend,
		"state":  cfg.State.Backend,
		"codec":  wire.ContentType(),
		"policy": cfg.Scheduler.Policy,
	})
	<-coord.Done()
	return coord.Err()
}

// controller starts the components and registers each with the shutdown
// coordinator as soon as it is running.
type controller struct {
	cfg     *config.Config
	logger  *logging.Logger
	metrics *metrics.Metrics
	codec   codec.Codec
	coord   *shutdown.Coordinator
}

func (c *controller) start(ctx context.Context) error {
	msgBus, err := c.cfg.OpenBus(c.logger)
	if err != nil {
		return fmt.Errorf("bus: %w", err)
	}
	if dc, ok := msgBus.(bus.DropCounter); ok {
		if err := c.metrics.WatchBusDrops(dc.Dropped); err != nil {
			return fmt.Errorf("bus metrics: %w", err)
		}
	}
	c.coord.Register("bus", shutdown.PhaseTransport, shutdown.Close(msgBus))

	kv, err := state.Open(ctx, c.cfg.State, config.StateDeps(msgBus))
	if err != nil {
		return fmt.Errorf("state: %w", err)
	}
	c.coord.Register("state", shutdown.PhaseStorage, shutdown.Close(kv))

	records, err := recordstore.Open(ctx, c.cfg.Store)
	if err != nil {
		return fmt.Errorf("record store: %w", err)
	}
	records = recordstore.Instrument(records, c.metrics)
	c.coord.Register("records", shutdown.PhaseStorage, shutdown.Close(records))

	monitor, err := heartbeat.NewMonitor(heartbeat.MonitorConfig{
		Config:  c.cfg.Heartbeat,
		Bus:     msgBus,
		Codec:   c.codec,
		Logger:  c.logger,
		Metrics: c.metrics,
	})
	if err != nil {
		return err
	}
	if err := monitor.Start(ctx); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	c.coord.Register("heartbeat", shutdown.PhaseRegistry, shutdown.Stop(monitor))

	// The scheduler is up before the hub so it hears every registration.
	sched, err := scheduler.New(scheduler.Options{
		Config:  c.cfg.Scheduler,
		Bus:     msgBus,
		Codec:   c.codec,
		Logger:  c.logger,
		Metrics: c.metrics,
	})
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	c.coord.Register("scheduler", shutdown.PhaseSchedule, shutdown.Stop(sched))

	h, err := hub.New(hub.Options{
		Config:     c.cfg.Hub,
		Bus:        msgBus,
		Codec:      c.codec,
		Monitor:    monitor,
		Store:      records,
		State:      kv,
		LeaseTTL:   c.cfg.State.LeaseTTL,
		Logger:     c.logger,
		Metrics:    c.metrics,
		OnShutdown: func() { c.coord.Trigger(hubShutdownReason) },
	})
	if err != nil {
		return err
	}
	if err := h.Start(ctx); err != nil {
		return fmt.Errorf("hub: %w", err)
	}
	c.coord.Register("hub", shutdown.PhaseRegistry, shutdown.Stop(h))

	if addr := c.cfg.Hub.AdminAddr; addr != "" {
		admin := hub.NewAdminServer(h, c.metrics, c.logger)
		bound, err := admin.Start(addr)
		if err != nil {
			return fmt.Errorf("admin server: %w", err)
		}
		c.coord.RegisterFunc("admin", shutdown.PhaseIntake, admin.Shutdown)
		c.logger.Info("admin server listening", map[string]interface{}{"addr": bound.String()})
	}
	return nil
}

const hubShutdownReason = "shutdown_request"
