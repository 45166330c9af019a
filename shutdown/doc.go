// Package shutdown stops taskhubd's components in dependency order.
//
// # Phases
//
// Handlers register under a phase. Lower phases stop first and handlers in
// the same phase stop concurrently. taskhubd uses:
//
//	PhaseIntake    10  admin HTTP server
//	PhaseSchedule  20  scheduler
//	PhaseRegistry  30  hub, heartbeat monitor
//	PhaseStorage   40  record store, state store
//	PhaseTransport 50  bus
//
// # Triggers
//
// A shutdown starts from SIGTERM or SIGINT (HandleSignals), from a hub
// shutdown_request (Trigger), or from a direct Shutdown call. It runs at
// most once; Done is closed when every phase has run or the timeout cut
// it short.
//
// # Usage
//
//	coord := shutdown.NewCoordinator(cfg.Shutdown, logger)
//	coord.Register("hub", shutdown.PhaseRegistry, shutdown.Stop(h))
//	coord.Register("records", shutdown.PhaseStorage, shutdown.Close(store))
//	coord.Register("bus", shutdown.PhaseTransport, shutdown.Close(msgBus))
//	coord.HandleSignals(ctx)
//	<-coord.Done()
package shutdown
