// Package scheduler assigns submitted tasks to registered engines.
//
// # Overview
//
// The scheduler listens on scheduler.submit for task envelopes and on
// hub.notification for engines joining and leaving. A task runs once its
// after dependency is met, on an engine that satisfies its follow
// dependency, its target list and the per-engine high-water mark (HWM).
// Tasks that cannot run yet wait in a queue; the dependency graph wakes
// them when the tasks they wait on finish.
//
// Results arrive on scheduler.result. A failed task with retries left is
// sent again to a different engine. Otherwise the result is relayed to
// client.<id>.result and mirrored on monitor.result for the hub.
//
// # Dependencies
//
// A dependency is a set of task ids plus three flags. With all every task
// must finish in an accepted way; otherwise one suffices. Success and
// failure select the accepted outcomes, success alone by default. A
// dependency that can no longer be met fails the task with
// ImpossibleDependency, and that failure propagates to its own dependents.
//
// # Policies
//
// Among eligible engines, listed least recently used first, a Policy picks
// one from their loads:
//
//	lru          first candidate
//	plainrandom  uniform
//	twobin       less loaded of two random picks
//	weighted     two picks weighted by 1/load, keep the lighter
//	leastload    lowest load, earliest on ties
//
// Custom policies are added with RegisterPolicy.
//
// # Usage
//
//	sched, _ := scheduler.New(scheduler.Options{
//	    Config: scheduler.DefaultConfig(),
//	    Bus:    msgBus,
//	})
//	sched.Start(ctx)
//	defer sched.Stop()
package scheduler
