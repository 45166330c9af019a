// Package state holds small pieces of coordinator state that must outlive a
// process: the hub's engine table and the lease that keeps a second hub from
// starting against the same deployment.
//
// Backends: in-memory (tests, single process), NATS JetStream KV and Redis.
//
//	store, _ := state.Open(ctx, state.Config{Backend: "nats"}, state.Deps{NATS: natsBus.Conn()})
//	lease, err := store.Lock(ctx, "hub.leader", 15*time.Second)
//	if errors.Is(err, state.ErrLockHeld) {
//	    // another hub is running
//	}
//	defer lease.Unlock(ctx)
package state
