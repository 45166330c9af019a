// Package hub is the registry and traffic recorder of a taskhub cluster.
//
// # Registration
//
// Engines ask to join on hub.registration with a queue identity, a
// heartbeat identity and an optional control identity. The hub rejects
// identities already used by a registered or a provisional engine, hands
// out the next integer id (ids are never reused) and replies with the
// subject directory. Registration completes when the heartbeat monitor
// sees the engine's heart, immediately when it already beats. A heart that
// never shows up within the registration timeout drops the provisional
// entry; there is no explicit failure reply.
//
// Completed registrations and departures are announced on
// hub.notification. A departure comes from hub.unregistration or from a
// heart failure. Tasks the engine still held are failed with EngineError
// once the registration timeout has passed.
//
// # Recording
//
// The scheduler mirrors its traffic on monitor.submit, monitor.destination
// and monitor.result; engines publish output on monitor.iopub. The hub
// turns each message into a partial task record and merges it into the
// record store. Submission and result may arrive in either order. A field
// already stored with a different value is kept and the conflict logged,
// except for assignment and resubmission, which overwrite.
//
// # Queries
//
// hub.query answers request/reply queries keyed by type:
//
//	connection_request  subject directory and engine map
//	queue_request       per-engine pending/completed/failed, optionally verbose
//	load_request        outstanding tasks per engine
//	purge_request       drop finished records by id, by engine or all
//	result_request      pending/completed split and finished results
//	history_request     msg_ids by submission time
//	db_request          record store query with projection
//	resubmit_request    run finished tasks again under new msg_ids
//	shutdown_request    broadcast a shutdown notice, then exit
//
// # Persistence and leadership
//
// With a state store the engine table and the id counter survive restarts;
// restored engines come back provisional and must beat again. The hub
// also holds a leader lease so a standby hub refuses to start while the
// active one runs.
//
// # Admin
//
// AdminServer serves /healthz, /engines, /queue and /metrics over HTTP.
package hub
