// Package bus provides the message channel used between the hub, the
// heartbeat monitor, the scheduler, engines and clients.
//
// # Available Implementations
//
//   - MemoryBus: in-process channels, for tests and single-process deployments
//   - NATSBus: NATS core messaging
//   - RedisBus: Redis pub/sub plus list-backed queue groups
//
// # Patterns
//
// Pub/Sub - broadcast to all subscribers (heartbeat pings, notifications):
//
//	bus.Publish("hub.notification", data)
//	sub, _ := bus.Subscribe("hub.notification")
//	for msg := range sub.Messages() {
//	    // Handle message
//	}
//
// Queue Groups - each message to one member:
//
//	sub, _ := bus.QueueSubscribe("engine.q1.task", "engines")
//
// Request/Reply - registration and hub queries:
//
//	// Responder
//	sub, _ := b.Subscribe("hub.query")
//	for msg := range sub.Messages() {
//	    bus.Reply(b, msg, response)
//	}
//
//	// Requester
//	reply, _ := b.Request("hub.query", data, timeout)
//
// Subscriptions never block publishers: when a subscriber's buffer is full
// the message is dropped. Size BufferSize for the expected burst.
package bus
