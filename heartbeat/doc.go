// Package heartbeat detects engine liveness with a ping/pong protocol.
//
// # Overview
//
// A Monitor publishes a ping carrying a token on every tick. The token is
// the decimal form of a counter that grows by one per tick. Each engine
// runs a Heart that answers with a pong carrying its identity and the
// token it saw. At the next tick the monitor compares the replies with the
// hearts it already knows:
//
//   - a reply from an unknown identity is a new heart; new-heart handlers run
//   - a known heart that replied with the current token is reset to good
//   - a known heart that did not reply is put on probation; after MaxMisses
//     consecutive misses heart-failure handlers run and the heart is dropped
//
// # Late replies
//
// A pong carrying the previous token arrived after the tick boundary. It
// neither counts as a miss nor clears probation, once. A heart that is
// late on two consecutive ticks is counted as missing on the second.
// Replies with any other token are logged and ignored.
//
// # Architecture
//
//	┌─────────────┐   heartbeat.ping "42"    ┌─────────────┐
//	│   Monitor   │ ───────────────────────> │    Heart    │
//	│    (hub)    │ <─────────────────────── │  (engine)   │
//	└─────────────┘ heartbeat.pong [id,"42"] └─────────────┘
//
// # Usage
//
//	monitor, _ := heartbeat.NewMonitor(heartbeat.MonitorConfig{
//	    Bus:    msgBus,
//	    Config: heartbeat.DefaultConfig(),
//	})
//	monitor.OnHeartFailure(func(heart string) error {
//	    log.Printf("heart %s stopped", heart)
//	    return nil
//	})
//	monitor.Start(ctx)
//
// Answering pings from an engine:
//
//	heart, _ := heartbeat.NewHeart(heartbeat.HeartConfig{Bus: msgBus, Identity: "h1"})
//	heart.Start(ctx)
package heartbeat
