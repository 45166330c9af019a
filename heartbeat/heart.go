package heartbeat

import (
	"context"
	"sync/atomic"

	"github.com/vinayprograms/taskhub/bus"
	"github.com/vinayprograms/taskhub/codec"
	"github.com/vinayprograms/taskhub/logging"
	"github.com/vinayprograms/taskhub/protocol"
)

// HeartConfig configures an engine-side Heart.
type HeartConfig struct {
	// Bus carries pings and pongs.
	Bus bus.MessageBus

	// Identity is the heartbeat identity the engine registered with.
	Identity string

	// Codec must match the monitor's. Default: JSON
	Codec codec.Codec

	PingSubject string
	PongSubject string

	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *HeartConfig) Validate() error {
	if c.Bus == nil {
		return ErrInvalidConfig
	}
	return protocol.ValidateIdentity("heart", c.Identity)
}

// Heart answers every ping with a pong carrying its identity.
type Heart struct {
	bus      bus.MessageBus
	codec    codec.Codec
	identity string
	ping     string
	pong     string
	logger   *logging.Logger

	paused  atomic.Bool
	beats   atomic.Uint64
	running atomic.Bool
	sub     bus.Subscription
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewHeart creates a heart. It does nothing until Start.
func NewHeart(cfg HeartConfig) (*Heart, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.Default()
	}
	if cfg.PingSubject == "" {
		cfg.PingSubject = protocol.SubjectPing
	}
	if cfg.PongSubject == "" {
		cfg.PongSubject = protocol.SubjectPong
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return &Heart{
		bus:      cfg.Bus,
		codec:    cfg.Codec,
		identity: cfg.Identity,
		ping:     cfg.PingSubject,
		pong:     cfg.PongSubject,
		logger:   cfg.Logger.WithComponent("heart"),
	}, nil
}

// Identity returns the heart's identity.
func (h *Heart) Identity() string { return h.identity }

// Beats reports how many pongs have been sent.
func (h *Heart) Beats() uint64 { return h.beats.Load() }

// SetPaused stops or resumes answering pings without unsubscribing. A
// paused heart looks dead to the monitor.
func (h *Heart) SetPaused(paused bool) { h.paused.Store(paused) }

// Start subscribes to pings.
func (h *Heart) Start(ctx context.Context) error {
	if h.running.Swap(true) {
		return ErrAlreadyStarted
	}
	if ctx == nil {
		ctx = context.Background()
	}
	sub, err := h.bus.Subscribe(h.ping)
	if err != nil {
		h.running.Store(false)
		return err
	}
	h.sub = sub
	h.stopCh = make(chan struct{})
	h.doneCh = make(chan struct{})
	go h.run(ctx)
	return nil
}

func (h *Heart) run(ctx context.Context) {
	defer close(h.doneCh)
	for {
		select {
		case <-ctx.Done():
			h.running.Store(false)
			return
		case <-h.stopCh:
			return
		case msg, ok := <-h.sub.Messages():
			if !ok {
				return
			}
			h.answer(msg)
		}
	}
}

func (h *Heart) answer(msg *bus.Message) {
	if h.paused.Load() {
		return
	}
	var token string
	if err := h.codec.Unmarshal(msg.Data, &token); err != nil {
		h.logger.Warn("malformed ping", map[string]interface{}{"error": err.Error()})
		return
	}
	data, err := h.codec.Marshal(protocol.Pong{Identity: h.identity, Token: token})
	if err != nil {
		h.logger.Error("encode pong", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := h.bus.Publish(h.pong, data); err != nil {
		h.logger.Warn("publish pong", map[string]interface{}{"error": err.Error()})
		return
	}
	h.beats.Add(1)
}

// Stop unsubscribes and waits for the loop to exit.
func (h *Heart) Stop() error {
	if h.stopCh == nil {
		return ErrNotStarted
	}
	select {
	case <-h.stopCh:
		return ErrNotStarted
	default:
	}
	close(h.stopCh)
	<-h.doneCh
	h.running.Store(false)
	return h.sub.Unsubscribe()
}
