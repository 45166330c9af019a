package heartbeat

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/taskhub/bus"
	"github.com/vinayprograms/taskhub/codec"
	"github.com/vinayprograms/taskhub/errors"
	"github.com/vinayprograms/taskhub/logging"
	"github.com/vinayprograms/taskhub/metrics"
	"github.com/vinayprograms/taskhub/protocol"
)

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	Config

	// Bus carries pings and pongs.
	Bus bus.MessageBus

	// Codec encodes pings and decodes pongs. Default: JSON
	Codec codec.Codec

	// PingSubject and PongSubject default to the protocol subjects.
	PingSubject string
	PongSubject string

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Validate checks the configuration.
func (c *MonitorConfig) Validate() error {
	if c.Bus == nil {
		return ErrInvalidConfig
	}
	return c.Config.Validate()
}

// Monitor tracks which hearts are beating. All tracking state is owned by
// the loop started by Start.
type Monitor struct {
	bus     bus.MessageBus
	codec   codec.Codec
	cfg     Config
	ping    string
	pong    string
	logger  *logging.Logger
	metrics *metrics.Metrics

	handlerMu    sync.Mutex
	newHandlers  []Handler
	failHandlers []Handler

	// loop state
	lifetime  uint64
	hearts    map[string]struct{}
	responses map[string]struct{}
	late      map[string]struct{}
	graced    map[string]struct{}
	probation map[string]int

	// snapshot of hearts for readers outside the loop
	snapMu   sync.RWMutex
	snapshot map[string]struct{}

	calls   chan func()
	running atomic.Bool
	sub     bus.Subscription
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

// NewMonitor creates a heartbeat monitor. Zero Period and MaxMisses take
// their defaults.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	def := DefaultConfig()
	if cfg.Period == 0 {
		cfg.Period = def.Period
	}
	if cfg.MaxMisses == 0 {
		cfg.MaxMisses = def.MaxMisses
	}
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
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Discard()
	}

	return &Monitor{
		bus:       cfg.Bus,
		codec:     cfg.Codec,
		cfg:       cfg.Config,
		ping:      cfg.PingSubject,
		pong:      cfg.PongSubject,
		logger:    cfg.Logger.WithComponent("heartbeat"),
		metrics:   cfg.Metrics,
		hearts:    make(map[string]struct{}),
		responses: make(map[string]struct{}),
		late:      make(map[string]struct{}),
		graced:    make(map[string]struct{}),
		probation: make(map[string]int),
		snapshot:  make(map[string]struct{}),
		calls:     make(chan func(), 64),
	}, nil
}

// Config returns the effective configuration.
func (m *Monitor) Config() Config { return m.cfg }

// OnNewHeart registers a handler for hearts seen for the first time.
func (m *Monitor) OnNewHeart(h Handler) {
	m.handlerMu.Lock()
	m.newHandlers = append(m.newHandlers, h)
	m.handlerMu.Unlock()
}

// OnHeartFailure registers a handler for hearts that stopped beating.
func (m *Monitor) OnHeartFailure(h Handler) {
	m.handlerMu.Lock()
	m.failHandlers = append(m.failHandlers, h)
	m.handlerMu.Unlock()
}

// Start subscribes to pongs, sends the first ping and begins ticking.
func (m *Monitor) Start(ctx context.Context) error {
	if m.running.Swap(true) {
		return ErrAlreadyStarted
	}
	sub, err := m.bus.Subscribe(m.pong)
	if err != nil {
		m.running.Store(false)
		return err
	}
	m.sub = sub

	ctx, m.cancel = context.WithCancel(ctx)
	m.doneCh = make(chan struct{})
	go m.run(ctx)
	return nil
}

// Stop ends the loop and waits for it to exit.
func (m *Monitor) Stop() error {
	if !m.running.Swap(false) {
		return ErrNotStarted
	}
	m.cancel()
	<-m.doneCh
	return m.sub.Unsubscribe()
}

// IsBeating reports whether heart is currently tracked. Safe from any
// goroutine.
func (m *Monitor) IsBeating(heart string) bool {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	_, ok := m.snapshot[heart]
	return ok
}

// Hearts returns the tracked hearts, sorted.
func (m *Monitor) Hearts() []string {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	out := make([]string, 0, len(m.snapshot))
	for h := range m.snapshot {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Beat runs one tick now and waits for it to finish.
func (m *Monitor) Beat(ctx context.Context) error {
	if !m.running.Load() {
		return ErrNotStarted
	}
	done := make(chan struct{})
	select {
	case m.calls <- func() { m.beat(); close(done) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.Period)
	defer ticker.Stop()

	m.sendPing()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-m.sub.Messages():
			if !ok {
				return
			}
			m.handlePong(msg)
		case fn := <-m.calls:
			fn()
		case <-ticker.C:
			m.beat()
		}
	}
}

func (m *Monitor) handlePong(msg *bus.Message) {
	var pong protocol.Pong
	if err := m.codec.Unmarshal(msg.Data, &pong); err != nil {
		m.logger.Warn("malformed pong", map[string]interface{}{"error": err.Error()})
		return
	}
	switch pong.Token {
	case Token(m.lifetime):
		m.responses[pong.Identity] = struct{}{}
	case m.previousToken():
		m.late[pong.Identity] = struct{}{}
	default:
		m.logger.Debug("ignoring pong with stale token", map[string]interface{}{
			"heart": pong.Identity,
			"token": pong.Token,
			"want":  Token(m.lifetime),
		})
	}
}

// drainPongs handles replies already queued so a tick never races them.
func (m *Monitor) drainPongs() {
	for {
		select {
		case msg, ok := <-m.sub.Messages():
			if !ok {
				return
			}
			m.handlePong(msg)
		default:
			return
		}
	}
}

func (m *Monitor) previousToken() string {
	if m.lifetime == 0 {
		return ""
	}
	return Token(m.lifetime - 1)
}

// beat evaluates the replies to the current token, then pings the next one.
func (m *Monitor) beat() {
	m.drainPongs()
	var newHearts, failed []string

	for h := range m.responses {
		if _, known := m.hearts[h]; !known {
			newHearts = append(newHearts, h)
		}
	}

	graced := make(map[string]struct{})
	for h := range m.hearts {
		if _, ok := m.responses[h]; ok {
			delete(m.probation, h)
			continue
		}
		if _, ok := m.late[h]; ok {
			if _, twice := m.graced[h]; !twice {
				graced[h] = struct{}{}
				continue
			}
		}
		m.probation[h]++
		m.metrics.HeartMisses.Inc()
		if m.probation[h] >= m.cfg.MaxMisses {
			failed = append(failed, h)
		}
	}
	m.graced = graced

	sort.Strings(newHearts)
	sort.Strings(failed)
	for _, h := range newHearts {
		m.hearts[h] = struct{}{}
		delete(m.probation, h)
	}
	for _, h := range failed {
		delete(m.hearts, h)
		delete(m.probation, h)
		delete(m.graced, h)
		m.metrics.HeartFailures.Inc()
	}
	m.publishSnapshot()

	for _, h := range newHearts {
		m.logger.Info("new heart", map[string]interface{}{"heart": h})
		m.dispatch(EventNewHeart, h)
	}
	for _, h := range failed {
		m.logger.Warn("heart failed", map[string]interface{}{"heart": h, "misses": m.cfg.MaxMisses})
		m.dispatch(EventHeartFailure, h)
	}

	m.lifetime++
	m.responses = make(map[string]struct{})
	m.late = make(map[string]struct{})
	m.sendPing()
}

func (m *Monitor) sendPing() {
	data, err := m.codec.Marshal(Token(m.lifetime))
	if err != nil {
		m.logger.Error("encode ping", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := m.bus.Publish(m.ping, data); err != nil {
		m.logger.Error("publish ping", map[string]interface{}{"error": err.Error()})
		return
	}
	m.metrics.Pings.Inc()
}

func (m *Monitor) publishSnapshot() {
	snap := make(map[string]struct{}, len(m.hearts))
	for h := range m.hearts {
		snap[h] = struct{}{}
	}
	m.snapMu.Lock()
	m.snapshot = snap
	m.snapMu.Unlock()
	m.metrics.HeartsBeating.Set(float64(len(snap)))
}

func (m *Monitor) dispatch(event, heart string) {
	m.handlerMu.Lock()
	var handlers []Handler
	if event == EventNewHeart {
		handlers = append(handlers, m.newHandlers...)
	} else {
		handlers = append(handlers, m.failHandlers...)
	}
	m.handlerMu.Unlock()

	for _, h := range handlers {
		if err := m.invoke(h, heart); err != nil {
			m.metrics.CallbackPanics.WithLabelValues(event).Inc()
			m.logger.Error("heartbeat handler failed", map[string]interface{}{
				"event": event,
				"heart": heart,
				"error": err.Error(),
			})
		}
	}
}

func (m *Monitor) invoke(h Handler, heart string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
		}
	}()
	return h(heart)
}
