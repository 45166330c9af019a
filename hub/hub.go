package hub

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/taskhub/bus"
	"github.com/vinayprograms/taskhub/codec"
	"github.com/vinayprograms/taskhub/errors"
	"github.com/vinayprograms/taskhub/heartbeat"
	"github.com/vinayprograms/taskhub/logging"
	"github.com/vinayprograms/taskhub/metrics"
	"github.com/vinayprograms/taskhub/protocol"
	"github.com/vinayprograms/taskhub/recordstore"
	"github.com/vinayprograms/taskhub/state"
)

// Common errors.
var (
	ErrAlreadyStarted = stderrors.New("hub already started")
	ErrNotStarted     = stderrors.New("hub not started")
	ErrInvalidConfig  = stderrors.New("invalid configuration")
	ErrNotLeader      = stderrors.New("another hub holds the leader lease")
)

// State store keys.
const (
	keyEngines = "hub.engines"
	keyLeader  = "hub.leader"
)

// storeTimeout bounds a single record or state store call from the loop.
const storeTimeout = 5 * time.Second

// Options configures a Hub.
type Options struct {
	Config

	Bus     bus.MessageBus
	Codec   codec.Codec
	Monitor *heartbeat.Monitor
	Store   recordstore.Store

	// State persists the engine table and holds the leader lease. Optional.
	State    state.Store
	LeaseTTL time.Duration

	Logger  *logging.Logger
	Metrics *metrics.Metrics

	// OnShutdown runs ShutdownDelay after a shutdown_request was answered.
	OnShutdown func()
}

type idSet map[string]struct{}

func (s idSet) add(id string)      { s[id] = struct{}{} }
func (s idSet) remove(id string)   { delete(s, id) }
func (s idSet) has(id string) bool { _, ok := s[id]; return ok }

func (s idSet) sorted() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// engineConnector is the hub's view of one engine.
type engineConnector struct {
	ID      int    `json:"id"`
	Queue   string `json:"queue"`
	Heart   string `json:"heart"`
	Control string `json:"control"`

	pending   idSet
	completed idSet
	failed    idSet
}

// engineTable is what the hub persists to the state store.
type engineTable struct {
	NextID  int                `json:"next_id"`
	Engines []*engineConnector `json:"engines"`
}

// Hub registers engines and records task traffic. State below the loop
// state marker is owned by the loop.
type Hub struct {
	cfg        Config
	regTimeout time.Duration
	bus        bus.MessageBus
	codec      codec.Codec
	monitor    *heartbeat.Monitor
	store      recordstore.Store
	state      state.Store
	leaseTTL   time.Duration
	logger     *logging.Logger
	metrics    *metrics.Metrics
	onShutdown func()

	calls   chan func()
	running atomic.Bool
	mu      sync.RWMutex
	doneCh  chan struct{}
	subs    map[string]bus.Subscription
	cancel  context.CancelFunc
	lease   state.Lock

	// loop state
	nextID       int
	engines      map[int]*engineConnector
	byQueue      map[string]*engineConnector
	byHeart      map[string]*engineConnector
	incoming     map[string]*engineConnector // provisional, by heart
	pending      idSet
	unassigned   idSet
	completed    idSet
	engineOf     map[string]*engineConnector
	shuttingDown bool
}

// New creates a hub and hooks it to the monitor's heart events.
func New(opts Options) (*Hub, error) {
	if opts.Bus == nil {
		return nil, fmt.Errorf("%w: bus required", ErrInvalidConfig)
	}
	if opts.Monitor == nil {
		return nil, fmt.Errorf("%w: heartbeat monitor required", ErrInvalidConfig)
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("%w: record store required", ErrInvalidConfig)
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Discard()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = state.DefaultConfig().LeaseTTL
	}

	h := &Hub{
		cfg:        opts.Config,
		regTimeout: opts.Config.registrationTimeout(opts.Monitor.Config().Period),
		bus:        opts.Bus,
		codec:      opts.Codec,
		monitor:    opts.Monitor,
		store:      opts.Store,
		state:      opts.State,
		leaseTTL:   opts.LeaseTTL,
		logger:     opts.Logger.WithComponent("hub"),
		metrics:    opts.Metrics,
		onShutdown: opts.OnShutdown,
		calls:      make(chan func(), 256),
		engines:    make(map[int]*engineConnector),
		byQueue:    make(map[string]*engineConnector),
		byHeart:    make(map[string]*engineConnector),
		incoming:   make(map[string]*engineConnector),
		pending:    make(idSet),
		unassigned: make(idSet),
		completed:  make(idSet),
		engineOf:   make(map[string]*engineConnector),
	}

	h.monitor.OnNewHeart(func(heart string) error {
		h.post(func() { h.handleNewHeart(heart) })
		return nil
	})
	h.monitor.OnHeartFailure(func(heart string) error {
		h.post(func() { h.handleHeartFailure(heart) })
		return nil
	})
	return h, nil
}

// RegistrationTimeout returns the effective registration timeout.
func (h *Hub) RegistrationTimeout() time.Duration { return h.regTimeout }

// Start takes the leader lease, restores persisted engines and runs the
// loop until ctx ends or Stop is called.
func (h *Hub) Start(ctx context.Context) error {
	if h.running.Swap(true) {
		return ErrAlreadyStarted
	}
	fail := func(err error) error {
		h.unsubscribe()
		h.releaseLease()
		h.running.Store(false)
		return err
	}

	if h.state != nil {
		lock, err := h.state.Lock(ctx, keyLeader, h.leaseTTL)
		if stderrors.Is(err, state.ErrLockHeld) {
			return fail(ErrNotLeader)
		}
		if err != nil {
			return fail(fmt.Errorf("take leader lease: %w", err))
		}
		h.lease = lock
	}

	h.subs = make(map[string]bus.Subscription)
	for _, subject := range []string{
		protocol.SubjectRegistration,
		protocol.SubjectUnregistration,
		protocol.SubjectQuery,
		protocol.SubjectMonitorSubmit,
		protocol.SubjectMonitorDestination,
		protocol.SubjectMonitorResult,
		protocol.SubjectIOPub,
	} {
		sub, err := h.bus.Subscribe(subject)
		if err != nil {
			return fail(fmt.Errorf("subscribe %s: %w", subject, err))
		}
		h.subs[subject] = sub
	}

	ctx, h.cancel = context.WithCancel(ctx)
	h.mu.Lock()
	h.doneCh = make(chan struct{})
	h.mu.Unlock()

	if err := h.restore(ctx); err != nil {
		h.logger.Error("restore engine table", map[string]interface{}{"error": err.Error()})
	}

	go h.run(ctx)
	h.logger.Info("hub started", map[string]interface{}{
		"registration_timeout": h.regTimeout.String(),
		"leader":               h.lease != nil,
	})
	return nil
}

// Stop ends the loop and releases the leader lease.
func (h *Hub) Stop() error {
	if !h.running.Swap(false) {
		return ErrNotStarted
	}
	h.cancel()
	<-h.done()
	h.unsubscribe()
	h.releaseLease()
	return nil
}

func (h *Hub) done() chan struct{} {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.doneCh
}

func (h *Hub) unsubscribe() {
	for _, sub := range h.subs {
		sub.Unsubscribe()
	}
}

func (h *Hub) releaseLease() {
	if h.lease == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := h.lease.Unlock(ctx); err != nil {
		h.logger.Warn("release leader lease", map[string]interface{}{"error": err.Error()})
	}
	h.lease = nil
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done())

	var refresh <-chan time.Time
	if h.lease != nil {
		ticker := time.NewTicker(h.leaseTTL / 3)
		defer ticker.Stop()
		refresh = ticker.C
	}

	handlers := map[string]func(*bus.Message){
		protocol.SubjectRegistration:       h.handleRegistration,
		protocol.SubjectUnregistration:     h.handleUnregistration,
		protocol.SubjectQuery:              h.handleQuery,
		protocol.SubjectMonitorSubmit:      h.handleMonitorSubmit,
		protocol.SubjectMonitorDestination: h.handleMonitorDestination,
		protocol.SubjectMonitorResult:      h.handleMonitorResult,
		protocol.SubjectIOPub:              h.handleIOPub,
	}
	chans := make(map[string]<-chan *bus.Message, len(h.subs))
	for subject, sub := range h.subs {
		chans[subject] = sub.Messages()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-h.calls:
			fn()
		case <-refresh:
			h.refreshLease(ctx)
		case msg, ok := <-chans[protocol.SubjectRegistration]:
			if !ok {
				return
			}
			handlers[protocol.SubjectRegistration](msg)
		case msg, ok := <-chans[protocol.SubjectUnregistration]:
			if !ok {
				return
			}
			handlers[protocol.SubjectUnregistration](msg)
		case msg, ok := <-chans[protocol.SubjectQuery]:
			if !ok {
				return
			}
			handlers[protocol.SubjectQuery](msg)
		case msg, ok := <-chans[protocol.SubjectMonitorSubmit]:
			if !ok {
				return
			}
			handlers[protocol.SubjectMonitorSubmit](msg)
		case msg, ok := <-chans[protocol.SubjectMonitorDestination]:
			if !ok {
				return
			}
			handlers[protocol.SubjectMonitorDestination](msg)
		case msg, ok := <-chans[protocol.SubjectMonitorResult]:
			if !ok {
				return
			}
			handlers[protocol.SubjectMonitorResult](msg)
		case msg, ok := <-chans[protocol.SubjectIOPub]:
			if !ok {
				return
			}
			handlers[protocol.SubjectIOPub](msg)
		}
	}
}

func (h *Hub) refreshLease(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	err := h.lease.Refresh(ctx)
	if err == nil {
		return
	}
	h.logger.Error("leader lease refresh failed", map[string]interface{}{"error": err.Error()})
	if lock, lerr := h.state.Lock(ctx, keyLeader, h.leaseTTL); lerr == nil {
		h.lease = lock
		h.logger.Info("leader lease taken again")
	}
}

// post queues fn for the loop. Events arriving while the hub is stopped
// are dropped.
func (h *Hub) post(fn func()) {
	done := h.done()
	if done == nil || !h.running.Load() {
		return
	}
	select {
	case h.calls <- fn:
	case <-done:
	}
}

// do runs fn on the loop and waits for it.
func (h *Hub) do(ctx context.Context, fn func()) error {
	if !h.running.Load() {
		return ErrNotStarted
	}
	finished := make(chan struct{})
	select {
	case h.calls <- func() { fn(); close(finished) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done():
		return ErrNotStarted
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- registration ---

func (h *Hub) handleRegistration(msg *bus.Message) {
	var req protocol.RegistrationRequest
	if err := h.codec.Unmarshal(msg.Data, &req); err != nil {
		h.metrics.Registrations.WithLabelValues("invalid").Inc()
		h.replyRegistration(msg, nil, errors.InvalidRequest("malformed registration request: "+err.Error()))
		return
	}
	ec, err := h.register(req)
	h.replyRegistration(msg, ec, err)
	if err != nil {
		return
	}
	if h.monitor.IsBeating(ec.Heart) {
		h.finishRegistration(ec.Heart)
		return
	}
	id, heart := ec.ID, ec.Heart
	time.AfterFunc(h.regTimeout, func() {
		h.post(func() { h.purgeStalled(heart, id) })
	})
}

// register checks the identities and records a provisional engine.
func (h *Hub) register(req protocol.RegistrationRequest) (*engineConnector, error) {
	control := req.Control
	if control == "" {
		control = req.Queue
	}
	for _, check := range []struct{ kind, id string }{
		{"queue", req.Queue},
		{"heart", req.Heartbeat},
		{"control", control},
	} {
		if err := protocol.ValidateIdentity(check.kind, check.id); err != nil {
			h.metrics.Registrations.WithLabelValues("invalid").Inc()
			return nil, errors.InvalidRequest(err.Error())
		}
	}

	conflict := func(kind, id string) error {
		h.metrics.Registrations.WithLabelValues("conflict").Inc()
		h.logger.Warn("registration conflict", map[string]interface{}{kind: id})
		return errors.RegistrationConflict(kind, id)
	}
	if _, ok := h.byQueue[req.Queue]; ok {
		return nil, conflict("queue", req.Queue)
	}
	if _, ok := h.byHeart[req.Heartbeat]; ok {
		return nil, conflict("heart", req.Heartbeat)
	}
	if _, ok := h.incoming[req.Heartbeat]; ok {
		return nil, conflict("heart", req.Heartbeat)
	}
	for _, ec := range h.incoming {
		if ec.Queue == req.Queue {
			return nil, conflict("queue", req.Queue)
		}
	}

	ec := &engineConnector{
		ID:      h.nextID,
		Queue:   req.Queue,
		Heart:   req.Heartbeat,
		Control: control,
	}
	h.nextID++
	h.incoming[ec.Heart] = ec
	h.logger.Info("engine registering", map[string]interface{}{
		"id":    ec.ID,
		"queue": ec.Queue,
		"heart": ec.Heart,
	})
	h.persist()
	return ec, nil
}

func (h *Hub) replyRegistration(msg *bus.Message, ec *engineConnector, err error) {
	reply := protocol.RegistrationReply{Status: protocol.StatusOK}
	if err != nil {
		reply.Status = protocol.StatusError
		reply.EName, reply.EValue = errors.ToWire(err)
	} else {
		endpoints := protocol.DefaultEndpoints().ForEngine(ec.Queue, ec.Control)
		reply.ID = ec.ID
		reply.Endpoints = &endpoints
	}
	h.reply(msg, reply)
}

// finishRegistration promotes the provisional engine owning heart.
func (h *Hub) finishRegistration(heart string) {
	ec, ok := h.incoming[heart]
	if !ok {
		return
	}
	delete(h.incoming, heart)
	ec.pending = make(idSet)
	ec.completed = make(idSet)
	ec.failed = make(idSet)
	h.engines[ec.ID] = ec
	h.byQueue[ec.Queue] = ec
	h.byHeart[ec.Heart] = ec

	h.metrics.Registrations.WithLabelValues("ok").Inc()
	h.metrics.EnginesLive.Set(float64(len(h.engines)))
	h.logger.Info("engine registered", map[string]interface{}{"id": ec.ID, "queue": ec.Queue})
	h.notify(protocol.NotifyRegistration, ec)
	h.persist()
}

func (h *Hub) purgeStalled(heart string, id int) {
	ec, ok := h.incoming[heart]
	if !ok || ec.ID != id {
		return
	}
	delete(h.incoming, heart)
	h.metrics.Registrations.WithLabelValues("timeout").Inc()
	h.logger.Warn("registration timed out", map[string]interface{}{
		"id":      id,
		"heart":   heart,
		"timeout": h.regTimeout.String(),
	})
	h.persist()
}

func (h *Hub) handleUnregistration(msg *bus.Message) {
	var req protocol.UnregistrationRequest
	if err := h.codec.Unmarshal(msg.Data, &req); err != nil {
		h.logger.Warn("malformed unregistration request", map[string]interface{}{"error": err.Error()})
		return
	}
	h.unregister(req.ID, "requested")
}

// unregister drops an engine and, after the registration timeout, fails
// the tasks it still owes.
func (h *Hub) unregister(id int, reason string) {
	ec, ok := h.engines[id]
	if !ok {
		h.logger.Warn("unregistration of unknown engine", map[string]interface{}{"id": id})
		return
	}
	delete(h.engines, id)
	delete(h.byQueue, ec.Queue)
	delete(h.byHeart, ec.Heart)

	h.metrics.Unregistrations.Inc()
	h.metrics.EnginesLive.Set(float64(len(h.engines)))
	h.logger.Info("engine unregistered", map[string]interface{}{
		"id":      id,
		"queue":   ec.Queue,
		"reason":  reason,
		"pending": len(ec.pending),
	})
	h.notify(protocol.NotifyUnregistration, ec)
	h.persist()

	if len(ec.pending) > 0 {
		time.AfterFunc(h.regTimeout, func() {
			h.post(func() { h.handleStranded(ec) })
		})
	}
}

// handleStranded records an EngineError result for every task ec still
// owes.
func (h *Hub) handleStranded(ec *engineConnector) {
	for _, id := range ec.pending.sorted() {
		if !h.pending.has(id) {
			continue
		}
		h.metrics.Stranded.Inc()
		h.logger.Warn("task stranded", map[string]interface{}{"msg_id": id, "queue": ec.Queue})
		h.saveResult(protocol.FailedResult(id, "", ec.Queue, errors.EngineError(id, ec.Queue)))
	}
}

func (h *Hub) handleNewHeart(heart string) {
	if _, ok := h.incoming[heart]; ok {
		h.finishRegistration(heart)
		return
	}
	h.logger.Debug("new heart without a registration", map[string]interface{}{"heart": heart})
}

func (h *Hub) handleHeartFailure(heart string) {
	ec, ok := h.byHeart[heart]
	if !ok {
		h.logger.Debug("heart failure for unknown or dead heart", map[string]interface{}{"heart": heart})
		return
	}
	h.unregister(ec.ID, "heart failure")
}

func (h *Hub) notify(kind string, ec *engineConnector) {
	n := protocol.Notification{Type: kind}
	if ec != nil {
		n.ID, n.Queue, n.Control = ec.ID, ec.Queue, ec.Control
	}
	h.send(protocol.SubjectNotification, n)
}

// --- persistence ---

func (h *Hub) persist() {
	if h.state == nil {
		return
	}
	table := engineTable{NextID: h.nextID}
	for _, ec := range h.engines {
		table.Engines = append(table.Engines, ec)
	}
	sort.Slice(table.Engines, func(i, j int) bool { return table.Engines[i].ID < table.Engines[j].ID })

	data, err := h.codec.Marshal(table)
	if err != nil {
		h.logger.Error("encode engine table", map[string]interface{}{"error": err.Error()})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := h.state.Put(ctx, keyEngines, data); err != nil {
		h.logger.Error("persist engine table", map[string]interface{}{"error": err.Error()})
	}
}

// restore reloads a persisted engine table. Engines come back as
// provisional registrations and are promoted when their heart beats.
func (h *Hub) restore(ctx context.Context) error {
	if h.state == nil {
		return nil
	}
	data, err := h.state.Get(ctx, keyEngines)
	if stderrors.Is(err, state.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var table engineTable
	if err := h.codec.Unmarshal(data, &table); err != nil {
		return fmt.Errorf("decode engine table: %w", err)
	}
	if table.NextID > h.nextID {
		h.nextID = table.NextID
	}
	for _, ec := range table.Engines {
		if ec.ID >= h.nextID {
			h.nextID = ec.ID + 1
		}
		h.incoming[ec.Heart] = &engineConnector{ID: ec.ID, Queue: ec.Queue, Heart: ec.Heart, Control: ec.Control}
		id, heart := ec.ID, ec.Heart
		if h.monitor.IsBeating(heart) {
			h.finishRegistration(heart)
			continue
		}
		time.AfterFunc(h.regTimeout, func() {
			h.post(func() { h.purgeStalled(heart, id) })
		})
	}
	h.logger.Info("engine table restored", map[string]interface{}{
		"engines": len(table.Engines),
		"next_id": h.nextID,
	})
	return nil
}

// --- output ---

func (h *Hub) reply(msg *bus.Message, v any) {
	data, err := h.codec.Marshal(v)
	if err != nil {
		h.logger.Error("encode reply", map[string]interface{}{"error": err.Error()})
		return
	}
	if err := bus.Reply(h.bus, msg, data); err != nil {
		h.logger.Warn("reply failed", map[string]interface{}{"error": err.Error()})
	}
}

func (h *Hub) send(subject string, v any) {
	data, err := h.codec.Marshal(v)
	if err != nil {
		h.logger.Error("encode message", map[string]interface{}{"subject": subject, "error": err.Error()})
		return
	}
	if err := h.bus.Publish(subject, data); err != nil {
		h.logger.Error("publish failed", map[string]interface{}{"subject": subject, "error": err.Error()})
	}
}

// --- introspection ---

// EngineInfo describes one engine for the admin API.
type EngineInfo struct {
	ID         int    `json:"id"`
	Queue      string `json:"queue"`
	Heart      string `json:"heart"`
	Control    string `json:"control"`
	Registered bool   `json:"registered"`
	Pending    int    `json:"pending"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
}

// Engines lists registered and provisional engines ordered by id.
func (h *Hub) Engines(ctx context.Context) ([]EngineInfo, error) {
	var out []EngineInfo
	err := h.do(ctx, func() {
		for _, ec := range h.engines {
			out = append(out, EngineInfo{
				ID: ec.ID, Queue: ec.Queue, Heart: ec.Heart, Control: ec.Control,
				Registered: true,
				Pending:    len(ec.pending),
				Completed:  len(ec.completed),
				Failed:     len(ec.failed),
			})
		}
		for _, ec := range h.incoming {
			out = append(out, EngineInfo{ID: ec.ID, Queue: ec.Queue, Heart: ec.Heart, Control: ec.Control})
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// Queues answers a non-verbose queue_request for every engine.
func (h *Hub) Queues(ctx context.Context) (*protocol.QueryReply, error) {
	var reply *protocol.QueryReply
	err := h.do(ctx, func() { reply = h.queueStatus(nil, false) })
	return reply, err
}
