package hub

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/taskhub/bus"
	"github.com/vinayprograms/taskhub/codec"
	"github.com/vinayprograms/taskhub/errors"
	"github.com/vinayprograms/taskhub/heartbeat"
	"github.com/vinayprograms/taskhub/metrics"
	"github.com/vinayprograms/taskhub/protocol"
	"github.com/vinayprograms/taskhub/recordstore"
	"github.com/vinayprograms/taskhub/state"
)

const wait = 2 * time.Second

type harness struct {
	t        *testing.T
	bus      *bus.MemoryBus
	codec    codec.Codec
	mon      *heartbeat.Monitor
	hub      *Hub
	store    *recordstore.MemoryStore
	metrics  *metrics.Metrics
	notes    bus.Subscription
	lifetime uint64
}

// newHarness starts a monitor that only ticks on pulse and a hub on top
// of it.
func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	b := bus.NewMemoryBus(bus.DefaultConfig())
	t.Cleanup(func() { b.Close() })

	notes, err := b.Subscribe(protocol.SubjectNotification)
	require.NoError(t, err)

	m := metrics.New(prometheus.NewRegistry())
	mon, err := heartbeat.NewMonitor(heartbeat.MonitorConfig{
		Config:  heartbeat.Config{Period: time.Hour, MaxMisses: 2},
		Bus:     b,
		Metrics: m,
	})
	require.NoError(t, err)
	require.NoError(t, mon.Start(context.Background()))
	t.Cleanup(func() { mon.Stop() })

	h := &harness{
		t:       t,
		bus:     b,
		codec:   codec.JSON(),
		mon:     mon,
		store:   recordstore.NewMemoryStore(recordstore.Config{}),
		metrics: m,
		notes:   notes,
	}
	if opts.Store == nil {
		opts.Store = h.store
	}
	if opts.Metrics == nil {
		opts.Metrics = m
	}
	h.hub = h.startHub(opts)
	return h
}

func (h *harness) newHub(opts Options) (*Hub, error) {
	opts.Bus = h.bus
	opts.Monitor = h.mon
	if opts.Store == nil {
		opts.Store = h.store
	}
	return New(opts)
}

func (h *harness) startHub(opts Options) *Hub {
	h.t.Helper()
	hub, err := h.newHub(opts)
	require.NoError(h.t, err)
	require.NoError(h.t, hub.Start(context.Background()))
	h.t.Cleanup(func() { hub.Stop() })
	return hub
}

// pulse answers the current ping for each heart and runs one monitor tick.
func (h *harness) pulse(hearts ...string) {
	h.t.Helper()
	for _, heart := range hearts {
		h.publish(protocol.SubjectPong, protocol.Pong{Identity: heart, Token: heartbeat.Token(h.lifetime)})
	}
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	require.NoError(h.t, h.mon.Beat(ctx))
	h.lifetime++
}

func (h *harness) publish(subject string, v any) {
	h.t.Helper()
	data, err := h.codec.Marshal(v)
	require.NoError(h.t, err)
	require.NoError(h.t, h.bus.Publish(subject, data))
}

func (h *harness) request(subject string, req, reply any) {
	h.t.Helper()
	data, err := h.codec.Marshal(req)
	require.NoError(h.t, err)
	msg, err := h.bus.Request(subject, data, wait)
	require.NoError(h.t, err)
	require.NoError(h.t, h.codec.Unmarshal(msg.Data, reply))
}

func (h *harness) register(queue, heart string) protocol.RegistrationReply {
	h.t.Helper()
	var reply protocol.RegistrationReply
	h.request(protocol.SubjectRegistration, protocol.RegistrationRequest{Queue: queue, Heartbeat: heart}, &reply)
	return reply
}

// addEngine registers queue/heart and waits until the hub announces it.
func (h *harness) addEngine(queue, heart string) int {
	h.t.Helper()
	reply := h.register(queue, heart)
	require.NoError(h.t, reply.Err())
	h.pulse(heart)
	note := h.expectNote()
	require.Equal(h.t, protocol.NotifyRegistration, note.Type)
	require.Equal(h.t, reply.ID, note.ID)
	return reply.ID
}

func (h *harness) query(req protocol.QueryRequest) *protocol.QueryReply {
	h.t.Helper()
	var reply protocol.QueryReply
	h.request(protocol.SubjectQuery, req, &reply)
	return &reply
}

func (h *harness) expectNote() protocol.Notification {
	h.t.Helper()
	select {
	case msg := <-h.notes.Messages():
		var n protocol.Notification
		require.NoError(h.t, h.codec.Unmarshal(msg.Data, &n))
		return n
	case <-time.After(wait):
		h.t.Fatal("no notification")
	}
	return protocol.Notification{}
}

func (h *harness) expectNoNote() {
	h.t.Helper()
	select {
	case msg := <-h.notes.Messages():
		h.t.Fatalf("unexpected notification %s", msg.Data)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) engines() []EngineInfo {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), wait)
	defer cancel()
	out, err := h.hub.Engines(ctx)
	require.NoError(h.t, err)
	return out
}

// --- Unit Tests ---

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	err := Config{ShutdownDelay: -time.Second}.Validate()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfig_RegistrationTimeout(t *testing.T) {
	assert.Equal(t, 10*time.Second, Config{}.registrationTimeout(time.Second))
	assert.Equal(t, 15*time.Second, Config{}.registrationTimeout(3*time.Second))
	assert.Equal(t, time.Second, Config{RegistrationTimeout: time.Second}.registrationTimeout(time.Hour))
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	b := bus.NewMemoryBus(bus.DefaultConfig())
	defer b.Close()
	_, err = New(Options{Bus: b})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestHub_StartStop(t *testing.T) {
	h := newHarness(t, Options{})
	assert.ErrorIs(t, h.hub.Start(context.Background()), ErrAlreadyStarted)
	require.NoError(t, h.hub.Stop())
	assert.ErrorIs(t, h.hub.Stop(), ErrNotStarted)

	_, err := h.hub.Engines(context.Background())
	assert.ErrorIs(t, err, ErrNotStarted)
}

// --- Registration ---

func TestRegistration_CompletesOnFirstBeat(t *testing.T) {
	h := newHarness(t, Options{})

	reply := h.register("q1", "h1")
	require.NoError(t, reply.Err())
	assert.Equal(t, 0, reply.ID)
	require.NotNil(t, reply.Endpoints)
	assert.Equal(t, protocol.EngineTaskSubject("q1"), reply.Endpoints.Task)
	assert.Equal(t, protocol.EngineControlSubject("q1"), reply.Endpoints.Control)
	assert.Equal(t, protocol.SubjectPing, reply.Endpoints.Ping)

	engines := h.engines()
	require.Len(t, engines, 1)
	assert.False(t, engines[0].Registered, "provisional until the heart beats")
	h.expectNoNote()

	h.pulse("h1")
	note := h.expectNote()
	assert.Equal(t, protocol.Notification{Type: protocol.NotifyRegistration, ID: 0, Queue: "q1", Control: "q1"}, note)

	engines = h.engines()
	require.Len(t, engines, 1)
	assert.True(t, engines[0].Registered)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Registrations.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.EnginesLive))
}

func TestRegistration_AlreadyBeatingHeart(t *testing.T) {
	h := newHarness(t, Options{})
	h.pulse("h1")

	reply := h.register("q1", "h1")
	require.NoError(t, reply.Err())
	note := h.expectNote()
	assert.Equal(t, protocol.NotifyRegistration, note.Type)
	assert.Equal(t, reply.ID, note.ID)
}

func TestRegistration_ExplicitControl(t *testing.T) {
	h := newHarness(t, Options{})
	var reply protocol.RegistrationReply
	h.request(protocol.SubjectRegistration, protocol.RegistrationRequest{Queue: "q1", Heartbeat: "h1", Control: "c1"}, &reply)
	require.NoError(t, reply.Err())
	assert.Equal(t, protocol.EngineControlSubject("c1"), reply.Endpoints.Control)

	h.pulse("h1")
	assert.Equal(t, "c1", h.expectNote().Control)
}

func TestRegistration_Conflicts(t *testing.T) {
	h := newHarness(t, Options{})

	first := h.register("q1", "h1")
	require.NoError(t, first.Err())

	// provisional entries count
	reply := h.register("q1", "h2")
	assert.True(t, errors.Is(reply.Err(), errors.ErrCodeRegistrationConflict), "queue in use: %v", reply.Err())
	reply = h.register("q2", "h1")
	assert.True(t, errors.Is(reply.Err(), errors.ErrCodeRegistrationConflict), "heart in use: %v", reply.Err())

	h.pulse("h1")
	h.expectNote()
	reply = h.register("q1", "h3")
	assert.True(t, errors.Is(reply.Err(), errors.ErrCodeRegistrationConflict))

	// rejected attempts do not use up ids
	ok := h.register("q2", "h2")
	require.NoError(t, ok.Err())
	assert.Equal(t, first.ID+1, ok.ID)
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.Registrations.WithLabelValues("conflict")))
}

func TestRegistration_InvalidIdentity(t *testing.T) {
	h := newHarness(t, Options{})
	for _, req := range []protocol.RegistrationRequest{
		{Queue: "", Heartbeat: "h1"},
		{Queue: "q.1", Heartbeat: "h1"},
		{Queue: "q1", Heartbeat: "h*"},
	} {
		var reply protocol.RegistrationReply
		h.request(protocol.SubjectRegistration, req, &reply)
		assert.True(t, errors.Is(reply.Err(), errors.ErrCodeInvalidRequest), "%+v: %v", req, reply.Err())
	}
	assert.Empty(t, h.engines())
}

func TestRegistration_IDsNeverReused(t *testing.T) {
	h := newHarness(t, Options{})
	a := h.addEngine("q1", "h1")
	h.publish(protocol.SubjectUnregistration, protocol.UnregistrationRequest{ID: a})
	assert.Equal(t, protocol.NotifyUnregistration, h.expectNote().Type)

	b := h.addEngine("q1", "h1b")
	assert.Greater(t, b, a)
}

func TestRegistration_TimesOut(t *testing.T) {
	h := newHarness(t, Options{Config: Config{RegistrationTimeout: 50 * time.Millisecond}})
	assert.Equal(t, 50*time.Millisecond, h.hub.RegistrationTimeout())

	reply := h.register("q1", "h1")
	require.NoError(t, reply.Err())

	require.Eventually(t, func() bool { return len(h.engines()) == 0 }, wait, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Registrations.WithLabelValues("timeout")))

	// a late heart does not resurrect the registration
	h.pulse("h1")
	h.expectNoNote()
	assert.Empty(t, h.engines())

	// the identities are free again
	again := h.register("q1", "h2")
	require.NoError(t, again.Err())
}

// --- Membership ---

func TestUnregistration(t *testing.T) {
	h := newHarness(t, Options{})
	id := h.addEngine("q1", "h1")

	h.publish(protocol.SubjectUnregistration, protocol.UnregistrationRequest{ID: id})
	note := h.expectNote()
	assert.Equal(t, protocol.NotifyUnregistration, note.Type)
	assert.Equal(t, id, note.ID)
	assert.Empty(t, h.engines())

	// unknown ids are ignored
	h.publish(protocol.SubjectUnregistration, protocol.UnregistrationRequest{ID: 99})
	h.expectNoNote()
}

func TestHeartFailureUnregisters(t *testing.T) {
	h := newHarness(t, Options{})
	id := h.addEngine("q1", "h1")

	h.pulse()
	h.expectNoNote()
	h.pulse()
	note := h.expectNote()
	assert.Equal(t, protocol.NotifyUnregistration, note.Type)
	assert.Equal(t, id, note.ID)
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.EnginesLive))
}

func TestStrandedTasksFailWithEngineError(t *testing.T) {
	h := newHarness(t, Options{Config: Config{RegistrationTimeout: 50 * time.Millisecond}})
	id := h.addEngine("q1", "h1")

	h.submit(task("t1", "c1"))
	h.publish(protocol.SubjectMonitorDestination, protocol.DestinationMessage{MsgID: "t1", Engine: "q1"})
	h.waitRecord("t1", func(r *recordstore.Record) bool { return r.EngineIdent == "q1" })

	h.publish(protocol.SubjectUnregistration, protocol.UnregistrationRequest{ID: id})
	h.expectNote()

	rec := h.waitRecord("t1", func(r *recordstore.Record) bool { return !r.Pending() })
	assert.Equal(t, string(protocol.StatusError), rec.Status)
	assert.Equal(t, string(errors.ErrCodeEngineError), rec.ErrorName)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.Stranded))
}

// --- Persistence ---

func TestEngineTable_Restored(t *testing.T) {
	st := state.NewMemoryStore()
	h := newHarness(t, Options{State: st})
	h.addEngine("q1", "h1")
	require.NoError(t, h.hub.Stop())

	second := h.startHub(Options{State: st})
	h.hub = second
	engines := h.engines()
	require.Len(t, engines, 1)
	assert.Equal(t, 0, engines[0].ID)
	assert.True(t, engines[0].Registered, "heart still beating")
	assert.Equal(t, protocol.NotifyRegistration, h.expectNote().Type)

	// id allocation resumes after the restored table
	reply := h.register("q2", "h2")
	require.NoError(t, reply.Err())
	assert.Equal(t, 1, reply.ID)

	// the queue is still taken
	conflict := h.register("q1", "h9")
	assert.True(t, errors.Is(conflict.Err(), errors.ErrCodeRegistrationConflict))
}

func TestEngineTable_RestoredEngineMustBeat(t *testing.T) {
	st := state.NewMemoryStore()
	h := newHarness(t, Options{State: st, Config: Config{RegistrationTimeout: 50 * time.Millisecond}})
	h.addEngine("q1", "h1")
	require.NoError(t, h.hub.Stop())

	// h1 dies while no hub is running
	h.pulse()
	h.pulse()

	h.hub = h.startHub(Options{State: st, Config: Config{RegistrationTimeout: 50 * time.Millisecond}})
	require.Eventually(t, func() bool { return len(h.engines()) == 0 }, wait, 10*time.Millisecond)
}

func TestLeaderLease(t *testing.T) {
	st := state.NewMemoryStore()
	h := newHarness(t, Options{State: st})

	standby, err := h.newHub(Options{State: st})
	require.NoError(t, err)
	assert.ErrorIs(t, standby.Start(context.Background()), ErrNotLeader)

	require.NoError(t, h.hub.Stop())
	require.NoError(t, standby.Start(context.Background()))
	require.NoError(t, standby.Stop())
}
