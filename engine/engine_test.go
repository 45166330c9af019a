package engine

import (
	"bytes"
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/taskhub/bus"
	"github.com/vinayprograms/taskhub/codec"
	"github.com/vinayprograms/taskhub/errors"
	"github.com/vinayprograms/taskhub/protocol"
)

const wait = 2 * time.Second

// fakeHub answers registrations and records unregistrations.
type fakeHub struct {
	t       *testing.T
	bus     *bus.MemoryBus
	codec   codec.Codec
	reject  error
	regs    chan protocol.RegistrationRequest
	unregs  chan protocol.UnregistrationRequest
	results bus.Subscription
	iopub   bus.Subscription
}

func newFakeHub(t *testing.T, reject error) *fakeHub {
	t.Helper()
	b := bus.NewMemoryBus(bus.DefaultConfig())
	t.Cleanup(func() { b.Close() })

	f := &fakeHub{
		t:      t,
		bus:    b,
		codec:  codec.JSON(),
		reject: reject,
		regs:   make(chan protocol.RegistrationRequest, 8),
		unregs: make(chan protocol.UnregistrationRequest, 8),
	}
	reg, err := b.Subscribe(protocol.SubjectRegistration)
	require.NoError(t, err)
	unreg, err := b.Subscribe(protocol.SubjectUnregistration)
	require.NoError(t, err)
	f.results, err = b.Subscribe(protocol.SubjectResult)
	require.NoError(t, err)
	f.iopub, err = b.Subscribe(protocol.SubjectIOPub)
	require.NoError(t, err)

	go func() {
		for msg := range reg.Messages() {
			var req protocol.RegistrationRequest
			if f.codec.Unmarshal(msg.Data, &req) != nil {
				continue
			}
			f.regs <- req
			reply := protocol.RegistrationReply{Status: protocol.StatusOK, ID: 7}
			if f.reject != nil {
				reply = protocol.RegistrationReply{Status: protocol.StatusError}
				reply.EName, reply.EValue = errors.ToWire(f.reject)
			} else {
				ep := protocol.DefaultEndpoints().ForEngine(req.Queue, req.Control)
				reply.Endpoints = &ep
			}
			data, _ := f.codec.Marshal(reply)
			bus.Reply(b, msg, data)
		}
	}()
	go func() {
		for msg := range unreg.Messages() {
			var req protocol.UnregistrationRequest
			if f.codec.Unmarshal(msg.Data, &req) == nil {
				f.unregs <- req
			}
		}
	}()
	return f
}

func (f *fakeHub) dispatch(queue, msgID string, content []byte) {
	f.t.Helper()
	data, err := f.codec.Marshal(protocol.TaskEnvelope{
		Header:  protocol.TaskHeader{MsgID: msgID, ClientID: "c1", Date: time.Now().UTC()},
		Content: content,
	})
	require.NoError(f.t, err)
	require.NoError(f.t, f.bus.Publish(protocol.EngineTaskSubject(queue), data))
}

func (f *fakeHub) abort(control string, ids ...string) {
	f.t.Helper()
	data, err := f.codec.Marshal(protocol.ControlMessage{Type: protocol.ControlAbort, MsgIDs: ids})
	require.NoError(f.t, err)
	require.NoError(f.t, f.bus.Publish(protocol.EngineControlSubject(control), data))
}

func (f *fakeHub) result() *protocol.ResultEnvelope {
	f.t.Helper()
	select {
	case msg := <-f.results.Messages():
		var res protocol.ResultEnvelope
		require.NoError(f.t, f.codec.Unmarshal(msg.Data, &res))
		return &res
	case <-time.After(wait):
		f.t.Fatal("no result")
		return nil
	}
}

func (f *fakeHub) output() protocol.IOPubMessage {
	f.t.Helper()
	select {
	case msg := <-f.iopub.Messages():
		var out protocol.IOPubMessage
		require.NoError(f.t, f.codec.Unmarshal(msg.Data, &out))
		return out
	case <-time.After(wait):
		f.t.Fatal("no iopub message")
		return protocol.IOPubMessage{}
	}
}

func startEngine(t *testing.T, f *fakeHub, cfg Config, exec Executor) *Engine {
	t.Helper()
	e, err := New(Options{Config: cfg, Bus: f.bus, Executor: exec})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { e.Stop() })
	return e
}

func upper(_ context.Context, t *Task) ([]byte, [][]byte, error) {
	return bytes.ToUpper(t.Content), nil, nil
}

func TestConfig_Validate(t *testing.T) {
	cfg := Config{Queue: "q1"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "q1", cfg.Heartbeat)
	assert.Equal(t, "q1", cfg.Control)

	for _, bad := range []Config{{}, {Queue: "a.b"}, {Queue: "q", Concurrency: -1}} {
		assert.ErrorIs(t, bad.Validate(), ErrInvalidConfig, "%+v", bad)
	}
}

func TestNew_RequiresExecutor(t *testing.T) {
	_, err := New(Options{Config: Config{Queue: "q"}, Bus: bus.NewMemoryBus(bus.DefaultConfig())})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestStart_Registers(t *testing.T) {
	f := newFakeHub(t, nil)
	e := startEngine(t, f, Config{Queue: "q1", Heartbeat: "h1", Control: "c1"}, upper)

	req := <-f.regs
	assert.Equal(t, protocol.RegistrationRequest{Queue: "q1", Heartbeat: "h1", Control: "c1"}, req)
	assert.Equal(t, 7, e.ID())
	assert.ErrorIs(t, e.Start(context.Background()), ErrAlreadyStarted)
}

func TestStart_Rejected(t *testing.T) {
	f := newFakeHub(t, errors.RegistrationConflict("queue", "q1"))
	e, err := New(Options{Config: Config{Queue: "q1"}, Bus: f.bus, Executor: upper})
	require.NoError(t, err)

	err = e.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeRegistrationConflict))
	assert.Equal(t, -1, e.ID())
	assert.ErrorIs(t, e.Stop(), ErrNotStarted)
}

func TestExecute_Success(t *testing.T) {
	f := newFakeHub(t, nil)
	startEngine(t, f, Config{Queue: "q1"}, func(ctx context.Context, task *Task) ([]byte, [][]byte, error) {
		task.Stdout("hello ")
		task.Stderr("warn")
		return upper(ctx, task)
	})

	f.dispatch("q1", "m1", []byte("abc"))
	res := f.result()
	assert.Equal(t, "m1", res.ParentID)
	assert.Equal(t, "c1", res.ClientID)
	assert.Equal(t, "q1", res.Engine)
	assert.Equal(t, protocol.StatusOK, res.Status)
	assert.Equal(t, []byte("ABC"), res.Content)
	require.NotNil(t, res.Started)
	require.NotNil(t, res.Completed)
	assert.False(t, res.Completed.Before(*res.Started))

	out := f.output()
	assert.Equal(t, protocol.IOPubMessage{ParentID: "m1", Engine: "q1", Kind: protocol.IOPubStream, Name: "stdout", Text: "hello "}, out)
	assert.Equal(t, "stderr", f.output().Name)
}

func TestExecute_Errors(t *testing.T) {
	f := newFakeHub(t, nil)
	startEngine(t, f, Config{Queue: "q1"}, func(_ context.Context, task *Task) ([]byte, [][]byte, error) {
		switch string(task.Content) {
		case "app":
			return nil, nil, Raise("ValueError", "bad input")
		case "panic":
			panic("boom")
		}
		return []byte("partial"), nil, errors.InvalidRequest("nope")
	})

	f.dispatch("q1", "m1", []byte("app"))
	res := f.result()
	assert.Equal(t, protocol.StatusError, res.Status)
	assert.Equal(t, "ValueError", res.EName)
	assert.Equal(t, "bad input", res.EValue)
	assert.Empty(t, res.Content)
	assert.Equal(t, "ValueError", errors.RemoteName(res.Err()))

	out := f.output()
	assert.Equal(t, protocol.IOPubError, out.Kind)
	assert.Equal(t, "ValueError", out.EName)

	f.dispatch("q1", "m2", []byte("panic"))
	res = f.result()
	assert.True(t, errors.Is(res.Err(), errors.ErrCodePanic))

	f.dispatch("q1", "m3", []byte("coded"))
	res = f.result()
	assert.True(t, errors.Is(res.Err(), errors.ErrCodeInvalidRequest))
}

func TestAbort(t *testing.T) {
	f := newFakeHub(t, nil)
	started := make(chan struct{})
	startEngine(t, f, Config{Queue: "q1", Control: "ctl"}, func(ctx context.Context, _ *Task) ([]byte, [][]byte, error) {
		close(started)
		<-ctx.Done()
		return []byte("too late"), nil, nil
	})

	f.dispatch("q1", "m1", nil)
	<-started
	f.abort("ctl", "m1", "unknown")

	res := f.result()
	assert.Equal(t, protocol.StatusAborted, res.Status)
	assert.True(t, errors.Is(res.Err(), errors.ErrCodeTaskAborted))
	assert.NotNil(t, res.Started)
}

func TestConcurrencyLimit(t *testing.T) {
	f := newFakeHub(t, nil)
	var active, peak atomic.Int32
	release := make(chan struct{})
	e := startEngine(t, f, Config{Queue: "q1", Concurrency: 1}, func(context.Context, *Task) ([]byte, [][]byte, error) {
		n := active.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		<-release
		active.Add(-1)
		return nil, nil, nil
	})

	f.dispatch("q1", "m1", nil)
	f.dispatch("q1", "m2", nil)
	require.Eventually(t, func() bool {
		ids, err := e.Running(context.Background())
		return err == nil && len(ids) == 2
	}, wait, 10*time.Millisecond)

	close(release)
	f.result()
	f.result()
	assert.Equal(t, int32(1), peak.Load())
}

func TestStop_Unregisters(t *testing.T) {
	f := newFakeHub(t, nil)
	e, err := New(Options{Config: Config{Queue: "q1"}, Bus: f.bus, Executor: func(ctx context.Context, _ *Task) ([]byte, [][]byte, error) {
		<-ctx.Done()
		return nil, nil, ctx.Err()
	}})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	f.dispatch("q1", "m1", nil)
	require.Eventually(t, func() bool {
		ids, _ := e.Running(context.Background())
		return len(ids) == 1
	}, wait, 10*time.Millisecond)

	require.NoError(t, e.Stop())
	select {
	case req := <-f.unregs:
		assert.Equal(t, 7, req.ID)
	case <-time.After(wait):
		t.Fatal("no unregistration")
	}

	select {
	case <-f.results.Messages():
		t.Fatal("task cut short by Stop reported a result")
	case <-time.After(50 * time.Millisecond):
	}
	assert.ErrorIs(t, e.Stop(), ErrNotStarted)
}
