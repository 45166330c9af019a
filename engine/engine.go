package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/taskhub/bus"
	"github.com/vinayprograms/taskhub/codec"
	"github.com/vinayprograms/taskhub/errors"
	"github.com/vinayprograms/taskhub/heartbeat"
	"github.com/vinayprograms/taskhub/logging"
	"github.com/vinayprograms/taskhub/protocol"
)

// Common errors.
var (
	ErrAlreadyStarted = stderrors.New("engine already started")
	ErrNotStarted     = stderrors.New("engine not started")
	ErrInvalidConfig  = stderrors.New("invalid configuration")
)

// Config configures an engine.
type Config struct {
	// Queue is the engine's queue identity. Tasks arrive on
	// engine.<Queue>.task.
	Queue string

	// Heartbeat is the heart identity. Default: Queue
	Heartbeat string

	// Control is the control identity. Default: Queue
	Control string

	// Concurrency caps tasks executed at once. Zero means unlimited; the
	// scheduler's HWM usually keeps the number small anyway.
	Concurrency int

	// RegistrationTimeout bounds the registration request.
	// Default: 10s
	RegistrationTimeout time.Duration
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Heartbeat == "" {
		c.Heartbeat = c.Queue
	}
	if c.Control == "" {
		c.Control = c.Queue
	}
	for kind, id := range map[string]string{"queue": c.Queue, "heartbeat": c.Heartbeat, "control": c.Control} {
		if err := protocol.ValidateIdentity(kind, id); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
	}
	if c.Concurrency < 0 || c.RegistrationTimeout < 0 {
		return fmt.Errorf("%w: concurrency and registration timeout must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Executor runs one task. It should return promptly once ctx is canceled.
// An error returned here becomes the task's ename/evalue; use Raise for an
// application error with its own name.
type Executor func(ctx context.Context, t *Task) (content []byte, buffers [][]byte, err error)

// Options configures an Engine.
type Options struct {
	Config

	Bus      bus.MessageBus
	Codec    codec.Codec
	Logger   *logging.Logger
	Executor Executor
}

// Task is a unit of work handed to an Executor.
type Task struct {
	MsgID    string
	ClientID string
	Metadata protocol.TaskMetadata
	Content  []byte
	Buffers  [][]byte

	engine  *Engine
	cancel  context.CancelFunc
	aborted atomic.Bool
}

// Stdout publishes text as the task's standard output.
func (t *Task) Stdout(text string) { t.stream("stdout", text) }

// Stderr publishes text as the task's standard error.
func (t *Task) Stderr(text string) { t.stream("stderr", text) }

func (t *Task) stream(name, text string) {
	t.engine.send(t.engine.endpoints.IOPub, protocol.IOPubMessage{
		ParentID: t.MsgID,
		Engine:   t.engine.cfg.Queue,
		Kind:     protocol.IOPubStream,
		Name:     name,
		Text:     text,
	})
}

// Engine registers with the hub, answers heartbeats and executes the tasks
// the scheduler sends it.
type Engine struct {
	cfg      Config
	bus      bus.MessageBus
	codec    codec.Codec
	logger   *logging.Logger
	executor Executor
	heart    *heartbeat.Heart
	sem      chan struct{}

	id        atomic.Int64
	endpoints protocol.Endpoints

	calls    chan func()
	running  atomic.Bool
	stopping atomic.Bool
	taskSub  bus.Subscription
	ctrlSub  bus.Subscription
	cancel   context.CancelFunc
	doneCh   chan struct{}
	workers  sync.WaitGroup

	// loop state
	tasks map[string]*Task
}

// New creates an engine. It does nothing until Start.
func New(opts Options) (*Engine, error) {
	if opts.Bus == nil || opts.Executor == nil {
		return nil, fmt.Errorf("%w: bus and executor required", ErrInvalidConfig)
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.RegistrationTimeout == 0 {
		opts.RegistrationTimeout = 10 * time.Second
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	logger := opts.Logger.WithComponent("engine")

	heart, err := heartbeat.NewHeart(heartbeat.HeartConfig{
		Bus:      opts.Bus,
		Identity: opts.Heartbeat,
		Codec:    opts.Codec,
		Logger:   opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       opts.Config,
		bus:       opts.Bus,
		codec:     opts.Codec,
		logger:    logger,
		executor:  opts.Executor,
		heart:     heart,
		endpoints: protocol.DefaultEndpoints().ForEngine(opts.Queue, opts.Control),
		calls:     make(chan func(), 64),
		tasks:     make(map[string]*Task),
	}
	e.id.Store(-1)
	if opts.Concurrency > 0 {
		e.sem = make(chan struct{}, opts.Concurrency)
	}
	return e, nil
}

// ID returns the id the hub assigned, or -1 before registration.
func (e *Engine) ID() int { return int(e.id.Load()) }

// Queue returns the engine's queue identity.
func (e *Engine) Queue() string { return e.cfg.Queue }

// Heart exposes the engine's heart, mostly so tests can pause it.
func (e *Engine) Heart() *heartbeat.Heart { return e.heart }

// Start subscribes to the engine's task and control subjects, starts the
// heart and registers with the hub. Registration is complete once the hub
// has seen the heart beat; until then no task arrives.
func (e *Engine) Start(ctx context.Context) error {
	if e.running.Swap(true) {
		return ErrAlreadyStarted
	}
	fail := func(err error) error {
		e.unsubscribe()
		e.heart.Stop()
		e.running.Store(false)
		return err
	}

	var err error
	if e.taskSub, err = e.bus.Subscribe(e.endpoints.Task); err != nil {
		return fail(fmt.Errorf("subscribe %s: %w", e.endpoints.Task, err))
	}
	if e.ctrlSub, err = e.bus.Subscribe(e.endpoints.Control); err != nil {
		return fail(fmt.Errorf("subscribe %s: %w", e.endpoints.Control, err))
	}
	if err := e.heart.Start(ctx); err != nil {
		return fail(err)
	}
	if err := e.register(); err != nil {
		return fail(err)
	}

	ctx, e.cancel = context.WithCancel(ctx)
	e.doneCh = make(chan struct{})
	go e.run(ctx)
	e.logger.Info("engine started", map[string]interface{}{
		"id":    e.ID(),
		"queue": e.cfg.Queue,
	})
	return nil
}

func (e *Engine) register() error {
	data, err := e.codec.Marshal(protocol.RegistrationRequest{
		Queue:     e.cfg.Queue,
		Heartbeat: e.cfg.Heartbeat,
		Control:   e.cfg.Control,
	})
	if err != nil {
		return err
	}
	msg, err := e.bus.Request(protocol.SubjectRegistration, data, e.cfg.RegistrationTimeout)
	if err != nil {
		return fmt.Errorf("registration: %w", err)
	}
	var reply protocol.RegistrationReply
	if err := e.codec.Unmarshal(msg.Data, &reply); err != nil {
		return fmt.Errorf("registration reply: %w", err)
	}
	if err := reply.Err(); err != nil {
		return err
	}
	if reply.Endpoints != nil {
		e.endpoints = *reply.Endpoints
	}
	e.id.Store(int64(reply.ID))
	return nil
}

// Stop unregisters, stops the heart and cancels running tasks. Tasks cut
// short this way report nothing; the hub and scheduler fail them once the
// engine is gone.
func (e *Engine) Stop() error {
	if !e.running.Swap(false) {
		return ErrNotStarted
	}
	e.stopping.Store(true)
	e.cancel()
	<-e.doneCh
	for _, t := range e.tasks {
		t.cancel()
	}
	e.workers.Wait()
	e.unsubscribe()

	e.send(e.endpoints.Unregistration, protocol.UnregistrationRequest{ID: e.ID()})
	err := e.heart.Stop()
	e.logger.Info("engine stopped", map[string]interface{}{"id": e.ID(), "queue": e.cfg.Queue})
	return err
}

func (e *Engine) unsubscribe() {
	if e.taskSub != nil {
		e.taskSub.Unsubscribe()
	}
	if e.ctrlSub != nil {
		e.ctrlSub.Unsubscribe()
	}
}

func (e *Engine) run(ctx context.Context) {
	defer close(e.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-e.calls:
			fn()
		case msg, ok := <-e.taskSub.Messages():
			if !ok {
				return
			}
			e.handleTask(ctx, msg)
		case msg, ok := <-e.ctrlSub.Messages():
			if !ok {
				return
			}
			e.handleControl(msg)
		}
	}
}

func (e *Engine) post(fn func()) {
	select {
	case e.calls <- fn:
	case <-e.doneCh:
	}
}

// Running returns the ids of tasks currently executing.
func (e *Engine) Running(ctx context.Context) ([]string, error) {
	if !e.running.Load() {
		return nil, ErrNotStarted
	}
	out := make(chan []string, 1)
	select {
	case e.calls <- func() {
		ids := make([]string, 0, len(e.tasks))
		for id := range e.tasks {
			ids = append(ids, id)
		}
		out <- ids
	}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.doneCh:
		return nil, ErrNotStarted
	}
	select {
	case ids := <-out:
		return ids, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Engine) handleTask(ctx context.Context, msg *bus.Message) {
	var env protocol.TaskEnvelope
	if err := e.codec.Unmarshal(msg.Data, &env); err != nil {
		e.logger.Warn("malformed task", map[string]interface{}{"error": err.Error()})
		return
	}
	id := env.Header.MsgID
	if _, dup := e.tasks[id]; dup {
		e.logger.Warn("task already running", map[string]interface{}{"msg_id": id})
		return
	}

	taskCtx, cancel := context.WithCancel(ctx)
	t := &Task{
		MsgID:    id,
		ClientID: env.Header.ClientID,
		Metadata: env.Metadata,
		Content:  env.Content,
		Buffers:  env.Buffers,
		engine:   e,
		cancel:   cancel,
	}
	e.tasks[id] = t
	e.workers.Add(1)
	go e.execute(taskCtx, t)
}

func (e *Engine) handleControl(msg *bus.Message) {
	var ctl protocol.ControlMessage
	if err := e.codec.Unmarshal(msg.Data, &ctl); err != nil {
		e.logger.Warn("malformed control message", map[string]interface{}{"error": err.Error()})
		return
	}
	if ctl.Type != protocol.ControlAbort {
		e.logger.Debug("ignoring control message", map[string]interface{}{"type": ctl.Type})
		return
	}
	for _, id := range ctl.MsgIDs {
		t, ok := e.tasks[id]
		if !ok {
			continue
		}
		t.aborted.Store(true)
		t.cancel()
		e.logger.Info("task aborted", map[string]interface{}{"msg_id": id})
	}
}

// execute runs t on its own goroutine and publishes the result.
func (e *Engine) execute(ctx context.Context, t *Task) {
	defer e.workers.Done()
	defer e.post(func() { delete(e.tasks, t.MsgID) })
	defer t.cancel()

	if e.sem != nil {
		select {
		case e.sem <- struct{}{}:
			defer func() { <-e.sem }()
		case <-ctx.Done():
			e.finish(t, time.Now().UTC(), nil, nil, ctx.Err())
			return
		}
	}

	started := time.Now().UTC()
	content, buffers, err := e.invoke(ctx, t)
	e.finish(t, started, content, buffers, err)
}

func (e *Engine) invoke(ctx context.Context, t *Task) (content []byte, buffers [][]byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
			e.logger.Error("executor panic", map[string]interface{}{"msg_id": t.MsgID, "panic": fmt.Sprintf("%v", r)})
		}
	}()
	return e.executor(ctx, t)
}

func (e *Engine) finish(t *Task, started time.Time, content []byte, buffers [][]byte, err error) {
	if e.stopping.Load() {
		return
	}
	completed := time.Now().UTC()
	res := &protocol.ResultEnvelope{
		ParentID:  t.MsgID,
		ClientID:  t.ClientID,
		Status:    protocol.StatusOK,
		Engine:    e.cfg.Queue,
		Started:   &started,
		Completed: &completed,
		Content:   content,
		Buffers:   buffers,
		Date:      completed,
	}
	switch {
	case t.aborted.Load():
		aborted := protocol.FailedResult(t.MsgID, t.ClientID, e.cfg.Queue, errors.TaskAborted(t.MsgID))
		aborted.Started = &started
		res = aborted
	case err != nil:
		res.Status = protocol.StatusError
		res.Content, res.Buffers = nil, nil
		res.EName, res.EValue = wireError(err)
		e.send(e.endpoints.IOPub, protocol.IOPubMessage{
			ParentID: t.MsgID,
			Engine:   e.cfg.Queue,
			Kind:     protocol.IOPubError,
			EName:    res.EName,
			EValue:   res.EValue,
		})
	}
	e.send(e.endpoints.Result, res)
	e.logger.Debug("task finished", map[string]interface{}{
		"msg_id":      t.MsgID,
		"status":      res.Status,
		"duration_ms": completed.Sub(started).Milliseconds(),
	})
}

func (e *Engine) send(subject string, v any) {
	data, err := e.codec.Marshal(v)
	if err != nil {
		e.logger.Error("encode message", map[string]interface{}{"subject": subject, "error": err.Error()})
		return
	}
	if err := e.bus.Publish(subject, data); err != nil {
		e.logger.Warn("publish failed", map[string]interface{}{"subject": subject, "error": err.Error()})
	}
}

// AppError is an application error raised by an executor. Its name travels
// as the result's ename and comes back to clients as a RemoteError.
type AppError struct {
	Name  string
	Value string
}

func (e *AppError) Error() string { return e.Name + ": " + e.Value }

// Raise returns an AppError.
func Raise(name, value string) error {
	return &AppError{Name: name, Value: value}
}

func wireError(err error) (ename, evalue string) {
	var app *AppError
	if stderrors.As(err, &app) {
		return app.Name, app.Value
	}
	return errors.ToWire(err)
}
