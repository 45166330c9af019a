package client

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/taskhub/bus"
	"github.com/vinayprograms/taskhub/codec"
	"github.com/vinayprograms/taskhub/logging"
	"github.com/vinayprograms/taskhub/protocol"
)

// Common errors.
var (
	ErrClosed        = stderrors.New("client closed")
	ErrInvalidConfig = stderrors.New("invalid configuration")
)

// Options configures a Client.
type Options struct {
	// ID is the client identity. Default: a random UUID
	ID string

	Bus    bus.MessageBus
	Codec  codec.Codec
	Logger *logging.Logger

	// Timeout bounds hub queries.
	// Default: 10s
	Timeout time.Duration
}

// Client submits tasks, collects their results and queries the hub.
type Client struct {
	id      string
	bus     bus.MessageBus
	codec   codec.Codec
	logger  *logging.Logger
	timeout time.Duration
	sub     bus.Subscription
	doneCh  chan struct{}

	mu          sync.Mutex
	closed      bool
	results     map[string]*protocol.ResultEnvelope
	waiters     map[string]chan struct{}
	outstanding map[string]struct{}
}

// New creates a client and subscribes to its result subject.
func New(opts Options) (*Client, error) {
	if opts.Bus == nil {
		return nil, fmt.Errorf("%w: bus required", ErrInvalidConfig)
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if err := protocol.ValidateIdentity("client", opts.ID); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	sub, err := opts.Bus.Subscribe(protocol.ClientResultSubject(opts.ID))
	if err != nil {
		return nil, fmt.Errorf("subscribe results: %w", err)
	}
	c := &Client{
		id:          opts.ID,
		bus:         opts.Bus,
		codec:       opts.Codec,
		logger:      opts.Logger.WithComponent("client"),
		timeout:     opts.Timeout,
		sub:         sub,
		doneCh:      make(chan struct{}),
		results:     make(map[string]*protocol.ResultEnvelope),
		waiters:     make(map[string]chan struct{}),
		outstanding: make(map[string]struct{}),
	}
	go c.receive()
	return c, nil
}

// ID returns the client identity.
func (c *Client) ID() string { return c.id }

func (c *Client) receive() {
	defer close(c.doneCh)
	for msg := range c.sub.Messages() {
		var res protocol.ResultEnvelope
		if err := c.codec.Unmarshal(msg.Data, &res); err != nil {
			c.logger.Warn("malformed result", map[string]interface{}{"error": err.Error()})
			continue
		}
		c.mu.Lock()
		c.results[res.ParentID] = &res
		delete(c.outstanding, res.ParentID)
		if ch, ok := c.waiters[res.ParentID]; ok {
			close(ch)
			delete(c.waiters, res.ParentID)
		}
		c.mu.Unlock()
	}
}

// SubmitOption sets task metadata.
type SubmitOption func(*protocol.TaskEnvelope)

// WithTargets restricts the task to the given engine queues.
func WithTargets(queues ...string) SubmitOption {
	return func(env *protocol.TaskEnvelope) { env.Metadata.Targets = queues }
}

// After delays the task until dep is met.
func After(dep protocol.DependencySpec) SubmitOption {
	return func(env *protocol.TaskEnvelope) { env.Metadata.After = dep }
}

// Follow places the task on an engine that ran dep.
func Follow(dep protocol.DependencySpec) SubmitOption {
	return func(env *protocol.TaskEnvelope) { env.Metadata.Follow = dep }
}

// WithRetries allows n resubmissions to other engines after a failure.
func WithRetries(n int) SubmitOption {
	return func(env *protocol.TaskEnvelope) { env.Metadata.Retries = n }
}

// WithTimeout fails the task if it is still queued after d.
func WithTimeout(d time.Duration) SubmitOption {
	return func(env *protocol.TaskEnvelope) { env.Metadata.Timeout = d.Seconds() }
}

// WithBuffers attaches binary buffers.
func WithBuffers(buffers ...[]byte) SubmitOption {
	return func(env *protocol.TaskEnvelope) { env.Buffers = buffers }
}

// WithMsgID sets the task id instead of a random UUID.
func WithMsgID(id string) SubmitOption {
	return func(env *protocol.TaskEnvelope) { env.Header.MsgID = id }
}

// Submit sends a task to the scheduler and returns its msg_id.
func (c *Client) Submit(content []byte, opts ...SubmitOption) (string, error) {
	env := &protocol.TaskEnvelope{
		Header: protocol.TaskHeader{
			MsgID:    uuid.NewString(),
			ClientID: c.id,
			Date:     time.Now().UTC(),
		},
		Content: content,
	}
	for _, opt := range opts {
		opt(env)
	}
	if err := env.Validate(); err != nil {
		return "", err
	}
	data, err := c.codec.Marshal(env)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	c.outstanding[env.Header.MsgID] = struct{}{}
	c.mu.Unlock()

	if err := c.bus.Publish(protocol.SubjectSubmit, data); err != nil {
		c.mu.Lock()
		delete(c.outstanding, env.Header.MsgID)
		c.mu.Unlock()
		return "", fmt.Errorf("submit: %w", err)
	}
	return env.Header.MsgID, nil
}

// Poll returns the result for msgID if it has arrived.
func (c *Client) Poll(msgID string) (*protocol.ResultEnvelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res, ok := c.results[msgID]
	return res, ok
}

// Outstanding lists submitted tasks without a result yet.
func (c *Client) Outstanding() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.outstanding))
	for id := range c.outstanding {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Wait blocks until the result for msgID arrives. A failed task is still a
// result; check its Err.
func (c *Client) Wait(ctx context.Context, msgID string) (*protocol.ResultEnvelope, error) {
	c.mu.Lock()
	if res, ok := c.results[msgID]; ok {
		c.mu.Unlock()
		return res, nil
	}
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	ch, ok := c.waiters[msgID]
	if !ok {
		ch = make(chan struct{})
		c.waiters[msgID] = ch
	}
	c.mu.Unlock()

	select {
	case <-ch:
		res, ok := c.Poll(msgID)
		if !ok {
			return nil, ErrClosed
		}
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel asks the scheduler to abort tasks. Queued tasks fail at once;
// running ones are aborted on their engine.
func (c *Client) Cancel(msgIDs ...string) error {
	if len(msgIDs) == 0 {
		return nil
	}
	data, err := c.codec.Marshal(protocol.AbortRequest{MsgIDs: msgIDs, ClientID: c.id})
	if err != nil {
		return err
	}
	return c.bus.Publish(protocol.SubjectAbort, data)
}

// Close unsubscribes. Pending Wait calls return ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for id, ch := range c.waiters {
		close(ch)
		delete(c.waiters, id)
	}
	c.mu.Unlock()

	err := c.sub.Unsubscribe()
	<-c.doneCh
	return err
}
