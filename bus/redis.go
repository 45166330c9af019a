package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisBus implements MessageBus over Redis. Plain subscriptions use Redis
// pub/sub channels; queue groups are Redis lists, one per (subject, group),
// consumed with BLPOP so each message reaches exactly one member.
type RedisBus struct {
	client *redis.Client
	config RedisConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	subs    map[*redisSubscription]struct{}
	closed  bool
	dropped atomic.Uint64
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Config

	// Addr is the Redis server address (host:port).
	Addr string

	Password string
	DB       int

	// Prefix namespaces the keys used for queue groups.
	// Default: "taskhub"
	Prefix string

	// PollTimeout bounds each BLPOP so queue members notice Unsubscribe.
	// Default: 1s
	PollTimeout time.Duration
}

// DefaultRedisConfig returns configuration with sensible defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Config:      DefaultConfig(),
		Addr:        "localhost:6379",
		Prefix:      "taskhub",
		PollTimeout: time.Second,
	}
}

// redisEnvelope carries the reply subject alongside the payload, since
// Redis pub/sub has no header support.
type redisEnvelope struct {
	Data  []byte `json:"data"`
	Reply string `json:"reply,omitempty"`
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(cfg RedisConfig) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisBusFromClient(client, cfg), nil
}

// NewRedisBusFromClient wraps an existing client.
func NewRedisBusFromClient(client *redis.Client, cfg RedisConfig) *RedisBus {
	def := DefaultRedisConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = def.PollTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisBus{
		client: client,
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[*redisSubscription]struct{}),
	}
}

func (b *RedisBus) groupsKey(subject string) string {
	return b.config.Prefix + ":qg:" + subject
}

func (b *RedisBus) listKey(subject, queue string) string {
	return b.config.Prefix + ":q:" + subject + ":" + queue
}

func (b *RedisBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Publish sends a message to a subject.
func (b *RedisBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.isClosed() {
		return ErrClosed
	}
	_, err := b.publish(subject, redisEnvelope{Data: data})
	return err
}

// publish returns the number of receivers: pub/sub listeners plus one per
// queue group.
func (b *RedisBus) publish(subject string, env redisEnvelope) (int64, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("redis envelope: %w", err)
	}

	n, err := b.client.Publish(b.ctx, subject, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("redis publish: %w", err)
	}

	groups, err := b.client.HKeys(b.ctx, b.groupsKey(subject)).Result()
	if err != nil {
		return n, fmt.Errorf("redis queue groups: %w", err)
	}
	if len(groups) == 0 {
		return n, nil
	}
	pipe := b.client.Pipeline()
	for _, g := range groups {
		pipe.RPush(b.ctx, b.listKey(subject, g), payload)
	}
	if _, err := pipe.Exec(b.ctx); err != nil {
		return n, fmt.Errorf("redis queue push: %w", err)
	}
	return n + int64(len(groups)), nil
}

// Subscribe creates a subscription to a subject.
func (b *RedisBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.isClosed() {
		return nil, ErrClosed
	}

	ps := b.client.Subscribe(b.ctx, subject)
	if _, err := ps.Receive(b.ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", subject, err)
	}

	s := b.newSubscription(subject, "")
	s.pubsub = ps
	go s.pumpPubSub(ps.Channel())
	return s, nil
}

// QueueSubscribe creates a queue subscription.
func (b *RedisBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	if b.isClosed() {
		return nil, ErrClosed
	}

	if err := b.client.HIncrBy(b.ctx, b.groupsKey(subject), queue, 1).Err(); err != nil {
		return nil, fmt.Errorf("redis queue subscribe %s: %w", subject, err)
	}

	s := b.newSubscription(subject, queue)
	go s.pumpList(b.listKey(subject, queue))
	return s, nil
}

func (b *RedisBus) newSubscription(subject, queue string) *redisSubscription {
	ctx, cancel := context.WithCancel(b.ctx)
	s := &redisSubscription{
		bus:     b,
		subject: subject,
		queue:   queue,
		ch:      make(chan *Message, b.config.BufferSize),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Request sends a request and waits for reply.
func (b *RedisBus) Request(subject string, data []byte, timeout time.Duration) (*Message, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.isClosed() {
		return nil, ErrClosed
	}

	inbox := "_INBOX." + uuid.NewString()
	sub, err := b.Subscribe(inbox)
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	n, err := b.publish(subject, redisEnvelope{Data: data, Reply: inbox})
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, ErrNoResponders
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg, ok := <-sub.Messages():
		if !ok {
			return nil, ErrClosed
		}
		return msg, nil
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// Close stops every subscription and closes the client.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSubscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Unsubscribe()
	}
	b.cancel()
	return b.client.Close()
}

// Dropped reports how many messages were discarded because a subscriber's
// buffer was full.
func (b *RedisBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Client returns the underlying Redis client.
func (b *RedisBus) Client() *redis.Client {
	return b.client
}

type redisSubscription struct {
	bus     *RedisBus
	subject string
	queue   string
	pubsub  *redis.PubSub

	ch     chan *Message
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) emit(payload string) {
	var env redisEnvelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return
	}
	select {
	case s.ch <- &Message{Subject: s.subject, Data: env.Data, Reply: env.Reply}:
	case <-s.ctx.Done():
	default:
		s.bus.dropped.Add(1)
	}
}

func (s *redisSubscription) pumpPubSub(in <-chan *redis.Message) {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			s.emit(m.Payload)
		}
	}
}

func (s *redisSubscription) pumpList(key string) {
	defer close(s.done)
	for {
		res, err := s.bus.client.BLPop(s.ctx, s.bus.config.PollTimeout, key).Result()
		if s.ctx.Err() != nil {
			return
		}
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			// Connection trouble; back off one poll interval.
			select {
			case <-time.After(s.bus.config.PollTimeout):
				continue
			case <-s.ctx.Done():
				return
			}
		}
		if len(res) == 2 {
			s.emit(res[1])
		}
	}
}

// Messages returns the message channel.
func (s *redisSubscription) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *redisSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		if s.pubsub != nil {
			err = s.pubsub.Close()
		}
		<-s.done
		close(s.ch)

		if s.queue != "" {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			key := s.bus.groupsKey(s.subject)
			if n, herr := s.bus.client.HIncrBy(ctx, key, s.queue, -1).Result(); herr == nil && n <= 0 {
				s.bus.client.HDel(ctx, key, s.queue)
			}
		}

		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
	return err
}
