package bus

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryBus implements MessageBus using in-memory channels.
// Used by tests and by single-process deployments where hub, scheduler
// and engines share one address space.
type MemoryBus struct {
	config Config

	mu          sync.RWMutex
	subs        map[string][]*memorySub
	queueGroups map[string]map[string]*memoryQueue // subject -> queue -> members
	closed      atomic.Bool
	dropped     atomic.Uint64

	replyMu   sync.Mutex
	replySubs map[string]chan *Message
	replySeq  atomic.Uint64
}

type memoryQueue struct {
	members []*memorySub
	next    int
}

type memorySub struct {
	subject string
	queue   string
	bus     *MemoryBus

	mu     sync.Mutex
	ch     chan *Message
	closed bool
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &MemoryBus{
		config:      cfg,
		subs:        make(map[string][]*memorySub),
		queueGroups: make(map[string]map[string]*memoryQueue),
		replySubs:   make(map[string]chan *Message),
	}
}

// Publish sends a message to all subscribers and to one member of each
// queue group on the subject.
func (b *MemoryBus) Publish(subject string, data []byte) error {
	if err := ValidateSubject(subject); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	msg := &Message{Subject: subject, Data: data}
	if b.deliverToReply(subject, msg) {
		return nil
	}
	b.deliver(subject, msg)
	return nil
}

// Dropped reports how many messages were discarded because a subscriber's
// buffer was full.
func (b *MemoryBus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *MemoryBus) deliver(subject string, msg *Message) {
	b.mu.Lock()
	subs := append([]*memorySub(nil), b.subs[subject]...)
	var picked []*memorySub
	for _, q := range b.queueGroups[subject] {
		if len(q.members) == 0 {
			continue
		}
		picked = append(picked, q.members[q.next%len(q.members)])
		q.next = (q.next + 1) % len(q.members)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		if !sub.send(msg) {
			b.dropped.Add(1)
		}
	}
	for _, sub := range picked {
		if !sub.send(msg) {
			b.dropped.Add(1)
		}
	}
}

// deliverToReply hands msg to a pending Request waiting on subject.
func (b *MemoryBus) deliverToReply(subject string, msg *Message) bool {
	b.replyMu.Lock()
	ch, ok := b.replySubs[subject]
	if ok {
		delete(b.replySubs, subject)
	}
	b.replyMu.Unlock()

	if ok {
		ch <- msg
	}
	return ok
}

// Subscribe creates a subscription to a subject.
func (b *MemoryBus) Subscribe(subject string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := b.newSub(subject, "")

	b.mu.Lock()
	b.subs[subject] = append(b.subs[subject], sub)
	b.mu.Unlock()

	return sub, nil
}

// QueueSubscribe creates a queue subscription. Members of a group receive
// messages in round-robin order.
func (b *MemoryBus) QueueSubscribe(subject, queue string) (Subscription, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if queue == "" {
		return nil, ErrInvalidSubject
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := b.newSub(subject, queue)

	b.mu.Lock()
	if b.queueGroups[subject] == nil {
		b.queueGroups[subject] = make(map[string]*memoryQueue)
	}
	q := b.queueGroups[subject][queue]
	if q == nil {
		q = &memoryQueue{}
		b.queueGroups[subject][queue] = q
	}
	q.members = append(q.members, sub)
	b.mu.Unlock()

	return sub, nil
}

func (b *MemoryBus) newSub(subject, queue string) *memorySub {
	return &memorySub{
		subject: subject,
		queue:   queue,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}
}

// Request sends a request and waits for reply.
func (b *MemoryBus) Request(subject string, data []byte, timeout time.Duration) (*Message, error) {
	if err := ValidateSubject(subject); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	if !b.hasResponders(subject) {
		return nil, ErrNoResponders
	}

	replySubject := "_INBOX." + strconv.FormatUint(b.replySeq.Add(1), 10)
	replyCh := make(chan *Message, 1)

	b.replyMu.Lock()
	b.replySubs[replySubject] = replyCh
	b.replyMu.Unlock()

	b.deliver(subject, &Message{Subject: subject, Data: data, Reply: replySubject})

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timer.C:
		b.replyMu.Lock()
		delete(b.replySubs, replySubject)
		b.replyMu.Unlock()
		// A reply may have raced the timer.
		select {
		case reply := <-replyCh:
			return reply, nil
		default:
		}
		return nil, ErrTimeout
	}
}

func (b *MemoryBus) hasResponders(subject string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.subs[subject]) > 0 {
		return true
	}
	for _, q := range b.queueGroups[subject] {
		if len(q.members) > 0 {
			return true
		}
	}
	return false
}

// Close shuts down the bus and closes every subscription channel.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	var all []*memorySub
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	for _, queues := range b.queueGroups {
		for _, q := range queues {
			all = append(all, q.members...)
		}
	}
	b.subs = make(map[string][]*memorySub)
	b.queueGroups = make(map[string]map[string]*memoryQueue)
	b.mu.Unlock()

	for _, sub := range all {
		sub.close()
	}
	return nil
}

// send delivers without blocking; false means the buffer was full.
func (s *memorySub) send(msg *Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- msg:
		return true
	default:
		return false
	}
}

func (s *memorySub) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.ch)
	return true
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	if !s.close() {
		return nil
	}

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if s.queue == "" {
		s.bus.removeSub(s.subject, s)
	} else {
		s.bus.removeQueueSub(s.subject, s.queue, s)
	}
	return nil
}

func (b *MemoryBus) removeSub(subject string, target *memorySub) {
	subs := b.subs[subject]
	for i, sub := range subs {
		if sub == target {
			b.subs[subject] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
}

func (b *MemoryBus) removeQueueSub(subject, queue string, target *memorySub) {
	q := b.queueGroups[subject][queue]
	if q == nil {
		return
	}
	for i, sub := range q.members {
		if sub == target {
			q.members = append(q.members[:i:i], q.members[i+1:]...)
			break
		}
	}
}
