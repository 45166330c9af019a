package bus

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Common errors.
var (
	ErrClosed         = errors.New("bus closed")
	ErrTimeout        = errors.New("request timeout")
	ErrNoResponders   = errors.New("no responders")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Message represents a message received from the bus.
type Message struct {
	// Subject the message was published to.
	Subject string

	// Data is the message payload.
	Data []byte

	// Reply is the reply subject for request/reply pattern.
	// Empty for regular pub/sub messages.
	Reply string
}

// MessageBus provides pub/sub and request/reply messaging.
type MessageBus interface {
	// Publish sends a message to all subscribers of a subject.
	Publish(subject string, data []byte) error

	// Subscribe creates a subscription to a subject.
	// All subscribers receive all messages.
	Subscribe(subject string) (Subscription, error)

	// QueueSubscribe creates a queue subscription.
	// Each message is delivered to one member of the queue group.
	QueueSubscribe(subject, queue string) (Subscription, error)

	// Request sends a request and waits for a single reply.
	// Returns ErrTimeout if no reply within timeout.
	Request(subject string, data []byte, timeout time.Duration) (*Message, error)

	// Close shuts down the bus connection.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Messages returns the channel for incoming messages.
	// Channel is closed when subscription ends.
	Messages() <-chan *Message

	// Unsubscribe cancels the subscription.
	Unsubscribe() error
}

// DropCounter is implemented by every backend. Subscriptions never block
// the publisher; a message that finds a subscriber's buffer full is
// discarded and counted.
type DropCounter interface {
	Dropped() uint64
}

var (
	_ DropCounter = (*MemoryBus)(nil)
	_ DropCounter = (*NATSBus)(nil)
	_ DropCounter = (*RedisBus)(nil)
)

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels. A slow consumer loses
	// messages once its buffer is full, so size it for the longest burst
	// of task traffic an actor may fall behind on.
	// Default: 1024
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 1024,
	}
}

// ValidateSubject checks if a subject is valid. Subjects are dot separated
// tokens; empty tokens and whitespace are rejected.
func ValidateSubject(subject string) error {
	if subject == "" {
		return ErrInvalidSubject
	}
	if strings.ContainsAny(subject, " \t\r\n") {
		return fmt.Errorf("%w: %q", ErrInvalidSubject, subject)
	}
	for _, tok := range strings.Split(subject, ".") {
		if tok == "" {
			return fmt.Errorf("%w: %q", ErrInvalidSubject, subject)
		}
	}
	return nil
}

// Reply publishes data to msg's reply subject. It is a no-op for messages
// that were not sent with Request.
func Reply(b MessageBus, msg *Message, data []byte) error {
	if msg == nil || msg.Reply == "" {
		return nil
	}
	return b.Publish(msg.Reply, data)
}
