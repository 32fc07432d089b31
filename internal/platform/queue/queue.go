// Package queue is the message gateway between the producer and the
// issuance worker.
//
// A Transport moves messages; the Gateway adds the delivery policy on top:
// one message at a time, acknowledge on success, requeue on failure, and
// resubscribe after the transport drops the connection. Redelivery is
// unbounded unless a dead-letter policy is configured.
package queue

import (
	"context"
	"errors"
	"maps"

	id "invoicer/pkg/domain"
)

// ErrClosed is returned by transports after Close.
var ErrClosed = errors.New("queue transport closed")

// ErrStaleDelivery is returned when a delivery is settled after its
// subscription was lost. The message has already been handed back.
var ErrStaleDelivery = errors.New("delivery no longer held by this subscription")

// Header names carried by dead-lettered messages.
const (
	HeaderOriginalTopic = "x-original-topic"
	HeaderLastError     = "x-last-error"
)

// Message is one queued payload. Deliveries counts how many times it has
// been handed to a consumer, including the current delivery.
type Message struct {
	ID         id.MessageID
	Topic      string
	Key        string
	Body       []byte
	Deliveries int
	Headers    map[string]string
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	c := *m
	c.Body = append([]byte(nil), m.Body...)
	c.Headers = maps.Clone(m.Headers)
	return &c
}

// Delivery is a received message awaiting settlement.
type Delivery interface {
	Message() *Message
	Ack(ctx context.Context) error
	// Nack rejects the message. With requeue it will be delivered again.
	Nack(ctx context.Context, requeue bool) error
}

// Transport is a concrete broker binding.
type Transport interface {
	Publish(ctx context.Context, msg *Message) error
	// Receive subscribes to topic. The channel is closed when the
	// subscription ends: on ctx cancellation or on connection loss.
	Receive(ctx context.Context, topic string) (<-chan Delivery, error)
	Close() error
}

// Handler processes one message. A nil return acknowledges it.
type Handler func(ctx context.Context, msg *Message) error
