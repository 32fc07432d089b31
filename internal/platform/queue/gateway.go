package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	id "invoicer/pkg/domain"
)

// DefaultReconnectDelay is the fixed wait before resubscribing.
const DefaultReconnectDelay = 5 * time.Second

type Gateway struct {
	transport       Transport
	logger          *slog.Logger
	metrics         *Metrics
	reconnectDelay  time.Duration
	maxDeliveries   int
	deadLetterTopic string
}

type Option func(*Gateway)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithRegisterer registers gateway metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(g *Gateway) {
		g.metrics = NewMetrics(reg)
	}
}

func WithReconnectDelay(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.reconnectDelay = d
		}
	}
}

// WithDeadLetter moves a message to topic once its delivery count reaches
// maxDeliveries and the handler fails again. Zero disables the policy.
func WithDeadLetter(maxDeliveries int, topic string) Option {
	return func(g *Gateway) {
		if maxDeliveries > 0 && topic != "" {
			g.maxDeliveries = maxDeliveries
			g.deadLetterTopic = topic
		}
	}
}

func NewGateway(transport Transport, opts ...Option) *Gateway {
	g := &Gateway{
		transport:      transport,
		logger:         slog.Default(),
		reconnectDelay: DefaultReconnectDelay,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Publish hands body to the transport. It is not retried here.
func (g *Gateway) Publish(ctx context.Context, topic, key string, body []byte) error {
	msg := &Message{
		ID:    id.NewMessageID(),
		Topic: topic,
		Key:   key,
		Body:  body,
	}
	if err := g.transport.Publish(ctx, msg); err != nil {
		g.metrics.incPublished(topic, false)
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	g.metrics.incPublished(topic, true)
	return nil
}

// Consume runs handler for every message on topic until ctx is done. It
// returns nil on shutdown; connection loss is retried forever.
func (g *Gateway) Consume(ctx context.Context, topic string, handler Handler) error {
	for {
		deliveries, err := g.transport.Receive(ctx, topic)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			g.logger.ErrorContext(ctx, "queue subscribe failed",
				"topic", topic,
				"retry_in_ms", g.reconnectDelay.Milliseconds(),
				"error", err,
			)
		} else {
			g.logger.InfoContext(ctx, "queue consumer subscribed", "topic", topic)
			g.drain(ctx, topic, deliveries, handler)
			if ctx.Err() != nil {
				return nil
			}
			g.logger.WarnContext(ctx, "queue connection lost, reconnecting",
				"topic", topic,
				"retry_in_ms", g.reconnectDelay.Milliseconds(),
			)
		}
		g.metrics.incReconnect(topic)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(g.reconnectDelay):
		}
	}
}

func (g *Gateway) drain(ctx context.Context, topic string, deliveries <-chan Delivery, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			g.handle(ctx, topic, d, handler)
		}
	}
}

func (g *Gateway) handle(ctx context.Context, topic string, d Delivery, handler Handler) {
	msg := d.Message()
	log := g.logger.With("topic", topic, "message_id", msg.ID.String(), "deliveries", msg.Deliveries)

	err := safeHandle(ctx, handler, msg)
	if err == nil {
		if ackErr := d.Ack(ctx); ackErr != nil {
			log.WarnContext(ctx, "failed to acknowledge message", "error", ackErr)
		}
		g.metrics.incConsumed(topic, resultAcked)
		return
	}

	if g.maxDeliveries > 0 && msg.Deliveries >= g.maxDeliveries {
		g.deadLetter(ctx, log, d, msg, err)
		return
	}

	log.WarnContext(ctx, "message handling failed, requeueing", "error", err)
	if nackErr := d.Nack(ctx, true); nackErr != nil {
		log.WarnContext(ctx, "failed to requeue message", "error", nackErr)
	}
	g.metrics.incConsumed(topic, resultRequeued)
}

func (g *Gateway) deadLetter(ctx context.Context, log *slog.Logger, d Delivery, msg *Message, cause error) {
	dead := msg.Clone()
	dead.Topic = g.deadLetterTopic
	if dead.Headers == nil {
		dead.Headers = make(map[string]string, 2)
	}
	dead.Headers[HeaderOriginalTopic] = msg.Topic
	dead.Headers[HeaderLastError] = cause.Error()

	if err := g.transport.Publish(ctx, dead); err != nil {
		log.ErrorContext(ctx, "failed to dead-letter message, requeueing", "error", err)
		if nackErr := d.Nack(ctx, true); nackErr != nil {
			log.WarnContext(ctx, "failed to requeue message", "error", nackErr)
		}
		g.metrics.incConsumed(msg.Topic, resultRequeued)
		return
	}

	log.ErrorContext(ctx, "message exceeded delivery limit, dead-lettered",
		"dead_letter_topic", g.deadLetterTopic,
		"error", cause,
	)
	if ackErr := d.Ack(ctx); ackErr != nil {
		log.WarnContext(ctx, "failed to acknowledge dead-lettered message", "error", ackErr)
	}
	g.metrics.incConsumed(msg.Topic, resultDeadLettered)
}

// safeHandle turns a handler panic into an error so the message is requeued
// instead of killing the consumer.
func safeHandle(ctx context.Context, handler Handler, msg *Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, msg)
}
