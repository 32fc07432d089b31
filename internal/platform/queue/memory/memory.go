// Package memory is an in-process queue transport. Messages stay queued
// until acknowledged; unacknowledged messages return to the queue when a
// subscription ends.
package memory

import (
	"context"
	"sync"

	"invoicer/internal/platform/queue"
	id "invoicer/pkg/domain"
)

// Broker implements queue.Transport. Several subscriptions to one topic
// compete for its messages.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
	closed bool
}

type topic struct {
	ready   []*queue.Message
	changed chan struct{}
	subs    map[*subscription]struct{}
}

type subscription struct {
	out      chan queue.Delivery
	done     chan struct{}
	inflight map[id.MessageID]*queue.Message
	ended    bool
}

func New() *Broker {
	return &Broker{topics: make(map[string]*topic)}
}

// topicLocked returns the named topic, creating it. Callers hold b.mu.
func (b *Broker) topicLocked(name string) *topic {
	t, ok := b.topics[name]
	if !ok {
		t = &topic{changed: make(chan struct{}), subs: make(map[*subscription]struct{})}
		b.topics[name] = t
	}
	return t
}

// signalLocked wakes every pump waiting on t.
func (t *topic) signalLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

func (b *Broker) Publish(_ context.Context, msg *queue.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return queue.ErrClosed
	}
	t := b.topicLocked(msg.Topic)
	c := msg.Clone()
	c.Deliveries = 0
	t.ready = append(t.ready, c)
	t.signalLocked()
	return nil
}

func (b *Broker) Receive(ctx context.Context, name string) (<-chan queue.Delivery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, queue.ErrClosed
	}
	t := b.topicLocked(name)
	s := &subscription{
		out:      make(chan queue.Delivery),
		done:     make(chan struct{}),
		inflight: make(map[id.MessageID]*queue.Message),
	}
	t.subs[s] = struct{}{}
	go b.pump(ctx, t, s)
	return s.out, nil
}

func (b *Broker) pump(ctx context.Context, t *topic, s *subscription) {
	defer close(s.out)
	for {
		b.mu.Lock()
		if s.ended {
			b.mu.Unlock()
			return
		}
		if len(t.ready) == 0 {
			wait := t.changed
			b.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				b.end(t, s)
				return
			case <-s.done:
				return
			}
		}
		msg := t.ready[0]
		t.ready = t.ready[1:]
		msg.Deliveries++
		s.inflight[msg.ID] = msg
		d := &delivery{broker: b, topic: t, sub: s, msg: msg.Clone()}
		b.mu.Unlock()

		select {
		case s.out <- d:
		case <-ctx.Done():
			b.end(t, s)
			return
		case <-s.done:
			return
		}
	}
}

// end closes s and hands its unacknowledged messages back to t.
func (b *Broker) end(t *topic, s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.endLocked(t, s)
}

func (b *Broker) endLocked(t *topic, s *subscription) {
	if s.ended {
		return
	}
	s.ended = true
	close(s.done)
	delete(t.subs, s)
	if len(s.inflight) == 0 {
		return
	}
	returned := make([]*queue.Message, 0, len(s.inflight))
	for _, m := range s.inflight {
		returned = append(returned, m)
	}
	s.inflight = nil
	t.ready = append(returned, t.ready...)
	t.signalLocked()
}

// Disconnect drops every subscription as a lost connection would. Their
// delivery channels close and unacknowledged messages are redelivered to
// the next subscriber.
func (b *Broker) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range b.topics {
		for s := range t.subs {
			b.endLocked(t, s)
		}
	}
}

// Pending reports how many messages on topic are waiting or unacknowledged.
func (b *Broker) Pending(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		return 0
	}
	n := len(t.ready)
	for s := range t.subs {
		n += len(s.inflight)
	}
	return n
}

// Close ends all subscriptions and rejects further use.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, t := range b.topics {
		for s := range t.subs {
			b.endLocked(t, s)
		}
	}
	return nil
}

type delivery struct {
	broker *Broker
	topic  *topic
	sub    *subscription
	msg    *queue.Message
}

func (d *delivery) Message() *queue.Message { return d.msg }

func (d *delivery) Ack(_ context.Context) error {
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()
	if _, ok := d.sub.inflight[d.msg.ID]; !ok {
		return queue.ErrStaleDelivery
	}
	delete(d.sub.inflight, d.msg.ID)
	return nil
}

func (d *delivery) Nack(_ context.Context, requeue bool) error {
	d.broker.mu.Lock()
	defer d.broker.mu.Unlock()
	m, ok := d.sub.inflight[d.msg.ID]
	if !ok {
		return queue.ErrStaleDelivery
	}
	delete(d.sub.inflight, d.msg.ID)
	if requeue {
		d.topic.ready = append(d.topic.ready, m)
		d.topic.signalLocked()
	}
	return nil
}
