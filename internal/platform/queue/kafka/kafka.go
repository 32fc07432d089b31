// Package kafka binds the queue gateway to Kafka-compatible brokers with
// franz-go.
//
// Offsets are committed manually: Ack commits the record, Nack with requeue
// re-produces it with an incremented delivery header and then commits.
// Records are handed out one at a time per subscription.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"invoicer/internal/platform/config"
	"invoicer/internal/platform/queue"
	id "invoicer/pkg/domain"
)

const (
	headerDeliveries = "x-deliveries"
	headerMessageID  = "x-message-id"
)

// Transport implements queue.Transport.
type Transport struct {
	cfg      config.Kafka
	producer *kgo.Client
	logger   *slog.Logger
}

// New connects a producer client and verifies the brokers are reachable.
func New(ctx context.Context, cfg config.Kafka, logger *slog.Logger) (*Transport, error) {
	if logger == nil {
		logger = slog.Default()
	}
	producer, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	if err := producer.Ping(ctx); err != nil {
		producer.Close()
		return nil, fmt.Errorf("ping kafka: %w", err)
	}
	return &Transport{cfg: cfg, producer: producer, logger: logger}, nil
}

// EnsureTopics creates topics that do not exist yet.
func (t *Transport) EnsureTopics(ctx context.Context, topics ...string) error {
	adm := kadm.NewClient(t.producer)
	resp, err := adm.CreateTopics(ctx, t.cfg.Partitions, t.cfg.ReplicationFactor, nil, topics...)
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	for name, r := range resp {
		if r.Err != nil && !errors.Is(r.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", name, r.Err)
		}
	}
	return nil
}

func (t *Transport) Publish(ctx context.Context, msg *queue.Message) error {
	return t.producer.ProduceSync(ctx, toRecord(msg)).FirstErr()
}

// Ping checks broker connectivity.
func (t *Transport) Ping(ctx context.Context) error {
	return t.producer.Ping(ctx)
}

func (t *Transport) Close() error {
	t.producer.Close()
	return nil
}

// Receive joins the consumer group for topic with a dedicated client. The
// client is closed when the subscription ends.
func (t *Transport) Receive(ctx context.Context, topic string) (<-chan queue.Delivery, error) {
	consumer, err := kgo.NewClient(
		kgo.SeedBrokers(t.cfg.Brokers...),
		kgo.ConsumerGroup(t.cfg.ConsumerGroup),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(),
		kgo.SessionTimeout(t.cfg.SessionTimeout),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}

	out := make(chan queue.Delivery)
	go t.poll(ctx, consumer, out)
	return out, nil
}

func (t *Transport) poll(ctx context.Context, consumer *kgo.Client, out chan<- queue.Delivery) {
	defer close(out)
	defer consumer.Close()

	for {
		fetches := consumer.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				t.logger.ErrorContext(ctx, "kafka fetch failed",
					"topic", fe.Topic,
					"partition", fe.Partition,
					"error", fe.Err,
				)
			}
			return
		}

		for _, rec := range fetches.Records() {
			d := &delivery{transport: t, consumer: consumer, record: rec, msg: fromRecord(rec), settled: make(chan struct{})}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
			select {
			case <-d.settled:
			case <-ctx.Done():
				return
			}
		}
	}
}

type delivery struct {
	transport *Transport
	consumer  *kgo.Client
	record    *kgo.Record
	msg       *queue.Message
	once      sync.Once
	settled   chan struct{}
}

func (d *delivery) Message() *queue.Message { return d.msg }

func (d *delivery) Ack(ctx context.Context) error {
	defer d.settle()
	return d.consumer.CommitRecords(ctx, d.record)
}

func (d *delivery) Nack(ctx context.Context, requeue bool) error {
	defer d.settle()
	if requeue {
		if err := d.transport.Publish(ctx, d.msg); err != nil {
			// Not committed: the record is redelivered after the next rebalance.
			return fmt.Errorf("requeue record: %w", err)
		}
	}
	return d.consumer.CommitRecords(ctx, d.record)
}

func (d *delivery) settle() {
	d.once.Do(func() { close(d.settled) })
}

func toRecord(msg *queue.Message) *kgo.Record {
	headers := make([]kgo.RecordHeader, 0, len(msg.Headers)+2)
	headers = append(headers,
		kgo.RecordHeader{Key: headerMessageID, Value: []byte(msg.ID.String())},
		kgo.RecordHeader{Key: headerDeliveries, Value: []byte(strconv.Itoa(msg.Deliveries))},
	)
	for k, v := range msg.Headers {
		headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	return &kgo.Record{
		Topic:   msg.Topic,
		Key:     []byte(msg.Key),
		Value:   msg.Body,
		Headers: headers,
	}
}

// fromRecord decodes a record. The delivery count is the number of earlier
// deliveries recorded in the header plus this one.
func fromRecord(rec *kgo.Record) *queue.Message {
	msg := &queue.Message{
		Topic:      rec.Topic,
		Key:        string(rec.Key),
		Body:       rec.Value,
		Deliveries: 1,
	}
	for _, h := range rec.Headers {
		switch h.Key {
		case headerMessageID:
			if mid, err := id.ParseMessageID(string(h.Value)); err == nil {
				msg.ID = mid
			}
		case headerDeliveries:
			if n, err := strconv.Atoi(string(h.Value)); err == nil && n >= 0 {
				msg.Deliveries = n + 1
			}
		default:
			if msg.Headers == nil {
				msg.Headers = make(map[string]string)
			}
			msg.Headers[h.Key] = string(h.Value)
		}
	}
	if msg.ID.IsNil() {
		msg.ID = id.NewMessageID()
	}
	return msg
}
