// Package amqpbus implements the event bus over RabbitMQ. Events are
// published to a durable topic exchange with the channel name as routing
// key; each subscription consumes from a durable group queue with manual
// acknowledgements, so delivery is at-least-once across processes.
//
// Subscriptions sharing a group name share a queue and compete for
// messages (consumer-group semantics). Use distinct groups for fan-out.
package amqpbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/xraph/txflow"
	"github.com/xraph/txflow/bus"
	"github.com/xraph/txflow/id"
)

// DefaultExchange is the topic exchange events are published to.
const DefaultExchange = "txflow.events"

// DefaultGroup is the consumer group queues are named after.
const DefaultGroup = "txflow"

var _ bus.Bus = (*Bus)(nil)

// Bus is a RabbitMQ-backed bus.Bus implementation.
type Bus struct {
	conn     *amqp.Connection
	exchange string
	group    string
	logger   *slog.Logger

	pubMu sync.Mutex
	pubCh *amqp.Channel

	mu     sync.Mutex
	subs   map[id.SubscriptionID]*consumer
	closed bool
}

// consumer pairs a subscription token with the AMQP channel feeding it.
type consumer struct {
	sub  *bus.Subscription
	ch   *amqp.Channel
	tag  string
	done chan struct{}
}

// Option configures a Bus.
type Option func(*Bus)

// WithExchange overrides the exchange name.
func WithExchange(name string) Option {
	return func(b *Bus) { b.exchange = name }
}

// WithGroup sets the consumer group. Queue names are derived as
// "<exchange>.<channel>.<group>", so subscriptions in the same group on
// the same channel share a queue.
func WithGroup(group string) Option {
	return func(b *Bus) { b.group = group }
}

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// New dials the broker and declares the topic exchange.
func New(url string, opts ...Option) (*Bus, error) {
	b := &Bus{
		exchange: DefaultExchange,
		group:    DefaultGroup,
		logger:   slog.Default(),
		subs:     make(map[id.SubscriptionID]*consumer),
	}
	for _, opt := range opts {
		opt(b)
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqpbus: dial %s: %w", url, err)
	}
	b.conn = conn

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqpbus: open publish channel: %w", err)
	}
	if err = ch.ExchangeDeclare(b.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqpbus: declare exchange %s: %w", b.exchange, err)
	}
	b.pubCh = ch
	return b, nil
}

// Publish sends the event to the exchange with its channel as routing
// key. The event's ID and Timestamp are assigned if unset.
func (b *Bus) Publish(ctx context.Context, evt *bus.Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return txflow.ErrBusClosed
	}

	if evt.ID.IsNil() {
		evt.ID = id.NewEventID()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("amqpbus: marshal event: %w", err)
	}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	err = b.pubCh.PublishWithContext(ctx, b.exchange, evt.Channel, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    evt.ID.String(),
		Type:         evt.Type,
		Timestamp:    evt.Timestamp,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("amqpbus: publish to %s: %w", evt.Channel, err)
	}
	return nil
}

// Subscribe declares a durable group queue bound to the channel and
// starts a consumer. Delivery order follows the queue; one message is
// handled at a time per subscription. If setup fails the returned token
// carries the error in its Err method and will never deliver.
func (b *Bus) Subscribe(channel string, handler bus.Handler) *bus.Subscription {
	sub := bus.NewHandle(channel, handler, b.logger)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.Fail(txflow.ErrBusClosed)
		return sub
	}

	ch, err := b.conn.Channel()
	if err != nil {
		b.logger.Error("amqpbus: open consumer channel", slog.String("channel", channel), slog.String("error", err.Error()))
		sub.Fail(fmt.Errorf("amqpbus: open consumer channel: %w", err))
		return sub
	}
	// One unacked message at a time keeps per-subscription ordering.
	if err = ch.Qos(1, 0, false); err != nil {
		b.logger.Error("amqpbus: set qos", slog.String("error", err.Error()))
		_ = ch.Close()
		sub.Fail(fmt.Errorf("amqpbus: set qos: %w", err))
		return sub
	}

	queueName := fmt.Sprintf("%s.%s.%s", b.exchange, channel, b.group)
	if _, err = ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		b.logger.Error("amqpbus: declare queue", slog.String("queue", queueName), slog.String("error", err.Error()))
		_ = ch.Close()
		sub.Fail(fmt.Errorf("amqpbus: declare queue %s: %w", queueName, err))
		return sub
	}
	if err = ch.QueueBind(queueName, channel, b.exchange, false, nil); err != nil {
		b.logger.Error("amqpbus: bind queue", slog.String("queue", queueName), slog.String("error", err.Error()))
		_ = ch.Close()
		sub.Fail(fmt.Errorf("amqpbus: bind queue %s: %w", queueName, err))
		return sub
	}

	tag := sub.ID().String()
	deliveries, err := ch.Consume(queueName, tag, false, false, false, false, nil)
	if err != nil {
		b.logger.Error("amqpbus: consume", slog.String("queue", queueName), slog.String("error", err.Error()))
		_ = ch.Close()
		sub.Fail(fmt.Errorf("amqpbus: consume %s: %w", queueName, err))
		return sub
	}

	c := &consumer{sub: sub, ch: ch, tag: tag, done: make(chan struct{})}
	b.subs[sub.ID()] = c
	go b.consumeLoop(c, deliveries)
	return sub
}

// consumeLoop handles deliveries one at a time. Successful handling acks
// the message. A failed handler nacks with requeue once; a redelivered
// message that fails again is acked and dropped so a poison message
// cannot wedge the queue.
func (b *Bus) consumeLoop(c *consumer, deliveries <-chan amqp.Delivery) {
	defer close(c.done)

	for d := range deliveries {
		var evt bus.Event
		if err := json.Unmarshal(d.Body, &evt); err != nil {
			b.logger.Warn("amqpbus: drop undecodable message",
				slog.String("message_id", d.MessageId),
				slog.String("error", err.Error()),
			)
			_ = d.Ack(false) //nolint:errcheck // ack failure surfaces via channel close
			continue
		}

		err := c.sub.Handle(context.Background(), &evt)
		switch {
		case err == nil:
			_ = d.Ack(false) //nolint:errcheck // ack failure surfaces via channel close
		case !d.Redelivered:
			b.logger.Warn("amqpbus: handler error, requeueing",
				slog.String("event_type", evt.Type),
				slog.String("error", err.Error()),
			)
			_ = d.Nack(false, true) //nolint:errcheck // nack failure surfaces via channel close
		default:
			b.logger.Warn("amqpbus: handler error on redelivery, dropping",
				slog.String("event_type", evt.Type),
				slog.String("error", err.Error()),
			)
			_ = d.Ack(false) //nolint:errcheck // ack failure surfaces via channel close
		}
	}
}

// Unsubscribe cancels the consumer and closes its channel. In-flight
// handling completes before this returns.
func (b *Bus) Unsubscribe(sub *bus.Subscription) {
	b.mu.Lock()
	c, ok := b.subs[sub.ID()]
	if ok {
		delete(b.subs, sub.ID())
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	b.stopConsumer(c)
}

// Close cancels all consumers and closes the connection.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	all := make([]*consumer, 0, len(b.subs))
	for _, c := range b.subs {
		all = append(all, c)
	}
	b.subs = make(map[id.SubscriptionID]*consumer)
	b.mu.Unlock()

	for _, c := range all {
		b.stopConsumer(c)
	}

	b.pubMu.Lock()
	_ = b.pubCh.Close() //nolint:errcheck // connection close below supersedes
	b.pubMu.Unlock()

	if err := b.conn.Close(); err != nil {
		return fmt.Errorf("amqpbus: close connection: %w", err)
	}
	return nil
}

func (b *Bus) stopConsumer(c *consumer) {
	if err := c.ch.Cancel(c.tag, false); err != nil {
		b.logger.Warn("amqpbus: cancel consumer", slog.String("error", err.Error()))
	}
	<-c.done
	_ = c.ch.Close() //nolint:errcheck // channel already drained
}
