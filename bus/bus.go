package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/txflow"
	"github.com/xraph/txflow/id"
)

// Bus is the publish/subscribe contract. InProc implements it in-memory;
// amqpbus.Bus implements it over RabbitMQ.
type Bus interface {
	// Publish delivers the event to all current subscribers of its
	// channel. The event's ID and Timestamp are assigned if unset.
	Publish(ctx context.Context, evt *Event) error

	// Subscribe registers a handler on a channel and starts delivery.
	Subscribe(channel string, handler Handler) *Subscription

	// Unsubscribe removes a subscription. Events already queued are
	// still delivered before the delivery loop exits.
	Unsubscribe(sub *Subscription)

	// Close shuts down the bus and waits for all subscriptions to drain.
	Close() error
}

// InProc is the in-memory Bus implementation. It is safe for
// concurrent use.
type InProc struct {
	logger *slog.Logger

	mu       sync.RWMutex
	channels map[string]map[id.SubscriptionID]*Subscription
	closed   bool

	totalPublished atomic.Int64
}

var _ Bus = (*InProc)(nil)

// NewInProc creates an in-memory event bus.
func NewInProc(logger *slog.Logger) *InProc {
	return &InProc{
		logger:   logger,
		channels: make(map[string]map[id.SubscriptionID]*Subscription),
	}
}

// Publish delivers the event to all current subscribers of evt.Channel.
// Each subscriber's queue is appended in the caller's order, so events
// published sequentially by one goroutine arrive in that order at every
// subscription.
func (b *InProc) Publish(_ context.Context, evt *Event) error {
	if evt.ID.IsNil() {
		evt.ID = id.NewEventID()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return txflow.ErrBusClosed
	}
	subs := b.channels[evt.Channel]
	targets := make([]*Subscription, 0, len(subs))
	for _, s := range subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.enqueue(evt)
	}
	b.totalPublished.Add(1)
	return nil
}

// Subscribe registers a handler on a channel. The returned Subscription
// begins receiving events published after this call returns.
func (b *InProc) Subscribe(channel string, handler Handler) *Subscription {
	sub := newSubscription(channel, handler, b.logger)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		sub.close()
		return sub
	}

	subs, ok := b.channels[channel]
	if !ok {
		subs = make(map[id.SubscriptionID]*Subscription)
		b.channels[channel] = subs
	}
	subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription from its channel. The subscription's
// already-queued events are still delivered.
func (b *InProc) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if subs, ok := b.channels[sub.channel]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(b.channels, sub.channel)
		}
	}
	b.mu.Unlock()

	sub.close()
}

// SubscriberCount returns the number of subscriptions on a channel.
func (b *InProc) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[channel])
}

// TotalPublished returns the number of events published so far.
func (b *InProc) TotalPublished() int64 {
	return b.totalPublished.Load()
}

// Close shuts down the bus. All subscriptions are closed and their
// queues drained before Close returns.
func (b *InProc) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*Subscription
	for _, subs := range b.channels {
		for _, s := range subs {
			all = append(all, s)
		}
	}
	b.channels = make(map[string]map[id.SubscriptionID]*Subscription)
	b.mu.Unlock()

	for _, s := range all {
		s.close()
	}
	for _, s := range all {
		s.wait()
	}
	return nil
}
