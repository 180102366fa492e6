// Package bus provides at-least-once publish/subscribe event delivery
// over named channels.
//
// # Delivery Semantics
//
// Each subscription owns an unbounded FIFO queue and a single delivery
// goroutine. Publish appends the event to every matching subscription's
// queue and returns; handlers run asynchronously. Guarantees:
//
//   - Every subscriber active at publish time receives the event at
//     least once. Events are never dropped for a live subscription.
//   - Events from a single publisher goroutine are delivered to each
//     subscription in publish order. No ordering is defined between
//     events from different publishers.
//   - A handler error or panic is caught and logged; it never affects
//     other subscribers or the publisher.
//
// # Usage
//
//	b := bus.NewInProc(slog.Default())
//	sub := b.Subscribe("orders", func(ctx context.Context, evt *bus.Event) error {
//	    return process(evt.Payload)
//	})
//	defer b.Unsubscribe(sub)
//
//	b.Publish(ctx, &bus.Event{Channel: "orders", Type: "order.created", Payload: data})
//
// For cross-process delivery backed by RabbitMQ, see the amqpbus
// subpackage, which implements the same [Bus] interface.
package bus
