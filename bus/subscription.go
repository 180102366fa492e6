package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/xraph/txflow/id"
)

// Handler processes a delivered event. A non-nil error is logged by the
// delivery loop; it does not stop delivery or affect other subscribers.
type Handler func(ctx context.Context, evt *Event) error

// Subscription is a registered handler on a channel. It owns an
// unbounded FIFO queue and a single delivery goroutine, so events for
// this subscription are handled one at a time, in enqueue order, and
// are never dropped while the subscription is live.
type Subscription struct {
	id      id.SubscriptionID
	channel string
	handler Handler
	logger  *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*Event
	closed  bool
	failure error

	done chan struct{}
}

func newSubscription(channel string, handler Handler, logger *slog.Logger) *Subscription {
	s := &Subscription{
		id:      id.NewSubscriptionID(),
		channel: channel,
		handler: handler,
		logger:  logger,
		done:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.deliverLoop()
	return s
}

// NewHandle returns a Subscription token for Bus implementations outside
// this package. No delivery loop is started; the implementation invokes
// Handle for each event it receives.
func NewHandle(channel string, handler Handler, logger *slog.Logger) *Subscription {
	s := &Subscription{
		id:      id.NewSubscriptionID(),
		channel: channel,
		handler: handler,
		logger:  logger,
		done:    make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	// No delivery loop owns done, so wait must not block.
	close(s.done)
	return s
}

// Handle invokes the handler with panic recovery and returns its error.
// Used by Bus implementations that manage their own delivery loops.
func (s *Subscription) Handle(ctx context.Context, evt *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("event handler panic: %v", r)
		}
	}()
	return s.handler(ctx, evt)
}

// Fail records a setup error on the token. Bus implementations whose
// Subscribe cannot return an error call this before handing the token
// back so callers can tell a dead subscription from a live one.
func (s *Subscription) Fail(err error) {
	s.mu.Lock()
	s.failure = err
	s.mu.Unlock()
}

// Err reports why the subscription is dead. A non-nil result means it
// was never wired up and will never deliver.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// ID returns the subscription identifier.
func (s *Subscription) ID() id.SubscriptionID { return s.id }

// Channel returns the channel name this subscription is on.
func (s *Subscription) Channel() string { return s.channel }

// enqueue appends an event to the subscription's queue.
// Returns false if the subscription is closed.
func (s *Subscription) enqueue(evt *Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.queue = append(s.queue, evt)
	s.cond.Signal()
	return true
}

// deliverLoop drains the queue, invoking the handler for each event in
// order. It exits once the subscription is closed and the queue is empty.
func (s *Subscription) deliverLoop() {
	defer close(s.done)

	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			return
		}
		evt := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(evt)
	}
}

// deliver invokes the handler with panic recovery. Errors and panics are
// logged and swallowed so one bad handler cannot poison the bus.
func (s *Subscription) deliver(evt *Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event handler panic",
				slog.String("subscription", s.id.String()),
				slog.String("channel", s.channel),
				slog.String("event_type", evt.Type),
				slog.Any("panic", r),
			)
		}
	}()

	if err := s.handler(context.Background(), evt); err != nil {
		s.logger.Warn("event handler error",
			slog.String("subscription", s.id.String()),
			slog.String("channel", s.channel),
			slog.String("event_type", evt.Type),
			slog.String("error", err.Error()),
		)
	}
}

// close marks the subscription closed and wakes the delivery loop.
// Queued events are still delivered before the loop exits.
func (s *Subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
}

// wait blocks until the delivery loop has drained and exited.
func (s *Subscription) wait() {
	<-s.done
}
