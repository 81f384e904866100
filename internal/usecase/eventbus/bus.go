package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"squadron/internal/domain"
)

// subscriber owns an unbounded FIFO and one worker goroutine, so a handler
// sees events in publish order and a slow handler only delays itself.
type subscriber struct {
	id        uint64
	eventType domain.EventType // empty for SubscribeAll
	handler   domain.EventHandler

	mu      sync.Mutex
	queue   []queuedEvent
	closing bool
	wake    chan struct{}
}

type queuedEvent struct {
	ctx   context.Context
	event domain.Event
}

func (s *subscriber) matches(t domain.EventType) bool {
	return s.eventType == "" || s.eventType == t
}

func (s *subscriber) enqueue(q queuedEvent) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, q)
	s.mu.Unlock()
	s.signal()
}

// stop ends the worker. With drain set, queued events are delivered first.
func (s *subscriber) stop(drain bool) {
	s.mu.Lock()
	s.closing = true
	if !drain {
		s.queue = nil
	}
	s.mu.Unlock()
	s.signal()
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) next() (queuedEvent, bool) {
	s.mu.Lock()
	for len(s.queue) == 0 {
		if s.closing {
			s.mu.Unlock()
			return queuedEvent{}, false
		}
		s.mu.Unlock()
		<-s.wake
		s.mu.Lock()
	}
	q := s.queue[0]
	s.queue[0] = queuedEvent{}
	s.queue = s.queue[1:]
	s.mu.Unlock()
	return q, true
}

// Bus is an in-process, goroutine-safe event bus. Publish never blocks on
// handlers; each subscriber receives its events in publish order.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscriber
	closed bool
	nextID atomic.Uint64
	logger *slog.Logger
	wg     sync.WaitGroup
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger}
}

// Publish queues event for every matching subscriber. Handlers receive a
// context that keeps ctx's values but not its cancellation, since delivery
// usually outlives the publishing request.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	q := queuedEvent{ctx: context.WithoutCancel(ctx), event: event}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.matches(event.Type) {
			s.enqueue(q)
		}
	}
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function; events still queued for it are dropped.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(eventType, handler)
}

// SubscribeAll registers a handler that receives every event.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add("", handler)
}

func (b *Bus) add(eventType domain.EventType, handler domain.EventHandler) func() {
	s := &subscriber{
		id:        b.nextID.Add(1),
		eventType: eventType,
		handler:   handler,
		wake:      make(chan struct{}, 1),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs = append(b.subs, s)
	b.wg.Add(1)
	b.mu.Unlock()

	go b.run(s)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			for i, sub := range b.subs {
				if sub.id == s.id {
					b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			s.stop(false)
		})
	}
}

func (b *Bus) run(s *subscriber) {
	defer b.wg.Done()
	for {
		q, ok := s.next()
		if !ok {
			return
		}
		b.deliver(s, q)
	}
}

func (b *Bus) deliver(s *subscriber, q queuedEvent) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(q.event.Type),
				"subscriber", s.id,
				"panic", r,
			)
		}
	}()
	s.handler(q.ctx, q.event)
}

// Close rejects further publishes, delivers everything already queued and
// waits for the handlers to return. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = nil
	b.mu.Unlock()

	for _, s := range subs {
		s.stop(true)
	}
	b.wg.Wait()
}

var _ domain.EventBus = (*Bus)(nil)
