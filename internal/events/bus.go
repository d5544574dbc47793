// Package events implements the in-process publish/subscribe bus used for
// lifecycle notifications between services. Events are plain value structs
// dispatched by exact type; handlers run synchronously in subscription
// order and a failing handler never affects the publisher or the handlers
// after it.
package events

import (
	"context"
	"reflect"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "noirdesk/pkg/errors"
)

var errNilHandler = apperrors.NewValidation("event handler must not be nil")

// DefaultQueueCapacity bounds the pre-ready event queue.
const DefaultQueueCapacity = 1000

// DefaultDrainBatch caps how many queued events one Drain call delivers,
// so a large startup burst cannot stall the caller in a single tick.
const DefaultDrainBatch = 64

type subscription struct {
	id uint64
	fn func(any)
}

type queuedEvent struct {
	payload    any
	enqueuedAt time.Time
}

// Bus is the in-process event bus.
//
// Publishes that happen before the bus has completed its own initialization
// are held in a bounded FIFO queue and delivered once the bus becomes
// ready. Steady-state publishes with no subscribers are logged no-ops, not
// queued.
type Bus struct {
	mu       sync.Mutex
	handlers map[reflect.Type][]subscription
	queue    []queuedEvent
	nextID   uint64
	ready    bool

	capacity int
	priority int
	logger   *zap.Logger
	metrics  *BusMetrics
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueCapacity overrides the pre-ready queue bound.
func WithQueueCapacity(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// WithPriority overrides the bus's bootstrap priority.
func WithPriority(p int) Option {
	return func(b *Bus) { b.priority = p }
}

// WithMetrics attaches prometheus instrumentation registered against reg.
func WithMetrics(m *BusMetrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// NewBus creates a bus that queues publishes until it is marked ready.
func NewBus(logger *zap.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		handlers: make(map[reflect.Type][]subscription),
		queue:    make([]queuedEvent, 0),
		capacity: DefaultQueueCapacity,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscription identifies one handler registration and is the token used
// to unsubscribe. Function values are not comparable in Go, so removal is
// by handle rather than by handler identity.
type Subscription struct {
	bus       *Bus
	eventType reflect.Type
	id        uint64
}

// Unsubscribe removes the handler. Calling it twice, or on a handler the
// bus no longer knows, is a no-op.
func (s Subscription) Unsubscribe() {
	if s.bus == nil {
		return
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	subs := s.bus.handlers[s.eventType]
	for i, sub := range subs {
		if sub.id == s.id {
			s.bus.handlers[s.eventType] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Subscribe registers a handler for events of type T. Handlers are invoked
// in subscription order. A nil handler is rejected.
func Subscribe[T any](b *Bus, handler func(T)) (Subscription, error) {
	if handler == nil {
		return Subscription{}, errNilHandler
	}

	eventType := reflect.TypeOf((*T)(nil)).Elem()

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := subscription{
		id: b.nextID,
		fn: func(payload any) {
			handler(payload.(T))
		},
	}
	b.handlers[eventType] = append(b.handlers[eventType], sub)

	return Subscription{bus: b, eventType: eventType, id: sub.id}, nil
}

// Publish delivers an event to every current subscriber of its exact type.
// Before the bus is ready the event is enqueued instead; on queue overflow
// the newest event is dropped with a warning. Publish never blocks and
// never returns an error to the caller.
func (b *Bus) Publish(event any) {
	if event == nil {
		b.logger.Warn("dropping nil event")
		return
	}

	b.mu.Lock()
	if !b.ready {
		if len(b.queue) >= b.capacity {
			b.mu.Unlock()
			b.metrics.dropped()
			b.logger.Warn("pre-ready event queue full, dropping newest event",
				zap.String("eventType", reflect.TypeOf(event).String()),
				zap.Int("capacity", b.capacity))
			return
		}
		b.queue = append(b.queue, queuedEvent{payload: event, enqueuedAt: time.Now()})
		b.mu.Unlock()
		b.metrics.queued()
		return
	}
	subs := b.snapshotLocked(reflect.TypeOf(event))
	b.mu.Unlock()

	b.metrics.published(event)
	b.dispatch(event, subs)
}

// snapshotLocked copies the handler list so dispatch runs without the lock
// and a handler subscribing/unsubscribing mid-dispatch cannot corrupt the
// iteration. Callers must hold b.mu.
func (b *Bus) snapshotLocked(eventType reflect.Type) []subscription {
	subs := b.handlers[eventType]
	if len(subs) == 0 {
		return nil
	}
	snapshot := make([]subscription, len(subs))
	copy(snapshot, subs)
	return snapshot
}

func (b *Bus) dispatch(event any, subs []subscription) {
	if len(subs) == 0 {
		b.logger.Debug("no subscribers for event",
			zap.String("eventType", reflect.TypeOf(event).String()))
		return
	}
	for _, sub := range subs {
		b.invoke(event, sub)
	}
}

// invoke runs one handler, converting a panic into a logged handler error
// so the remaining handlers and the publisher are unaffected.
func (b *Bus) invoke(event any, sub subscription) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.handlerError(event)
			b.logger.Error("event handler panicked",
				zap.String("eventType", reflect.TypeOf(event).String()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	sub.fn(event)
	b.metrics.delivered(event)
}

// Drain delivers up to maxBatch queued events in enqueue order. It returns
// the number delivered. Drain is a no-op until the bus is ready.
func (b *Bus) Drain(maxBatch int) int {
	if maxBatch <= 0 {
		maxBatch = DefaultDrainBatch
	}

	b.mu.Lock()
	if !b.ready || len(b.queue) == 0 {
		b.mu.Unlock()
		return 0
	}
	n := maxBatch
	if n > len(b.queue) {
		n = len(b.queue)
	}
	batch := make([]queuedEvent, n)
	copy(batch, b.queue[:n])
	b.queue = b.queue[n:]
	b.mu.Unlock()

	for _, qe := range batch {
		b.mu.Lock()
		subs := b.snapshotLocked(reflect.TypeOf(qe.payload))
		b.mu.Unlock()

		b.metrics.published(qe.payload)
		b.logger.Debug("delivering queued event",
			zap.String("eventType", reflect.TypeOf(qe.payload).String()),
			zap.Duration("queuedFor", time.Since(qe.enqueuedAt)))
		b.dispatch(qe.payload, subs)
	}
	return n
}

// QueueLen returns the number of events waiting for the bus to become ready.
func (b *Bus) QueueLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Clear drops all subscriptions and queued events.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[reflect.Type][]subscription)
	b.queue = b.queue[:0]
}

// Name implements the initializable capability.
func (b *Bus) Name() string { return "EventBus" }

// Priority implements the initializable capability. The bus initializes
// before everything else so later services can publish readiness events.
func (b *Bus) Priority() int { return b.priority }

// Ready reports whether the bus dispatches immediately rather than queueing.
func (b *Bus) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ready
}

// Init marks the bus ready and drains the pre-ready queue in batches.
func (b *Bus) Init(ctx context.Context) error {
	b.mu.Lock()
	if b.ready {
		b.mu.Unlock()
		b.logger.Warn("event bus already initialized")
		return nil
	}
	b.ready = true
	queued := len(b.queue)
	b.mu.Unlock()

	if queued > 0 {
		b.logger.Info("draining pre-ready event queue", zap.Int("queued", queued))
	}
	for b.Drain(DefaultDrainBatch) > 0 {
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}
