// Package event provides the in-memory bus that carries application
// sleep/wake notifications out of the suspend controller.
package event

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Topic names a notification kind.
type Topic string

const (
	// TopicSuspended fires after the offloads have been told the host is
	// going to sleep.
	TopicSuspended Topic = "netsuspend.suspended"
	// TopicResuming fires after the wait ends, just before the network
	// stack is unfrozen.
	TopicResuming Topic = "netsuspend.resuming"
)

// Notification is delivered to application handlers.
type Notification struct {
	Topic     Topic
	CycleID   uuid.UUID
	Timestamp time.Time
	// Slept is the time spent in the activity wait. Zero for TopicSuspended.
	Slept time.Duration
}

// Handler receives notifications. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(ctx context.Context, n Notification)

type handlerEntry struct {
	id      uint64
	handler Handler
}

// Bus is an in-memory notification bus. Publish is synchronous.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Topic][]handlerEntry // topic -> handlers
	allSubs  []handlerEntry           // handlers subscribed to all topics
	nextID   uint64
	logger   *zap.Logger
}

// NewBus creates a new in-memory notification bus.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		handlers: make(map[Topic][]handlerEntry),
		logger:   logger,
	}
}

// Publish dispatches n to the topic handlers, then to the catch-all handlers.
// A panicking handler is logged and does not stop delivery.
func (b *Bus) Publish(ctx context.Context, n Notification) {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	b.mu.RLock()
	topicHandlers := slices.Clone(b.handlers[n.Topic])
	allHandlers := slices.Clone(b.allSubs)
	b.mu.RUnlock()

	for _, h := range topicHandlers {
		b.safeCall(ctx, h.handler, n)
	}
	for _, h := range allHandlers {
		b.safeCall(ctx, h.handler, n)
	}
}

// Subscribe registers a handler for a specific topic. Returns an unsubscribe function.
func (b *Bus) Subscribe(topic Topic, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[topic] = append(b.handlers[topic], handlerEntry{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.handlers[topic] = slices.DeleteFunc(b.handlers[topic], func(e handlerEntry) bool { return e.id == id })
	}
}

// SubscribeAll registers a handler for every topic. Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.allSubs = append(b.allSubs, handlerEntry{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.allSubs = slices.DeleteFunc(b.allSubs, func(e handlerEntry) bool { return e.id == id })
	}
}

func (b *Bus) safeCall(ctx context.Context, handler Handler, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("notification handler panicked",
				zap.String("topic", string(n.Topic)),
				zap.Stringer("cycle", n.CycleID),
				zap.Any("panic", r),
			)
		}
	}()
	handler(ctx, n)
}
