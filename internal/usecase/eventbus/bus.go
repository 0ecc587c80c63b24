// Package eventbus fans relay lifecycle events out to in-process subscribers.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"chatrelay/internal/domain"
)

type subscription struct {
	id      uint64
	handler domain.EventHandler
}

// Bus is an in-process, goroutine-safe event bus. Handlers run on their own
// goroutine so a slow subscriber never stalls a relay.
type Bus struct {
	mu     sync.RWMutex
	typed  map[domain.EventType][]subscription
	all    []subscription
	nextID atomic.Uint64
	logger *slog.Logger
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		typed:  make(map[domain.EventType][]subscription),
		logger: logger,
	}
}

// Publish delivers event to its typed subscribers and then to catch-all ones.
// Publishing on a closed bus is a no-op.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	targets := make([]subscription, 0, len(b.typed[event.Type])+len(b.all))
	targets = append(targets, b.typed[event.Type]...)
	targets = append(targets, b.all...)
	b.mu.RUnlock()

	for _, sub := range targets {
		b.dispatch(ctx, event, sub)
	}
}

func (b *Bus) dispatch(ctx context.Context, event domain.Event, sub subscription) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error("event handler panicked",
					"event", string(event.Type),
					"request_id", event.RequestID,
					"panic", r,
				)
			}
		}()
		sub.handler(ctx, event)
	}()
}

// Subscribe registers a handler for one event type and returns its unsubscribe func.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		b.typed[eventType] = without(b.typed[eventType], id)
		b.mu.Unlock()
	}
}

// SubscribeAll registers a handler for every event and returns its unsubscribe func.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.all = append(b.all, subscription{id: id, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		b.all = without(b.all, id)
		b.mu.Unlock()
	}
}

// Close stops accepting events and waits for in-flight handlers. Idempotent.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}

func without(subs []subscription, id uint64) []subscription {
	return slices.DeleteFunc(slices.Clone(subs), func(s subscription) bool { return s.id == id })
}

// RelayEvent builds a bus envelope carrying a relay payload.
func RelayEvent(t domain.EventType, requestID string, payload domain.RelayPayload) domain.Event {
	raw, _ := json.Marshal(payload)
	return domain.Event{
		Type:      t,
		Timestamp: time.Now(),
		RequestID: requestID,
		Payload:   raw,
	}
}

// DecodeRelay extracts the relay payload of e.
func DecodeRelay(e domain.Event) (domain.RelayPayload, error) {
	var p domain.RelayPayload
	if len(e.Payload) == 0 {
		return p, nil
	}
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

var _ domain.EventBus = (*Bus)(nil)
