// Package bus implements the in-process typed event bus. Every
// state-changing operation publishes here; the durable sink persists each
// event to the store, and live consumers (SSE, WebSocket, NATS bridge)
// subscribe behind it.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/devgodzilla/devgodzilla/internal/domain/event"
)

// Handler processes one published event. Handlers must not retain the
// pointer past the call. Panics are recovered and logged; they never reach
// the publisher.
type Handler func(ctx context.Context, ev *event.Event)

// Bus fans events out to subscribers. Synchronous publication dispatches on
// the caller's goroutine; asynchronous publication preserves the same
// per-publisher ordering by draining a single queue.
type Bus struct {
	mu       sync.RWMutex
	byType   map[event.Type][]Handler
	catchAll []Handler

	queue chan queued
	wg    sync.WaitGroup

	closeOnce sync.Once
}

type queued struct {
	ctx context.Context
	ev  *event.Event
}

// New creates a Bus with an async queue of the given capacity.
func New(queueSize int) *Bus {
	if queueSize < 1 {
		queueSize = 1024
	}
	b := &Bus{
		byType: make(map[event.Type][]Handler),
		queue:  make(chan queued, queueSize),
	}
	b.wg.Add(1)
	go b.drain()
	return b
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t event.Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byType[t] = append(b.byType[t], h)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.catchAll = append(b.catchAll, h)
}

// Publish dispatches ev to all matching handlers on the caller's goroutine,
// in subscription order, catch-all handlers first.
func (b *Bus) Publish(ctx context.Context, ev *event.Event) {
	if ev == nil {
		return
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	b.dispatch(ctx, ev)
}

// PublishAsync enqueues ev for dispatch off the caller's goroutine. Ordering
// across PublishAsync calls is preserved. The event outlives the caller's
// request, so cancellation of ctx does not cancel delivery.
func (b *Bus) PublishAsync(ctx context.Context, ev *event.Event) {
	if ev == nil {
		return
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	b.queue <- queued{ctx: context.WithoutCancel(ctx), ev: ev}
}

// drain is the single async dispatch worker; one goroutine keeps queue order
// identical to publication order.
func (b *Bus) drain() {
	defer b.wg.Done()
	for q := range b.queue {
		b.dispatch(q.ctx, q.ev)
	}
}

func (b *Bus) dispatch(ctx context.Context, ev *event.Event) {
	b.mu.RLock()
	all := make([]Handler, 0, len(b.catchAll)+len(b.byType[ev.Type]))
	all = append(all, b.catchAll...)
	all = append(all, b.byType[ev.Type]...)
	b.mu.RUnlock()

	for _, h := range all {
		b.safeCall(ctx, h, ev)
	}
}

func (b *Bus) safeCall(ctx context.Context, h Handler, ev *event.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked", "event_type", ev.Type, "panic", r)
		}
	}()
	h(ctx, ev)
}

// Close stops the async worker after draining queued events. Publish after
// Close panics; callers stop publishing before shutdown.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.queue)
		b.wg.Wait()
	})
}
