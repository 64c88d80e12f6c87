// Package eventbus implements the in-process Event Bus: ordered, at-least-once
// delivery of committed domain events to interested engines. The Persistence
// Gateway hands committed events to Publish only after a transaction commits,
// so no event a subscriber sees was ever staged by a rolled-back write.
package eventbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	core "github.com/disputeflow/core/internal/core/service"
	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/system"
	"github.com/disputeflow/core/pkg/logger"
)

var _ system.Service = (*Bus)(nil)

// Handler reacts to one delivered domain event. A returned error is logged
// and does not stop delivery to the remaining handlers or events in a batch.
type Handler func(ctx context.Context, event domain.DomainEvent) error

// anyType subscribers receive every event regardless of its Type, used by
// cross-cutting consumers such as audit logging.
const anyType = "*"

type subscription struct {
	id      uint64
	name    string
	handler Handler
}

// Bus is the Event Bus. Publish enqueues a commit's events onto a single
// internal queue; one dispatch goroutine drains it in FIFO order, so delivery
// order matches commit order across the whole process regardless of how many
// goroutines call Publish concurrently.
type Bus struct {
	log            *logger.Logger
	handlerTimeout time.Duration
	hooks          core.ObservationHooks

	mu     sync.RWMutex
	subs   map[string][]subscription
	nextID uint64

	queue  chan []domain.DomainEvent
	cancel context.CancelFunc
	wg     sync.WaitGroup

	stateMu sync.Mutex
	running bool
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithHandlerTimeout bounds how long a single handler invocation may run
// before its context is cancelled. Default 10s.
func WithHandlerTimeout(d time.Duration) Option {
	return func(b *Bus) { b.handlerTimeout = d }
}

// WithQueueSize sets the buffered queue depth between Publish and the
// dispatch loop. Default 256.
func WithQueueSize(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.queue = make(chan []domain.DomainEvent, n)
		}
	}
}

// WithObservationHooks wires metrics/tracing hooks around each handler call.
func WithObservationHooks(hooks core.ObservationHooks) Option {
	return func(b *Bus) { b.hooks = hooks }
}

// New creates an Event Bus. Start must be called before Publish can deliver
// anything; events published before Start are queued and delivered once it
// runs, up to the queue's capacity.
func New(log *logger.Logger, opts ...Option) *Bus {
	if log == nil {
		log = logger.NewDefault("eventbus")
	}
	b := &Bus{
		log:            log,
		handlerTimeout: 10 * time.Second,
		hooks:          core.NoopObservationHooks,
		subs:           make(map[string][]subscription),
		queue:          make(chan []domain.DomainEvent, 256),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the service identifier.
func (b *Bus) Name() string { return "eventbus" }

// Descriptor advertises the bus's architectural placement.
func (b *Bus) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "eventbus",
		Domain:       "core",
		Layer:        core.LayerEngine,
		Capabilities: []string{"publish", "subscribe"},
	}
}

// Subscribe registers handler for events of the given type, in registration
// order, and returns a function that removes it. name is used only for logs.
func (b *Bus) Subscribe(eventType, name string, handler Handler) func() {
	return b.subscribe(eventType, name, handler)
}

// SubscribeAll registers handler for every event type.
func (b *Bus) SubscribeAll(name string, handler Handler) func() {
	return b.subscribe(anyType, name, handler)
}

func (b *Bus) subscribe(eventType, name string, handler Handler) func() {
	b.mu.Lock()
	b.nextID++
	sub := subscription{id: b.nextID, name: name, handler: handler}
	b.subs[eventType] = append(b.subs[eventType], sub)
	b.mu.Unlock()

	removed := false
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if removed {
			return
		}
		removed = true
		list := b.subs[eventType]
		for i, s := range list {
			if s.id == sub.id {
				b.subs[eventType] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
}

// Start runs the dispatch loop. Safe to call once per Bus lifetime per Stop.
func (b *Bus) Start(ctx context.Context) error {
	b.stateMu.Lock()
	if b.running {
		b.stateMu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.running = true
	b.stateMu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case <-runCtx.Done():
				return
			case batch := <-b.queue:
				b.dispatch(runCtx, batch)
			}
		}
	}()

	b.log.Info("eventbus started")
	return nil
}

// Stop halts the dispatch loop, waiting for the in-flight batch to finish.
func (b *Bus) Stop(ctx context.Context) error {
	b.stateMu.Lock()
	if !b.running {
		b.stateMu.Unlock()
		return nil
	}
	cancel := b.cancel
	b.running = false
	b.cancel = nil
	b.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		b.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	b.log.Info("eventbus stopped")
	return nil
}

// Publish enqueues a transaction's committed events for delivery, preserving
// their staged order. It blocks only if the internal queue is full, up to
// ctx's deadline.
func (b *Bus) Publish(ctx context.Context, events []domain.DomainEvent) error {
	if len(events) == 0 {
		return nil
	}
	select {
	case b.queue <- events:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("eventbus: publish blocked: %w", ctx.Err())
	}
}

func (b *Bus) dispatch(ctx context.Context, events []domain.DomainEvent) {
	for _, ev := range events {
		b.deliver(ctx, ev)
	}
}

func (b *Bus) deliver(ctx context.Context, ev domain.DomainEvent) {
	b.mu.RLock()
	subs := make([]subscription, 0, len(b.subs[ev.Type])+len(b.subs[anyType]))
	subs = append(subs, b.subs[ev.Type]...)
	subs = append(subs, b.subs[anyType]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		b.invoke(ctx, sub, ev)
	}
}

func (b *Bus) invoke(ctx context.Context, sub subscription, ev domain.DomainEvent) {
	handlerCtx, cancel := context.WithTimeout(ctx, b.handlerTimeout)
	defer cancel()

	meta := map[string]string{
		"subscriber":     sub.name,
		"event_type":     ev.Type,
		"aggregate_id":   ev.AggregateID,
		"aggregate_type": string(ev.AggregateType),
	}
	finish := core.StartObservation(handlerCtx, b.hooks, meta)
	err := sub.handler(handlerCtx, ev)
	finish(err)

	if err != nil {
		b.log.WithField("subscriber", sub.name).
			WithField("event_type", ev.Type).
			WithField("aggregate_id", ev.AggregateID).
			WithError(err).
			Warn("eventbus handler failed")
	}
}
