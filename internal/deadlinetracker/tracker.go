// Package deadlinetracker implements the Deadline & SLA Tracker: creates
// Deadline rows in response to domain events, polls for due-and-unresolved
// entries, and fires them exactly once as deadline.fired events. It is the
// sole writer of Deadline.
package deadlinetracker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/disputeflow/core/internal/clock"
	core "github.com/disputeflow/core/internal/core/service"
	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/eventbus"
	"github.com/disputeflow/core/internal/storage"
	"github.com/disputeflow/core/internal/system"
	"github.com/disputeflow/core/internal/taskqueue"
	"github.com/disputeflow/core/pkg/logger"
)

var _ system.Service = (*Tracker)(nil)

// croaHoldBusinessDays is the CROA 3-business-day cancellation period that
// must elapse, unconditionally, before any letter may be sent.
const croaHoldBusinessDays = 3

// roundResponseCalendarDays is the FCRA §611 30-day response window.
const roundResponseCalendarDays = 30

// overdueEscalationBusinessDays is the mail-provider/statutory SLA beyond
// which a round auto-escalates without a response.
const overdueEscalationBusinessDays = 35

// reinsertionNoticeBusinessDays is the window to send a §611(a)(5)(B)
// reinsertion notice after a reinsertion is detected.
const reinsertionNoticeBusinessDays = 5

// Tracker creates, polls, and fires Deadlines.
type Tracker struct {
	gateway storage.Gateway
	queue   *taskqueue.Queue
	clk     clock.Clock
	log     *logger.Logger

	interval time.Duration
	hooks    core.ObservationHooks

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New constructs a Tracker. The poll interval defaults to one minute, per
// spec.md §4.7's "the Scheduler polls the Deadline table each minute".
func New(gateway storage.Gateway, queue *taskqueue.Queue, clk clock.Clock, log *logger.Logger, interval time.Duration) *Tracker {
	if log == nil {
		log = logger.NewDefault("deadlinetracker")
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Tracker{gateway: gateway, queue: queue, clk: clk, log: log, interval: interval, hooks: core.NoopObservationHooks}
}

// WithObservationHooks wires metrics/tracing hooks around each fired entry.
func (t *Tracker) WithObservationHooks(hooks core.ObservationHooks) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks = hooks
}

func (t *Tracker) Name() string { return "deadlinetracker" }

func (t *Tracker) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "deadlinetracker",
		Domain:       "deadlinetracker",
		Layer:        core.LayerEngine,
		Capabilities: []string{"create_deadline", "poll", "fire"},
	}
}

// Subscribe wires the creation-side event handlers onto bus.
func (t *Tracker) Subscribe(bus *eventbus.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(domain.EventCROASigned, "deadlinetracker", t.onCROASigned),
		bus.Subscribe(domain.EventLetterDelivered, "deadlinetracker", t.onLetterDelivered),
		bus.Subscribe(domain.EventResponseReceived, "deadlinetracker", t.onResponseReceived),
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

// Start begins the background due-deadline poll loop.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.running = true
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				t.Poll(runCtx)
			}
		}
	}()

	t.log.Info("deadline tracker started")
	return nil
}

// Stop halts the poll loop, waiting for the in-flight poll to finish.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	cancel := t.cancel
	t.running = false
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	t.log.Info("deadline tracker stopped")
	return nil
}

// Poll enqueues a fire_deadline Task for every due, unresolved Deadline.
// Exported so a one-shot invocation does not need the poll loop.
func (t *Tracker) Poll(ctx context.Context) {
	now := t.clk.Now()

	var due []domain.Deadline
	err := t.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		found, err := tx.Deadlines().DueUnresolved(ctx, now)
		due = found
		return nil, err
	})
	if err != nil {
		t.log.WithError(err).Warn("deadline tracker poll: list due deadlines failed")
		return
	}

	for _, d := range due {
		finish := core.StartObservation(ctx, t.hooks, map[string]string{"deadline_id": d.ID, "kind": string(d.Kind)})
		key := fmt.Sprintf("fire_deadline:%s", d.ID)
		_, err := t.queue.Enqueue(ctx, d.TenantID, domain.TaskFireDeadline, map[string]string{"deadline_id": d.ID}, now, key, 0)
		finish(err)
		if err != nil {
			t.log.WithField("deadline_id", d.ID).WithError(err).Warn("deadline tracker: enqueue fire_deadline failed")
		}
	}
}

// HandleFireDeadline is the taskqueue.TaskHandler for domain.TaskFireDeadline.
// It marks the Deadline resolved and emits deadline.fired(kind,parent)
// exactly once: a Deadline already resolved by a prior, possibly retried,
// delivery is a no-op.
func (t *Tracker) HandleFireDeadline(ctx context.Context, task domain.Task) error {
	var payload struct {
		DeadlineID string `json:"deadline_id"`
	}
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("decode fire_deadline payload: %w", err)
	}

	return t.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		d, err := tx.Deadlines().Get(ctx, payload.DeadlineID)
		if err != nil {
			return nil, err
		}
		if d.IsResolved() {
			return nil, nil
		}
		now := t.clk.Now()
		d.FiredAt = &now
		d.ResolvedAt = &now
		if _, err := tx.Deadlines().Put(ctx, d); err != nil {
			return nil, err
		}

		firedPayload, err := json.Marshal(deadlineFiredEvent{
			Kind:       d.Kind,
			ParentKind: d.ParentKind,
			ParentID:   d.ParentID,
		})
		if err != nil {
			return nil, fmt.Errorf("encode deadline.fired payload: %w", err)
		}

		return []domain.DomainEvent{{
			TenantID:      d.TenantID,
			AggregateType: parentAggregateType(d.ParentKind),
			AggregateID:   d.ParentID,
			Type:          domain.EventDeadlineFired,
			Payload:       firedPayload,
		}}, nil
	})
}

// deadlineFiredEvent is the deadline.fired payload shape. The Dispute Round
// State Machine's onDeadlineFired decodes exactly this shape.
type deadlineFiredEvent struct {
	Kind       domain.DeadlineKind `json:"kind"`
	ParentKind domain.ParentKind   `json:"parent_kind"`
	ParentID   string              `json:"parent_id"`
}

func parentAggregateType(k domain.ParentKind) domain.AggregateType {
	switch k {
	case domain.ParentClient:
		return domain.AggregateClient
	case domain.ParentDisputeItem:
		return domain.AggregateDisputeItem
	case domain.ParentLetter:
		return domain.AggregateLetter
	default:
		return domain.AggregateType(k)
	}
}
