// Package taskqueue implements the Task Queue: a durable, at-least-once
// async job runner with typed payloads, an attempt counter, and exponential
// backoff with jitter. It is the only component that drives External
// Adapters; every side effect reaches the outside world through a Task so it
// completes exactly-once observably via the task's idempotency key.
package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/disputeflow/core/internal/clock"
	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/eventbus"
	"github.com/disputeflow/core/internal/storage"
	"github.com/disputeflow/core/pkg/logger"
)

// jitterFraction is the ±25% backoff jitter spec.md's failure policy names.
const jitterFraction = 0.25

// Queue is the Task Queue. It is stateless beyond its dependencies: all
// durable state lives behind the Gateway.
type Queue struct {
	gateway storage.Gateway
	bus     *eventbus.Bus
	clk     clock.Clock
	log     *logger.Logger

	backoffBase time.Duration
	backoffCap  time.Duration

	mu        sync.Mutex
	tenantSem map[string]chan struct{}
	maxPerTenant int

	cancelled sync.Map // taskID -> struct{}
}

// Config governs backoff and per-tenant concurrency.
type Config struct {
	BackoffBase          time.Duration
	BackoffCap           time.Duration
	TenantMaxConcurrency int
}

// New constructs a Task Queue bound to gateway for storage, bus for
// task.dead notifications, and clk for run-at/lease-expiry arithmetic.
func New(gateway storage.Gateway, bus *eventbus.Bus, clk clock.Clock, log *logger.Logger, cfg Config) *Queue {
	if log == nil {
		log = logger.NewDefault("taskqueue")
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 30 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = time.Hour
	}
	if cfg.TenantMaxConcurrency <= 0 {
		cfg.TenantMaxConcurrency = 8
	}
	return &Queue{
		gateway:      gateway,
		bus:          bus,
		clk:          clk,
		log:          log,
		backoffBase:  cfg.BackoffBase,
		backoffCap:   cfg.BackoffCap,
		tenantSem:    make(map[string]chan struct{}),
		maxPerTenant: cfg.TenantMaxConcurrency,
	}
}

// runAndPublish runs fn inside a Gateway transaction and, only once it has
// committed, hands the events it staged to the Event Bus — mirroring the
// Persistence Gateway's "no event is delivered unless its transaction
// committed" guarantee at this component's call sites.
func (q *Queue) runAndPublish(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error)) error {
	var events []domain.DomainEvent
	err := q.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		staged, err := fn(ctx, tx)
		events = staged
		return staged, err
	})
	if err != nil {
		return err
	}
	if q.bus != nil && len(events) > 0 {
		if pubErr := q.bus.Publish(ctx, events); pubErr != nil {
			q.log.WithError(pubErr).Warn("taskqueue: publish to event bus failed")
		}
	}
	return nil
}

// Enqueue stages a task. A second call with the same (type, idempotencyKey)
// returns the already-enqueued task unchanged rather than creating a
// duplicate, satisfying the Task Queue's idempotency contract.
func (q *Queue) Enqueue(ctx context.Context, tenantID string, taskType domain.TaskType, payload any, runAt time.Time, idempotencyKey string, maxAttempts int) (domain.Task, error) {
	if !domain.ValidTaskTypes[taskType] {
		return domain.Task{}, fmt.Errorf("taskqueue: unknown task type %q", taskType)
	}
	if idempotencyKey == "" {
		return domain.Task{}, fmt.Errorf("taskqueue: idempotency key required")
	}
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.Task{}, fmt.Errorf("taskqueue: marshal payload: %w", err)
	}

	var result domain.Task
	err = q.runAndPublish(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		if existing, err := tx.Tasks().ByIdempotencyKey(ctx, taskType, idempotencyKey); err == nil {
			result = existing
			return nil, nil
		} else if err != storage.ErrNotFound {
			return nil, err
		}

		t := domain.Task{
			TenantID:       tenantID,
			Type:           taskType,
			Payload:        raw,
			RunAt:          runAt,
			MaxAttempts:    maxAttempts,
			State:          domain.TaskReady,
			IdempotencyKey: idempotencyKey,
		}
		created, err := tx.Tasks().Put(ctx, t)
		if err != nil {
			return nil, err
		}
		result = created
		return []domain.DomainEvent{{
			TenantID:      tenantID,
			AggregateType: domain.AggregateTask,
			AggregateID:   created.ID,
			Type:          "task.enqueued",
			Payload:       raw,
		}}, nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	return result, nil
}

// Lease leases up to limit ready (or lease-expired) tasks to workerID for
// ttl. A leased task's lease re-expires into ready automatically if it is
// never Acked or Failed, so a crashed worker never strands a task forever.
func (q *Queue) Lease(ctx context.Context, workerID string, ttl time.Duration, limit int) ([]domain.Task, error) {
	var leased []domain.Task
	now := q.clk.Now()
	leaseExpiresAt := now.Add(ttl)

	err := q.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		candidates, err := tx.Tasks().LeaseReady(ctx, now, limit)
		if err != nil {
			return nil, err
		}
		for _, t := range candidates {
			t.State = domain.TaskRunning
			t.LeasedBy = workerID
			t.LeaseExpiresAt = leaseExpiresAt
			updated, err := tx.Tasks().Put(ctx, t)
			if err != nil {
				if err == storage.ErrConflict {
					// Another worker leased it first under SKIP LOCKED race;
					// skip rather than fail the whole batch.
					continue
				}
				return nil, err
			}
			leased = append(leased, updated)
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

// Ack marks a leased task succeeded.
func (q *Queue) Ack(ctx context.Context, taskID string) error {
	return q.runAndPublish(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		t, err := tx.Tasks().Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		t.State = domain.TaskSucceeded
		t.LastError = ""
		if _, err := tx.Tasks().Put(ctx, t); err != nil {
			return nil, err
		}
		q.cancelled.Delete(taskID)
		return []domain.DomainEvent{{
			TenantID:      t.TenantID,
			AggregateType: domain.AggregateTask,
			AggregateID:   t.ID,
			Type:          "task.succeeded",
		}}, nil
	})
}

// Fail records a failed attempt. Below MaxAttempts it reschedules the task
// with exponential backoff (base/cap configured) plus ±25% jitter; at
// MaxAttempts it marks the task dead and emits task.dead.
func (q *Queue) Fail(ctx context.Context, taskID string, cause error) (domain.Task, error) {
	var result domain.Task
	err := q.runAndPublish(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		t, err := tx.Tasks().Get(ctx, taskID)
		if err != nil {
			return nil, err
		}
		t.Attempt++
		if cause != nil {
			t.LastError = cause.Error()
		}

		var events []domain.DomainEvent
		if t.Attempt >= t.MaxAttempts {
			t.State = domain.TaskDead
			events = append(events, domain.DomainEvent{
				TenantID:      t.TenantID,
				AggregateType: domain.AggregateTask,
				AggregateID:   t.ID,
				Type:          "task.dead",
			})
		} else {
			t.State = domain.TaskReady
			t.RunAt = q.clk.Now().Add(q.backoffDelay(t.Attempt))
			t.LeasedBy = ""
			t.LeaseExpiresAt = time.Time{}
		}

		updated, err := tx.Tasks().Put(ctx, t)
		if err != nil {
			return nil, err
		}
		result = updated
		q.cancelled.Delete(taskID)
		return events, nil
	})
	if err != nil {
		return domain.Task{}, err
	}
	return result, nil
}

// backoffDelay computes the exponential backoff for the given attempt
// number, clamped to backoffCap, with ±25% jitter applied.
func (q *Queue) backoffDelay(attempt int) time.Duration {
	delay := q.backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > q.backoffCap {
			delay = q.backoffCap
			break
		}
	}
	jitter := 1 + (rand.Float64()*2-1)*jitterFraction
	jittered := time.Duration(float64(delay) * jitter)
	if jittered < 0 {
		jittered = 0
	}
	return jittered
}

// RequestCancel marks taskID for cooperative cancellation. A running task
// observes this only if it calls ShouldCancel at a suspension point;
// cancellation is best-effort, matching spec.md's cancellation contract.
func (q *Queue) RequestCancel(taskID string) {
	q.cancelled.Store(taskID, struct{}{})
}

// ShouldCancel reports whether taskID has a pending cancellation request.
func (q *Queue) ShouldCancel(taskID string) bool {
	_, ok := q.cancelled.Load(taskID)
	return ok
}

// AcquireTenantSlot blocks until a concurrency slot for tenantID is free (or
// ctx is done), enforcing CORE_TENANT_MAX_CONCURRENCY per SPEC_FULL.md's
// concurrency model. The returned release func must be called exactly once.
func (q *Queue) AcquireTenantSlot(ctx context.Context, tenantID string) (release func(), err error) {
	sem := q.tenantSemaphore(tenantID)
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *Queue) tenantSemaphore(tenantID string) chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	sem, ok := q.tenantSem[tenantID]
	if !ok {
		sem = make(chan struct{}, q.maxPerTenant)
		q.tenantSem[tenantID] = sem
	}
	return sem
}
