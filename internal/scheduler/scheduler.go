// Package scheduler implements the Scheduler: cron and one-shot timers that
// materialize Task Queue entries, tolerant to process restart.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/disputeflow/core/internal/clock"
	core "github.com/disputeflow/core/internal/core/service"
	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/storage"
	"github.com/disputeflow/core/internal/system"
	"github.com/disputeflow/core/internal/taskqueue"
	"github.com/disputeflow/core/pkg/logger"
)

var _ system.Service = (*Scheduler)(nil)

// Scheduler polls Schedule rows due to fire and materializes them into Task
// Queue entries, one per fire timestamp. It is restart-safe: the next fire
// time is computed purely from wall time and the stored NextFireAt, so a
// process restart never loses or duplicates a schedule's next occurrence.
type Scheduler struct {
	gateway  storage.Gateway
	queue    *taskqueue.Queue
	clk      clock.Clock
	log      *logger.Logger
	interval time.Duration
	hooks    core.ObservationHooks

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

// New creates a lifecycle-managed Scheduler. interval governs how often the
// poll loop checks for due schedules; a default of 10s keeps drift well
// under the minute-level granularity cron expressions operate at.
func New(gateway storage.Gateway, queue *taskqueue.Queue, clk clock.Clock, log *logger.Logger, interval time.Duration) *Scheduler {
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Scheduler{
		gateway:  gateway,
		queue:    queue,
		clk:      clk,
		log:      log,
		interval: interval,
		hooks:    core.NoopObservationHooks,
	}
}

// WithObservationHooks wires metrics/tracing hooks around each fired entry.
func (s *Scheduler) WithObservationHooks(hooks core.ObservationHooks) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = hooks
}

// Name returns the service identifier.
func (s *Scheduler) Name() string { return "scheduler" }

// Descriptor advertises the scheduler's architectural placement.
func (s *Scheduler) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "scheduler",
		Domain:       "scheduler",
		Layer:        core.LayerEngine,
		Capabilities: []string{"cron", "one_shot", "enqueue"},
	}
}

// Start begins the background polling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.Tick(runCtx)
			}
		}
	}()

	s.log.Info("scheduler started")
	return nil
}

// Stop halts the polling loop, waiting for the in-flight tick to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.log.Info("scheduler stopped")
	return nil
}

// Tick materializes every due schedule into exactly one Task, then advances
// each schedule's NextFireAt. Exported so a one-shot invocation (e.g. from a
// command-line "run due schedules now" tool) does not need the poll loop.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clk.Now()

	var due []domain.Schedule
	err := s.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		found, err := tx.Schedules().DueForFiring(ctx, now)
		due = found
		return nil, err
	})
	if err != nil {
		s.log.WithError(err).Warn("scheduler tick: list due schedules failed")
		return
	}

	var wg sync.WaitGroup
	for _, sch := range due {
		wg.Add(1)
		go func(sch domain.Schedule) {
			defer wg.Done()
			s.fire(ctx, sch, now)
		}(sch)
	}
	wg.Wait()
}

func (s *Scheduler) fire(ctx context.Context, sch domain.Schedule, now time.Time) {
	meta := map[string]string{"schedule_id": sch.ID, "tenant_id": sch.TenantID}
	finish := core.StartObservation(ctx, s.hooks, meta)
	err := s.fireOnce(ctx, sch, now)
	finish(err)
	if err != nil {
		s.log.WithField("schedule_id", sch.ID).WithError(err).Warn("scheduler fire failed")
	}
}

func (s *Scheduler) fireOnce(ctx context.Context, sch domain.Schedule, now time.Time) error {
	fireTS := sch.NextFireAt
	idempotencyKey := fmt.Sprintf("schedule:%s:%d", sch.ID, fireTS.Unix())

	payload := json.RawMessage(sch.PayloadTemplate)
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	if _, err := s.queue.Enqueue(ctx, sch.TenantID, sch.TaskType, payload, fireTS, idempotencyKey, 0); err != nil {
		return fmt.Errorf("materialize schedule task: %w", err)
	}

	return s.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		current, err := tx.Schedules().Get(ctx, sch.ID)
		if err != nil {
			return nil, err
		}
		// Already advanced past this fire timestamp by a concurrent tick or
		// a prior crashed attempt that completed the Enqueue; nothing to do.
		if current.NextFireAt.After(fireTS) || !current.Enabled {
			return nil, nil
		}

		if current.IsOneShot() {
			current.Enabled = false
		} else {
			next, err := nextCronFire(current.CronExpression, now)
			if err != nil {
				return nil, fmt.Errorf("parse cron expression %q: %w", current.CronExpression, err)
			}
			current.NextFireAt = next
		}

		_, err = tx.Schedules().Put(ctx, current)
		return nil, err
	})
}

// nextCronFire returns the next occurrence strictly after now, so a process
// that was down through several missed windows only ever schedules one
// catch-up task: the skipped windows are never individually materialized.
func nextCronFire(expr string, now time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(now), nil
}
