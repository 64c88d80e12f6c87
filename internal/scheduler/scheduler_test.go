package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/disputeflow/core/internal/clock"
	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/storage"
	"github.com/disputeflow/core/internal/storage/memory"
	"github.com/disputeflow/core/internal/taskqueue"
)

var frozenNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) (storage.Gateway, *taskqueue.Queue, clock.Clock) {
	t.Helper()
	store := memory.New()
	clk := clock.NewFrozen(frozenNow, "UTC", nil)
	queue := taskqueue.New(store, nil, clk, nil, taskqueue.Config{})
	return store, queue, clk
}

func putSchedule(t *testing.T, gw storage.Gateway, sch domain.Schedule) domain.Schedule {
	t.Helper()
	var result domain.Schedule
	err := gw.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		put, err := tx.Schedules().Put(ctx, sch)
		result = put
		return nil, err
	})
	if err != nil {
		t.Fatalf("put schedule: %v", err)
	}
	return result
}

func getSchedule(t *testing.T, gw storage.Gateway, id string) domain.Schedule {
	t.Helper()
	var result domain.Schedule
	err := gw.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		found, err := tx.Schedules().Get(ctx, id)
		result = found
		return nil, err
	})
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	return result
}

func readyTaskCount(t *testing.T, gw storage.Gateway, asOf time.Time) int {
	t.Helper()
	var tasks []domain.Task
	err := gw.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		found, err := tx.Tasks().LeaseReady(ctx, asOf, 10)
		tasks = found
		return nil, err
	})
	if err != nil {
		t.Fatalf("list ready tasks: %v", err)
	}
	return len(tasks)
}

func TestTickFiresOneShotExactlyOnceAndDisables(t *testing.T) {
	gw, queue, clk := newHarness(t)
	s := New(gw, queue, clk, nil, time.Minute)

	sch := putSchedule(t, gw, domain.Schedule{
		TenantID:        "t1",
		Name:            "one-shot reminder",
		TaskType:        domain.TaskSendReminder,
		PayloadTemplate: `{"client_id":"c1"}`,
		Enabled:         true,
		NextFireAt:      frozenNow.Add(-time.Minute),
	})

	s.Tick(context.Background())

	if got := readyTaskCount(t, gw, frozenNow); got != 1 {
		t.Fatalf("expected exactly 1 task materialized, got %d", got)
	}

	after := getSchedule(t, gw, sch.ID)
	if after.Enabled {
		t.Fatal("expected one-shot schedule to be disabled after firing")
	}

	// A second tick must not re-enqueue: the schedule is disabled now, so it
	// is no longer due.
	s.Tick(context.Background())
	if got := readyTaskCount(t, gw, frozenNow); got != 1 {
		t.Fatalf("expected still exactly 1 task after second tick, got %d", got)
	}
}

func TestTickAdvancesCronScheduleToFutureFire(t *testing.T) {
	gw, queue, clk := newHarness(t)
	s := New(gw, queue, clk, nil, time.Minute)

	sch := putSchedule(t, gw, domain.Schedule{
		TenantID:        "t1",
		Name:            "daily tracking poll",
		CronExpression:  "0 9 * * *",
		TaskType:        domain.TaskPollTrackingSFTP,
		PayloadTemplate: `{}`,
		Enabled:         true,
		NextFireAt:      frozenNow.Add(-time.Minute),
	})

	s.Tick(context.Background())

	after := getSchedule(t, gw, sch.ID)
	if !after.Enabled {
		t.Fatal("expected cron schedule to remain enabled")
	}
	if !after.NextFireAt.After(frozenNow) {
		t.Fatalf("expected next fire to be computed strictly after now, got %v", after.NextFireAt)
	}
}
