package memory

import (
	"context"
	"testing"

	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/storage"
)

func TestPutDetectsVersionConflict(t *testing.T) {
	s := New()
	ctx := context.Background()

	var created domain.Client
	err := s.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		c, err := tx.Clients().Put(ctx, domain.Client{TenantID: "t1", Stage: domain.StageLead})
		created = c
		return nil, err
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// A write carrying a stale version must be rejected.
	stale := created
	stale.Version = created.Version - 1
	err = s.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		_, err := tx.Clients().Put(ctx, stale)
		return nil, err
	})
	if err != storage.ErrConflict {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	// A write carrying the current version succeeds.
	fresh := created
	fresh.Stage = domain.StageActive
	err = s.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		_, err := tx.Clients().Put(ctx, fresh)
		return nil, err
	})
	if err != nil {
		t.Fatalf("update with correct version: %v", err)
	}
}

func TestEnqueueIdempotencyKeyReturnsExistingTask(t *testing.T) {
	s := New()
	ctx := context.Background()

	var first domain.Task
	err := s.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		existing, err := tx.Tasks().ByIdempotencyKey(ctx, domain.TaskSendEmail, "key-1")
		if err == storage.ErrNotFound {
			first, err = tx.Tasks().Put(ctx, domain.Task{
				Type:           domain.TaskSendEmail,
				IdempotencyKey: "key-1",
				State:          domain.TaskReady,
				MaxAttempts:    domain.DefaultMaxAttempts,
			})
			return nil, err
		}
		first = existing
		return nil, err
	})
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}

	var second domain.Task
	err = s.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		existing, err := tx.Tasks().ByIdempotencyKey(ctx, domain.TaskSendEmail, "key-1")
		if err != nil {
			return nil, err
		}
		second = existing
		return nil, nil
	})
	if err != nil {
		t.Fatalf("second lookup: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected idempotent enqueue to reuse id %s, got %s", first.ID, second.ID)
	}
}

func TestEventSequenceIsDenseAndOrdered(t *testing.T) {
	s := New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := s.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
			return []domain.DomainEvent{{AggregateID: "agg-1", Type: "test.event"}}, nil
		})
		if err != nil {
			t.Fatalf("RunInTx: %v", err)
		}
	}

	events, err := s.EventsSince(ctx, "agg-1", 0)
	if err != nil {
		t.Fatalf("EventsSince: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.Sequence != int64(i+1) {
			t.Fatalf("expected dense sequence starting at 1, got %v", ev.Sequence)
		}
	}
}
