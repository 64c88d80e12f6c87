package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/storage"
)

type taskRepo struct{ s *Store }

func (r taskRepo) Get(_ context.Context, id string) (domain.Task, error) {
	t, ok := r.s.tasks[id]
	if !ok {
		return domain.Task{}, storage.ErrNotFound
	}
	return t, nil
}

func (r taskRepo) Put(_ context.Context, t domain.Task) (domain.Task, error) {
	existing, ok := r.s.tasks[t.ID]
	if t.ID == "" {
		t.ID = uuid.NewString()
	} else if ok {
		if err := checkVersion(existing.Version, t.Version); err != nil {
			return domain.Task{}, err
		}
		t.CreatedAt = existing.CreatedAt
	} else {
		t.CreatedAt = time.Now().UTC()
	}
	t.UpdatedAt = time.Now().UTC()
	t.Version = existing.Version + 1
	r.s.tasks[t.ID] = t
	return t, nil
}

// ByIdempotencyKey backs Enqueue's "calling again with the same (type, key)
// returns the existing id" contract.
func (r taskRepo) ByIdempotencyKey(_ context.Context, taskType domain.TaskType, key string) (domain.Task, error) {
	for _, t := range r.s.tasks {
		if t.Type == taskType && t.IdempotencyKey == key {
			return t, nil
		}
	}
	return domain.Task{}, storage.ErrNotFound
}

// LeaseReady returns up to limit tasks that are ready to run: those in state
// ready with RunAt <= asOf, plus any previously leased task whose lease has
// expired without an Ack/Fail, oldest first, the shape a worker pool's poll
// loop consumes.
func (r taskRepo) LeaseReady(_ context.Context, asOf time.Time, limit int) ([]domain.Task, error) {
	var result []domain.Task
	for _, t := range r.s.tasks {
		switch {
		case t.State == domain.TaskReady && !t.RunAt.After(asOf):
			result = append(result, t)
		case t.State == domain.TaskRunning && !t.LeaseExpiresAt.IsZero() && t.LeaseExpiresAt.Before(asOf):
			result = append(result, t)
		}
	}
	sortTasksByRunAt(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func sortTasksByRunAt(tasks []domain.Task) {
	for i := 1; i < len(tasks); i++ {
		for j := i; j > 0 && tasks[j].RunAt.Before(tasks[j-1].RunAt); j-- {
			tasks[j], tasks[j-1] = tasks[j-1], tasks[j]
		}
	}
}
