package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/storage"
)

type triggerRepo struct{ s *Store }

func (r triggerRepo) Get(_ context.Context, id string) (domain.WorkflowTrigger, error) {
	t, ok := r.s.triggers[id]
	if !ok {
		return domain.WorkflowTrigger{}, storage.ErrNotFound
	}
	return t, nil
}

func (r triggerRepo) Put(_ context.Context, t domain.WorkflowTrigger) (domain.WorkflowTrigger, error) {
	existing, ok := r.s.triggers[t.ID]
	if t.ID == "" {
		t.ID = uuid.NewString()
	} else if ok {
		if err := checkVersion(existing.Version, t.Version); err != nil {
			return domain.WorkflowTrigger{}, err
		}
		t.CreatedAt = existing.CreatedAt
	} else {
		t.CreatedAt = time.Now().UTC()
	}
	t.UpdatedAt = time.Now().UTC()
	t.Version = existing.Version + 1
	r.s.triggers[t.ID] = t
	return t, nil
}

// EnabledForEvent returns enabled triggers matching eventType, in priority
// order (highest first), per the Workflow Trigger Engine's evaluation order.
func (r triggerRepo) EnabledForEvent(_ context.Context, tenantID, eventType string) ([]domain.WorkflowTrigger, error) {
	var result []domain.WorkflowTrigger
	for _, t := range r.s.triggers {
		if t.Enabled && t.EventType == eventType && (tenantID == "" || t.TenantID == tenantID) {
			result = append(result, t)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Priority > result[j].Priority })
	return result, nil
}
