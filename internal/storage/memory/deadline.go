package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/storage"
)

type deadlineRepo struct{ s *Store }

func (r deadlineRepo) Get(_ context.Context, id string) (domain.Deadline, error) {
	d, ok := r.s.deadlines[id]
	if !ok {
		return domain.Deadline{}, storage.ErrNotFound
	}
	return d, nil
}

func (r deadlineRepo) Put(_ context.Context, d domain.Deadline) (domain.Deadline, error) {
	existing, ok := r.s.deadlines[d.ID]
	if d.ID == "" {
		d.ID = uuid.NewString()
	} else if ok {
		if err := checkVersion(existing.Version, d.Version); err != nil {
			return domain.Deadline{}, err
		}
		d.CreatedAt = existing.CreatedAt
	} else {
		d.CreatedAt = time.Now().UTC()
	}
	d.UpdatedAt = time.Now().UTC()
	d.Version = existing.Version + 1
	r.s.deadlines[d.ID] = d
	return d, nil
}

// UnresolvedByParent enforces invariant "at most one unresolved Deadline of
// a given kind per parent" at the read side.
func (r deadlineRepo) UnresolvedByParent(_ context.Context, parentKind domain.ParentKind, parentID string, kind domain.DeadlineKind) (domain.Deadline, error) {
	for _, d := range r.s.deadlines {
		if d.ParentKind == parentKind && d.ParentID == parentID && d.Kind == kind && !d.IsResolved() {
			return d, nil
		}
	}
	return domain.Deadline{}, storage.ErrNotFound
}

func (r deadlineRepo) DueUnresolved(_ context.Context, asOf time.Time) ([]domain.Deadline, error) {
	var result []domain.Deadline
	for _, d := range r.s.deadlines {
		if !d.IsResolved() && !d.DueAt.After(asOf) {
			result = append(result, d)
		}
	}
	return result, nil
}
