package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/storage"
)

type scheduleRepo struct{ s *Store }

func (r scheduleRepo) Get(_ context.Context, id string) (domain.Schedule, error) {
	sch, ok := r.s.schedules[id]
	if !ok {
		return domain.Schedule{}, storage.ErrNotFound
	}
	return sch, nil
}

func (r scheduleRepo) Put(_ context.Context, sch domain.Schedule) (domain.Schedule, error) {
	existing, ok := r.s.schedules[sch.ID]
	if sch.ID == "" {
		sch.ID = uuid.NewString()
	} else if ok {
		if err := checkVersion(existing.Version, sch.Version); err != nil {
			return domain.Schedule{}, err
		}
		sch.CreatedAt = existing.CreatedAt
	} else {
		sch.CreatedAt = time.Now().UTC()
	}
	sch.UpdatedAt = time.Now().UTC()
	sch.Version = existing.Version + 1
	r.s.schedules[sch.ID] = sch
	return sch, nil
}

func (r scheduleRepo) DueForFiring(_ context.Context, asOf time.Time) ([]domain.Schedule, error) {
	var result []domain.Schedule
	for _, sch := range r.s.schedules {
		if sch.Enabled && !sch.NextFireAt.IsZero() && !sch.NextFireAt.After(asOf) {
			result = append(result, sch)
		}
	}
	return result, nil
}

func (r scheduleRepo) ListEnabled(_ context.Context, tenantID string) ([]domain.Schedule, error) {
	var result []domain.Schedule
	for _, sch := range r.s.schedules {
		if sch.Enabled && (tenantID == "" || sch.TenantID == tenantID) {
			result = append(result, sch)
		}
	}
	return result, nil
}
