package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/storage"
)

type tenantRepo struct{ s *Store }

func (r tenantRepo) Get(_ context.Context, id string) (domain.Tenant, error) {
	t, ok := r.s.tenants[id]
	if !ok {
		return domain.Tenant{}, storage.ErrNotFound
	}
	return t, nil
}

func (r tenantRepo) Put(_ context.Context, t domain.Tenant) (domain.Tenant, error) {
	existing, ok := r.s.tenants[t.ID]
	if t.ID == "" {
		t.ID = uuid.NewString()
	} else if ok {
		if err := checkVersion(existing.Version, t.Version); err != nil {
			return domain.Tenant{}, err
		}
		t.CreatedAt = existing.CreatedAt
	} else {
		t.CreatedAt = time.Now().UTC()
	}
	t.UpdatedAt = time.Now().UTC()
	t.Version = existing.Version + 1
	r.s.tenants[t.ID] = t
	return t, nil
}
