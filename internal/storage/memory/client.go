package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/storage"
)

type clientRepo struct{ s *Store }

func (r clientRepo) Get(_ context.Context, id string) (domain.Client, error) {
	c, ok := r.s.clients[id]
	if !ok {
		return domain.Client{}, storage.ErrNotFound
	}
	return c, nil
}

func (r clientRepo) Put(_ context.Context, c domain.Client) (domain.Client, error) {
	existing, ok := r.s.clients[c.ID]
	if c.ID == "" {
		c.ID = uuid.NewString()
	} else if ok {
		if err := checkVersion(existing.Version, c.Version); err != nil {
			return domain.Client{}, err
		}
		c.CreatedAt = existing.CreatedAt
	} else {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = time.Now().UTC()
	c.Version = existing.Version + 1
	r.s.clients[c.ID] = c
	return c, nil
}

func (r clientRepo) ListByTenant(_ context.Context, tenantID string) ([]domain.Client, error) {
	var result []domain.Client
	for _, c := range r.s.clients {
		if c.TenantID == tenantID {
			result = append(result, c)
		}
	}
	return result, nil
}
