package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/storage"
)

type disputeItemRepo struct{ s *Store }

func (r disputeItemRepo) Get(_ context.Context, id string) (domain.DisputeItem, error) {
	d, ok := r.s.disputeItems[id]
	if !ok {
		return domain.DisputeItem{}, storage.ErrNotFound
	}
	return d, nil
}

func (r disputeItemRepo) Put(_ context.Context, d domain.DisputeItem) (domain.DisputeItem, error) {
	existing, ok := r.s.disputeItems[d.ID]
	if d.ID == "" {
		d.ID = uuid.NewString()
	} else if ok {
		if err := checkVersion(existing.Version, d.Version); err != nil {
			return domain.DisputeItem{}, err
		}
		d.CreatedAt = existing.CreatedAt
	} else {
		d.CreatedAt = time.Now().UTC()
	}
	d.UpdatedAt = time.Now().UTC()
	d.Version = existing.Version + 1
	r.s.disputeItems[d.ID] = d
	return d, nil
}

func (r disputeItemRepo) ListByClient(_ context.Context, clientID string) ([]domain.DisputeItem, error) {
	var result []domain.DisputeItem
	for _, d := range r.s.disputeItems {
		if d.ClientID == clientID {
			result = append(result, d)
		}
	}
	return result, nil
}
