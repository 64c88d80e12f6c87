package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/storage"
)

type letterRepo struct{ s *Store }

func (r letterRepo) Get(_ context.Context, id string) (domain.Letter, error) {
	l, ok := r.s.letters[id]
	if !ok {
		return domain.Letter{}, storage.ErrNotFound
	}
	return l, nil
}

func (r letterRepo) Put(_ context.Context, l domain.Letter) (domain.Letter, error) {
	existing, ok := r.s.letters[l.ID]
	if l.ID == "" {
		l.ID = uuid.NewString()
	} else if ok {
		if err := checkVersion(existing.Version, l.Version); err != nil {
			return domain.Letter{}, err
		}
		l.CreatedAt = existing.CreatedAt
	} else {
		l.CreatedAt = time.Now().UTC()
	}
	l.UpdatedAt = time.Now().UTC()
	l.Version = existing.Version + 1
	r.s.letters[l.ID] = l
	return l, nil
}

func (r letterRepo) ListByBatch(_ context.Context, batchID string) ([]domain.Letter, error) {
	var result []domain.Letter
	for _, l := range r.s.letters {
		if l.BatchID == batchID {
			result = append(result, l)
		}
	}
	return result, nil
}

func (r letterRepo) ListByRound(_ context.Context, clientID string, round int) ([]domain.Letter, error) {
	var result []domain.Letter
	for _, l := range r.s.letters {
		if l.ClientID == clientID && l.Round == round {
			result = append(result, l)
		}
	}
	return result, nil
}

// ListApproved returns every unbatched, approved Letter for a tenant: the
// candidate pool the Batch Letter Pipeline drafts new batches from.
func (r letterRepo) ListApproved(_ context.Context, tenantID string) ([]domain.Letter, error) {
	var result []domain.Letter
	for _, l := range r.s.letters {
		if l.TenantID == tenantID && l.Status == domain.LetterApproved && l.BatchID == "" {
			result = append(result, l)
		}
	}
	return result, nil
}

// GetByTracking finds the Letter a tracking-manifest row refers to.
func (r letterRepo) GetByTracking(_ context.Context, trackingNumber string) (domain.Letter, error) {
	for _, l := range r.s.letters {
		if l.TrackingNumber == trackingNumber {
			return l, nil
		}
	}
	return domain.Letter{}, storage.ErrNotFound
}
