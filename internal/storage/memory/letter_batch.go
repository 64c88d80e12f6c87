package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/storage"
)

type letterBatchRepo struct{ s *Store }

func (r letterBatchRepo) Get(_ context.Context, id string) (domain.LetterBatch, error) {
	b, ok := r.s.letterBatches[id]
	if !ok {
		return domain.LetterBatch{}, storage.ErrNotFound
	}
	return b, nil
}

func (r letterBatchRepo) Put(_ context.Context, b domain.LetterBatch) (domain.LetterBatch, error) {
	existing, ok := r.s.letterBatches[b.ID]
	if b.ID == "" {
		b.ID = uuid.NewString()
	} else if ok {
		if err := checkVersion(existing.Version, b.Version); err != nil {
			return domain.LetterBatch{}, err
		}
		b.CreatedAt = existing.CreatedAt
	} else {
		b.CreatedAt = time.Now().UTC()
	}
	b.UpdatedAt = time.Now().UTC()
	b.Version = existing.Version + 1
	r.s.letterBatches[b.ID] = b
	return b, nil
}

// ActiveForTenant returns the one batch in draft or uploaded state for a
// tenant, enforcing the "at most one active upload per tenant" rule at the
// read side; the Batch Letter Pipeline is responsible for the write-side
// enforcement.
func (r letterBatchRepo) ActiveForTenant(_ context.Context, tenantID string) (domain.LetterBatch, error) {
	for _, b := range r.s.letterBatches {
		if b.TenantID != tenantID {
			continue
		}
		if b.Status == domain.BatchDraft || b.Status == domain.BatchUploaded {
			return b, nil
		}
	}
	return domain.LetterBatch{}, storage.ErrNotFound
}
