package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/storage"
)

type roundRepo struct{ s *Store }

func (r roundRepo) Get(_ context.Context, id string) (domain.Round, error) {
	round, ok := r.s.rounds[id]
	if !ok {
		return domain.Round{}, storage.ErrNotFound
	}
	return round, nil
}

func (r roundRepo) Put(_ context.Context, round domain.Round) (domain.Round, error) {
	existing, ok := r.s.rounds[round.ID]
	if round.ID == "" {
		round.ID = uuid.NewString()
	} else if ok {
		if err := checkVersion(existing.Version, round.Version); err != nil {
			return domain.Round{}, err
		}
		round.CreatedAt = existing.CreatedAt
	} else {
		round.CreatedAt = time.Now().UTC()
	}
	round.UpdatedAt = time.Now().UTC()
	round.Version = existing.Version + 1
	r.s.rounds[round.ID] = round
	return round, nil
}

func (r roundRepo) ByClientBureauRound(_ context.Context, clientID string, bureau domain.Bureau, number int) (domain.Round, error) {
	for _, round := range r.s.rounds {
		if round.ClientID == clientID && round.Bureau == bureau && round.Number == number {
			return round, nil
		}
	}
	return domain.Round{}, storage.ErrNotFound
}
