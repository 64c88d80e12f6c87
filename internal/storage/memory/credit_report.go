package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/storage"
)

type creditReportRepo struct{ s *Store }

func (r creditReportRepo) Create(_ context.Context, rep domain.CreditReport) (domain.CreditReport, error) {
	if rep.ID == "" {
		rep.ID = uuid.NewString()
	}
	rep.CreatedAt = time.Now().UTC()
	rep.Version = 1
	r.s.reports[rep.ID] = rep
	return rep, nil
}

func (r creditReportRepo) Get(_ context.Context, id string) (domain.CreditReport, error) {
	rep, ok := r.s.reports[id]
	if !ok {
		return domain.CreditReport{}, storage.ErrNotFound
	}
	return rep, nil
}

func (r creditReportRepo) Latest(_ context.Context, clientID string) (domain.CreditReport, error) {
	var latest domain.CreditReport
	found := false
	for _, rep := range r.s.reports {
		if rep.ClientID != clientID {
			continue
		}
		if !found || rep.PulledAt.After(latest.PulledAt) {
			latest = rep
			found = true
		}
	}
	if !found {
		return domain.CreditReport{}, storage.ErrNotFound
	}
	return latest, nil
}
