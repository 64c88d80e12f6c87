package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/disputeflow/core/internal/domain"
)

type auditLogRepo struct{ s *Store }

func (r auditLogRepo) Append(_ context.Context, a domain.AuditLog) (domain.AuditLog, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.CreatedAt = time.Now().UTC()
	r.s.auditLogs = append(r.s.auditLogs, a)
	return a, nil
}

func (r auditLogRepo) ListByResource(_ context.Context, resource, resourceID string) ([]domain.AuditLog, error) {
	var result []domain.AuditLog
	for _, a := range r.s.auditLogs {
		if a.Resource == resource && a.ResourceID == resourceID {
			result = append(result, a)
		}
	}
	return result, nil
}
