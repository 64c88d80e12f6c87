package domain

import "time"

// AuditLog is an append-only record of every privileged action, carrying
// before/after content hashes so a reviewer can confirm exactly what
// changed without replaying the mutation.
type AuditLog struct {
	ID         string
	TenantID   string
	Actor      string
	Action     string
	Resource   string
	ResourceID string
	BeforeHash string
	AfterHash  string
	CreatedAt  time.Time
}
