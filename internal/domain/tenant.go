// Package domain holds the entity model shared by every Dispute
// Orchestration Core component: plain structs with no persistence or
// transport concerns, carrying the invariants documented per entity.
package domain

import "time"

// Tenant owns all per-organization data. Every other entity carries a
// TenantID; cross-tenant reads are forbidden at the storage layer.
type Tenant struct {
	ID        string
	Name      string
	Branding  TenantBranding
	Quota     TenantQuota
	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int
}

// TenantBranding holds the cosmetic configuration surfaced to the
// out-of-scope portal UI; the core never renders it.
type TenantBranding struct {
	DisplayName string
	LogoURL     string
	SupportEmail string
}

// TenantQuota bounds how much of a tenant a single deployment will serve.
type TenantQuota struct {
	MaxClients int
	MaxUsers   int
}
