package domain

import "time"

// DeadlineKind is the closed set of actionable-date kinds tracked by the
// Deadline & SLA Tracker.
type DeadlineKind string

const (
	DeadlineCROAHold          DeadlineKind = "croa_hold"
	DeadlineRoundResponse     DeadlineKind = "round_response"
	DeadlineOverdueEscalation DeadlineKind = "overdue_escalation"
	DeadlineObsolescence      DeadlineKind = "obsolescence"
	DeadlineReinsertionNotice DeadlineKind = "reinsertion_notice"
)

// ParentKind names what entity a Deadline's ParentID refers to.
type ParentKind string

const (
	ParentClient      ParentKind = "client"
	ParentDisputeItem ParentKind = "dispute_item"
	ParentLetter      ParentKind = "letter"
)

// Deadline is one row per actionable date. At most one unresolved Deadline
// of a given Kind may exist per (ParentKind, ParentID).
type Deadline struct {
	ID         string
	TenantID   string
	Kind       DeadlineKind
	ParentKind ParentKind
	ParentID   string
	DueAt      time.Time
	FiredAt    *time.Time
	ResolvedAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Version    int
}

// IsResolved reports whether the deadline has already fired and resolved.
func (d *Deadline) IsResolved() bool { return d.ResolvedAt != nil }
