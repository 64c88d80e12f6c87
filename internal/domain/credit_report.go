package domain

import "time"

// Bureau identifies a Consumer Reporting Agency or specialty bureau.
type Bureau string

const (
	BureauEquifax    Bureau = "equifax"
	BureauExperian   Bureau = "experian"
	BureauTransUnion Bureau = "transunion"
)

// AllBureaus lists the closed set of bureaus a Round may be tracked
// against.
var AllBureaus = []Bureau{BureauEquifax, BureauExperian, BureauTransUnion}

// CreditReport is one pulled snapshot in the per-client ordered sequence;
// newest wins for read purposes. Never mutated after commit.
type CreditReport struct {
	ID          string
	TenantID    string
	ClientID    string
	Provider    string
	PulledAt    time.Time
	Scores      map[Bureau]int
	Accounts    []ReportAccount
	Inquiries   []ReportInquiry
	PublicRecords []ReportPublicRecord
	CreatedAt   time.Time
	Version     int
}

// ReportAccount is one tradeline as reported by one bureau, deduplicated by
// AccountNumber within a report.
type ReportAccount struct {
	AccountNumber   string
	Bureau          Bureau
	Furnisher       string
	Status          string
	Balance         int64
	PaymentHistory  []PaymentHistoryEntry // up to 24 months, oldest first
}

// PaymentHistoryEntry records one month's reported payment status.
type PaymentHistoryEntry struct {
	Month  time.Time
	Status string
}

// ReportInquiry is one hard/soft pull recorded against the client.
type ReportInquiry struct {
	Bureau    Bureau
	Requestor string
	Date      time.Time
}

// ReportPublicRecord is one court/judgment/bankruptcy record.
type ReportPublicRecord struct {
	Bureau Bureau
	Kind   string
	Date   time.Time
	Amount int64
}
