package domain

import "time"

// LetterBatchStatus is the lifecycle of an SFTP upload unit.
type LetterBatchStatus string

const (
	BatchDraft        LetterBatchStatus = "draft"
	BatchUploaded     LetterBatchStatus = "uploaded"
	BatchAcknowledged LetterBatchStatus = "acknowledged"
	BatchCompleted    LetterBatchStatus = "completed"
	BatchFailed       LetterBatchStatus = "failed"
)

// LetterBatch groups approved letters into one SFTP upload.
type LetterBatch struct {
	ID                string
	TenantID          string
	Status            LetterBatchStatus
	LetterIDs         []string
	ManifestHash      string
	CostMinor         int64
	RemoteFilenames   []string
	TrackingCursor    string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	Version           int
}
