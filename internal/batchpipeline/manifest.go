package batchpipeline

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/disputeflow/core/internal/domain"
)

// defaultServiceClass is used for every manifest row: the domain model
// carries no per-letter mail class, and spec.md names only the column,
// not a source for its value.
const defaultServiceClass = "first_class"

var manifestHeader = []string{
	"batch_id", "letter_id", "recipient_name", "recipient_address1",
	"recipient_city", "recipient_state", "recipient_zip", "service_class",
	"return_address_id", "document_filename", "sha256",
}

// documentFilename returns the PDF filename a manifest row references. The
// PDF itself is produced by the out-of-scope document-rendering
// collaborator; this pipeline only references the name it will upload
// under.
func documentFilename(letterID string) string {
	return fmt.Sprintf("%s.pdf", letterID)
}

// BuildManifestCSV renders the bit-exact outbound manifest: UTF-8, LF line
// endings, one header row, one row per letter, columns in spec.md's exact
// order.
func BuildManifestCSV(batchID string, letters []domain.Letter) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.UseCRLF = false

	if err := w.Write(manifestHeader); err != nil {
		return nil, fmt.Errorf("write manifest header: %w", err)
	}
	for _, l := range letters {
		row := []string{
			batchID,
			l.ID,
			l.Recipient.Name,
			l.Recipient.Address1,
			l.Recipient.City,
			l.Recipient.State,
			l.Recipient.Zip,
			defaultServiceClass,
			l.Recipient.ReturnAddressID,
			documentFilename(l.ID),
			l.SHA256,
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("write manifest row for letter %s: %w", l.ID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// AckStatus is the closed set of acknowledgement-file statuses.
type AckStatus string

const (
	AckAccepted AckStatus = "ACCEPTED"
	AckRejected AckStatus = "REJECTED"
)

// AckRow is one parsed row of ACK-{batch_id}.csv.
type AckRow struct {
	LetterID       string
	TrackingNumber string
	Status         AckStatus
}

// LetterStatusFor maps an ack status to the Letter status it drives, per
// spec.md's ACCEPTED|REJECTED -> queued|undeliverable mapping.
func (r AckRow) LetterStatusFor() domain.LetterStatus {
	if r.Status == AckRejected {
		return domain.LetterUndeliverable
	}
	return domain.LetterQueued
}

// ParseAckCSV parses an ACK-{batch_id}.csv body: columns
// letter_id,tracking_number,status.
func ParseAckCSV(content []byte) ([]AckRow, error) {
	records, err := readCSVRecords(content, 3)
	if err != nil {
		return nil, fmt.Errorf("parse ack csv: %w", err)
	}
	rows := make([]AckRow, 0, len(records))
	for i, rec := range records {
		status := AckStatus(strings.ToUpper(strings.TrimSpace(rec[2])))
		if status != AckAccepted && status != AckRejected {
			return nil, fmt.Errorf("ack csv row %d: unknown status %q", i+2, rec[2])
		}
		rows = append(rows, AckRow{LetterID: rec[0], TrackingNumber: rec[1], Status: status})
	}
	return rows, nil
}

// TrackingEventCode is the closed set of tracking-manifest event codes.
type TrackingEventCode string

const (
	TrackingInTransit      TrackingEventCode = "IN_TRANSIT"
	TrackingOutForDelivery TrackingEventCode = "OUT_FOR_DELIVERY"
	TrackingDelivered      TrackingEventCode = "DELIVERED"
	TrackingReturned       TrackingEventCode = "RETURNED"
)

// TrackingRow is one parsed row of TRACK-{yyyymmdd}.csv.
type TrackingRow struct {
	TrackingNumber string
	EventTSISO     string
	EventCode      TrackingEventCode
}

// LetterStatusFor maps a tracking event code to the Letter status it
// drives, per spec.md's queued -> sent -> delivered progression (a
// RETURNED event maps to the terminal `returned` status).
func (r TrackingRow) LetterStatusFor() domain.LetterStatus {
	switch r.EventCode {
	case TrackingInTransit, TrackingOutForDelivery:
		return domain.LetterSent
	case TrackingDelivered:
		return domain.LetterDelivered
	case TrackingReturned:
		return domain.LetterReturned
	default:
		return ""
	}
}

// ParseTrackingCSV parses a TRACK-{yyyymmdd}.csv body: columns
// tracking_number,event_ts_iso,event_code.
func ParseTrackingCSV(content []byte) ([]TrackingRow, error) {
	records, err := readCSVRecords(content, 3)
	if err != nil {
		return nil, fmt.Errorf("parse tracking csv: %w", err)
	}
	rows := make([]TrackingRow, 0, len(records))
	for i, rec := range records {
		code := TrackingEventCode(strings.ToUpper(strings.TrimSpace(rec[2])))
		switch code {
		case TrackingInTransit, TrackingOutForDelivery, TrackingDelivered, TrackingReturned:
		default:
			return nil, fmt.Errorf("tracking csv row %d: unknown event code %q", i+2, rec[2])
		}
		rows = append(rows, TrackingRow{TrackingNumber: rec[0], EventTSISO: rec[1], EventCode: code})
	}
	return rows, nil
}

// readCSVRecords parses content as CSV, requires a header row (discarded),
// and validates every data row has exactly wantFields columns.
func readCSVRecords(content []byte, wantFields int) ([][]string, error) {
	r := csv.NewReader(bytes.NewReader(content))
	r.FieldsPerRecord = wantFields
	all, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("empty csv: missing header row")
	}
	return all[1:], nil
}
