// Package batchpipeline implements the Batch Letter Pipeline: grouping
// approved Letters into SFTP batches, uploading them, reconciling
// acknowledgements, and ingesting daily tracking updates back into Letter
// status. It is the sole writer of LetterBatch and of tracking-driven
// Letter status transitions (queued -> sent -> delivered).
package batchpipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/disputeflow/core/internal/adapters/mailsftp"
	"github.com/disputeflow/core/internal/clock"
	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/storage"
	"github.com/disputeflow/core/internal/taskqueue"
	"github.com/disputeflow/core/pkg/logger"
)

// ErrNoApprovedLetters is returned by DraftBatch when a tenant has no
// approved, unbatched Letters to group.
var ErrNoApprovedLetters = errors.New("batchpipeline: no approved letters to draft")

// ErrUploadInProgress is returned by ApproveBatch when the tenant already
// has a batch mid-upload: spec.md's "at most one active upload task per
// tenant".
var ErrUploadInProgress = errors.New("batchpipeline: an upload is already in progress for this tenant")

// Pipeline drives the Batch Letter Pipeline.
type Pipeline struct {
	gateway            storage.Gateway
	queue              *taskqueue.Queue
	sftp               *mailsftp.Client
	remoteDir          string
	costPerLetterMinor int64
	clk                clock.Clock
	log                *logger.Logger
}

// New constructs a Pipeline. remoteDir is the SFTP directory batches and
// tracking/ack files live under; costPerLetterMinor mirrors
// CORE_LETTER_COST_MINOR.
func New(gateway storage.Gateway, queue *taskqueue.Queue, sftp *mailsftp.Client, remoteDir string, costPerLetterMinor int64, clk clock.Clock, log *logger.Logger) *Pipeline {
	if log == nil {
		log = logger.NewDefault("batchpipeline")
	}
	return &Pipeline{
		gateway: gateway, queue: queue, sftp: sftp, remoteDir: remoteDir,
		costPerLetterMinor: costPerLetterMinor, clk: clk, log: log,
	}
}

// DraftBatch groups every currently approved, unbatched Letter for a tenant
// into one draft LetterBatch. If the tenant already has a draft, the new
// letters are added to it. While the tenant's active batch is uploaded
// (not yet acknowledged or failed), DraftBatch returns ErrUploadInProgress
// and opens no new draft; approved letters stay unbatched until a later
// call after that batch has settled.
func (p *Pipeline) DraftBatch(ctx context.Context, tenantID string) (domain.LetterBatch, error) {
	var batch domain.LetterBatch
	err := p.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		letters, err := tx.Letters().ListApproved(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		if len(letters) == 0 {
			return nil, ErrNoApprovedLetters
		}

		active, err := tx.LetterBatches().ActiveForTenant(ctx, tenantID)
		switch {
		case err == storage.ErrNotFound:
			active = domain.LetterBatch{TenantID: tenantID, Status: domain.BatchDraft}
		case err != nil:
			return nil, err
		case active.Status == domain.BatchUploaded:
			return nil, ErrUploadInProgress
		}

		ids := append([]string{}, active.LetterIDs...)
		for _, l := range letters {
			ids = append(ids, l.ID)
		}
		active.Status = domain.BatchDraft
		active.LetterIDs = ids
		active.CostMinor = p.costPerLetterMinor * int64(len(ids))

		b, err := tx.LetterBatches().Put(ctx, active)
		if err != nil {
			return nil, err
		}

		for _, l := range letters {
			l.BatchID = b.ID
			if _, err := tx.Letters().Put(ctx, l); err != nil {
				return nil, err
			}
		}

		batch = b
		return nil, nil
	})
	return batch, err
}

// ApproveBatch is the taskqueue-facing half of the staff `POST
// /commands/letters/batch/{batchId}/approve` command: it enqueues the
// upload and lets HandleUploadBatchSFTP perform the transition to
// uploaded once the transfer actually succeeds.
func (p *Pipeline) ApproveBatch(ctx context.Context, batchID string) error {
	return p.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		batch, err := tx.LetterBatches().Get(ctx, batchID)
		if err != nil {
			return nil, err
		}
		if batch.Status != domain.BatchDraft {
			return nil, fmt.Errorf("batchpipeline: batch %s is %s, not draft", batchID, batch.Status)
		}

		active, err := tx.LetterBatches().ActiveForTenant(ctx, batch.TenantID)
		if err == nil && active.ID != batch.ID && active.Status == domain.BatchUploaded {
			return nil, ErrUploadInProgress
		}
		if err != nil && err != storage.ErrNotFound {
			return nil, err
		}

		key := fmt.Sprintf("upload_batch:%s", batch.ID)
		_, err = p.queue.Enqueue(ctx, batch.TenantID, domain.TaskUploadBatchSFTP,
			map[string]string{"batch_id": batch.ID}, p.clk.Now(), key, 0)
		return nil, err
	})
}

// HandleUploadBatchSFTP is the taskqueue.TaskHandler for
// domain.TaskUploadBatchSFTP: builds the manifest, uploads it, and on
// success transitions the batch to uploaded and its letters to queued.
func (p *Pipeline) HandleUploadBatchSFTP(ctx context.Context, task domain.Task) error {
	var payload struct {
		BatchID string `json:"batch_id"`
	}
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("decode upload_batch_sftp payload: %w", err)
	}

	var (
		batch   domain.LetterBatch
		letters []domain.Letter
	)
	err := p.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		b, err := tx.LetterBatches().Get(ctx, payload.BatchID)
		if err != nil {
			return nil, err
		}
		batch = b
		letters, err = tx.Letters().ListByBatch(ctx, b.ID)
		return nil, err
	})
	if err != nil {
		return err
	}
	if batch.Status != domain.BatchDraft {
		return nil
	}

	manifest, err := BuildManifestCSV(batch.ID, letters)
	if err != nil {
		return fmt.Errorf("build manifest for batch %s: %w", batch.ID, err)
	}
	filename := fmt.Sprintf("batch-%s.csv", batch.ID)
	if err := p.sftp.PutAtomic(ctx, p.remoteDir, filename, manifest); err != nil {
		return err
	}

	sum := sha256.Sum256(manifest)
	hash := hex.EncodeToString(sum[:])

	return p.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		b, err := tx.LetterBatches().Get(ctx, batch.ID)
		if err != nil {
			return nil, err
		}
		if b.Status != domain.BatchDraft {
			return nil, nil
		}
		b.Status = domain.BatchUploaded
		b.ManifestHash = hash
		b.RemoteFilenames = []string{filename}
		if _, err := tx.LetterBatches().Put(ctx, b); err != nil {
			return nil, err
		}

		type roundKey struct {
			clientID string
			bureau   domain.Bureau
			round    int
		}
		seen := map[roundKey]bool{}
		var events []domain.DomainEvent

		for _, l := range letters {
			l.Status = domain.LetterQueued
			if _, err := tx.Letters().Put(ctx, l); err != nil {
				return nil, err
			}
			if l.DisputeItemID == "" {
				continue
			}
			item, err := tx.DisputeItems().Get(ctx, l.DisputeItemID)
			if err != nil {
				return nil, err
			}
			rk := roundKey{clientID: item.ClientID, bureau: item.Bureau, round: item.Round}
			if seen[rk] {
				continue
			}
			seen[rk] = true
			eventPayload, err := json.Marshal(map[string]any{
				"client_id": rk.clientID, "bureau": rk.bureau, "round": rk.round,
			})
			if err != nil {
				return nil, err
			}
			events = append(events, domain.DomainEvent{
				TenantID: batch.TenantID, AggregateType: domain.AggregateLetterBatch,
				AggregateID: batch.ID, Type: domain.EventBatchUploaded, Payload: eventPayload,
			})
		}
		return events, nil
	})
}

// HandlePollTrackingSFTP is the taskqueue.TaskHandler for
// domain.TaskPollTrackingSFTP: reconciles the uploaded batch's
// acknowledgement file (if any), then ingests the day's tracking manifest.
func (p *Pipeline) HandlePollTrackingSFTP(ctx context.Context, task domain.Task) error {
	var payload struct {
		TenantID string `json:"tenant_id"`
	}
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return fmt.Errorf("decode poll_tracking_sftp payload: %w", err)
	}

	if err := p.reconcileAck(ctx, payload.TenantID); err != nil {
		return err
	}
	return p.ingestTracking(ctx, payload.TenantID)
}

func (p *Pipeline) reconcileAck(ctx context.Context, tenantID string) error {
	var batch domain.LetterBatch
	err := p.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		b, err := tx.LetterBatches().ActiveForTenant(ctx, tenantID)
		batch = b
		return nil, err
	})
	if err == storage.ErrNotFound || batch.Status != domain.BatchUploaded {
		return nil
	}
	if err != nil {
		return err
	}

	ackName := fmt.Sprintf("ACK-%s.csv", batch.ID)
	content, err := p.sftp.FetchFile(ctx, p.remoteDir, ackName)
	if err != nil {
		// Ack not posted yet is not an error: the provider has not yet
		// processed this batch.
		return nil
	}
	rows, err := ParseAckCSV(content)
	if err != nil {
		return fmt.Errorf("parse ack for batch %s: %w", batch.ID, err)
	}

	return p.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		b, err := tx.LetterBatches().Get(ctx, batch.ID)
		if err != nil {
			return nil, err
		}
		if b.Status != domain.BatchUploaded {
			return nil, nil
		}
		letters, err := tx.Letters().ListByBatch(ctx, b.ID)
		if err != nil {
			return nil, err
		}
		if len(rows) != len(letters) {
			return failBatch(ctx, tx, b, letters)
		}

		byID := make(map[string]AckRow, len(rows))
		for _, row := range rows {
			byID[row.LetterID] = row
		}
		for _, l := range letters {
			row, ok := byID[l.ID]
			if !ok {
				return failBatch(ctx, tx, b, letters)
			}
			l.Status = row.LetterStatusFor()
			l.TrackingNumber = row.TrackingNumber
			if _, err := tx.Letters().Put(ctx, l); err != nil {
				return nil, err
			}
		}

		b.Status = domain.BatchAcknowledged
		_, err = tx.LetterBatches().Put(ctx, b)
		return nil, err
	})
}

// failBatch implements the partial-upload failure mode: the batch moves to
// failed, every one of its letters reverts to approved and unbatched so
// the next DraftBatch call picks them back up, and staff are alerted via
// batch.failed.
func failBatch(ctx context.Context, tx storage.Tx, b domain.LetterBatch, letters []domain.Letter) ([]domain.DomainEvent, error) {
	for _, l := range letters {
		l.Status = domain.LetterApproved
		l.BatchID = ""
		if _, err := tx.Letters().Put(ctx, l); err != nil {
			return nil, err
		}
	}
	b.Status = domain.BatchFailed
	if _, err := tx.LetterBatches().Put(ctx, b); err != nil {
		return nil, err
	}
	return []domain.DomainEvent{{
		TenantID: b.TenantID, AggregateType: domain.AggregateLetterBatch,
		AggregateID: b.ID, Type: domain.EventBatchFailed,
	}}, nil
}

func (p *Pipeline) ingestTracking(ctx context.Context, tenantID string) error {
	date := p.clk.Now().Format("20060102")
	filename := fmt.Sprintf("TRACK-%s.csv", date)
	content, err := p.sftp.FetchFile(ctx, p.remoteDir, filename)
	if err != nil {
		// No manifest posted for today yet; the next scheduled poll retries.
		return nil
	}
	rows, err := ParseTrackingCSV(content)
	if err != nil {
		return fmt.Errorf("parse tracking manifest %s: %w", filename, err)
	}

	return p.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		var events []domain.DomainEvent
		for _, row := range rows {
			l, err := tx.Letters().GetByTracking(ctx, row.TrackingNumber)
			if err == storage.ErrNotFound {
				continue
			}
			if err != nil {
				return nil, err
			}
			if l.TenantID != tenantID {
				continue
			}
			status := row.LetterStatusFor()
			if status == "" {
				continue
			}
			l.Status = status
			if status == domain.LetterDelivered {
				l.DeliveredAt = p.clk.Now()
			}
			if _, err := tx.Letters().Put(ctx, l); err != nil {
				return nil, err
			}
			if status == domain.LetterDelivered {
				eventPayload, err := json.Marshal(map[string]string{"dispute_item_id": l.DisputeItemID})
				if err != nil {
					return nil, err
				}
				events = append(events, domain.DomainEvent{
					TenantID: l.TenantID, AggregateType: domain.AggregateLetter,
					AggregateID: l.ID, Type: domain.EventLetterDelivered, Payload: eventPayload,
				})
			}
		}
		return events, nil
	})
}
