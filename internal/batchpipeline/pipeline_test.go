package batchpipeline

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/disputeflow/core/internal/adapters/mailsftp"
	"github.com/disputeflow/core/internal/clock"
	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/storage"
	"github.com/disputeflow/core/internal/storage/memory"
	"github.com/disputeflow/core/internal/taskqueue"
)

var frozenNow = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeTransport struct {
	files map[string][]byte
}

func newFakeTransport() *fakeTransport { return &fakeTransport{files: map[string][]byte{}} }

func (f *fakeTransport) WriteFile(_ context.Context, path string, content []byte) error {
	f.files[path] = append([]byte(nil), content...)
	return nil
}

func (f *fakeTransport) Rename(_ context.Context, oldPath, newPath string) error {
	content, ok := f.files[oldPath]
	if !ok {
		return errNotFound
	}
	delete(f.files, oldPath)
	f.files[newPath] = content
	return nil
}

func (f *fakeTransport) ReadDir(_ context.Context, _ string) ([]string, error) {
	var names []string
	for name := range f.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (f *fakeTransport) ReadFile(_ context.Context, path string) ([]byte, error) {
	content, ok := f.files[path]
	if !ok {
		return nil, errNotFound
	}
	return content, nil
}

func (f *fakeTransport) Close() error { return nil }

type notFoundError struct{}

func (notFoundError) Error() string { return "not found" }

var errNotFound = notFoundError{}

func newHarness(t *testing.T) (storage.Gateway, *taskqueue.Queue, clock.Clock, *fakeTransport, *Pipeline) {
	t.Helper()
	store := memory.New()
	clk := clock.NewFrozen(frozenNow, "UTC", nil)
	queue := taskqueue.New(store, nil, clk, nil, taskqueue.Config{})
	transport := newFakeTransport()
	dial := func(ctx context.Context) (mailsftp.Transport, error) { return transport, nil }
	sftpClient := mailsftp.New(dial)
	p := New(store, queue, sftpClient, "outbound", 1100, clk, nil)
	return store, queue, clk, transport, p
}

func putDisputeItem(t *testing.T, gw storage.Gateway, item domain.DisputeItem) domain.DisputeItem {
	t.Helper()
	var result domain.DisputeItem
	err := gw.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		put, err := tx.DisputeItems().Put(ctx, item)
		result = put
		return nil, err
	})
	if err != nil {
		t.Fatalf("put dispute item: %v", err)
	}
	return result
}

func putApprovedLetter(t *testing.T, gw storage.Gateway, l domain.Letter) domain.Letter {
	t.Helper()
	l.Status = domain.LetterApproved
	var result domain.Letter
	err := gw.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		put, err := tx.Letters().Put(ctx, l)
		result = put
		return nil, err
	})
	if err != nil {
		t.Fatalf("put letter: %v", err)
	}
	return result
}

func getLetter(t *testing.T, gw storage.Gateway, id string) domain.Letter {
	t.Helper()
	var result domain.Letter
	err := gw.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		l, err := tx.Letters().Get(ctx, id)
		result = l
		return nil, err
	})
	if err != nil {
		t.Fatalf("get letter: %v", err)
	}
	return result
}

func getBatch(t *testing.T, gw storage.Gateway, id string) domain.LetterBatch {
	t.Helper()
	var result domain.LetterBatch
	err := gw.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		b, err := tx.LetterBatches().Get(ctx, id)
		result = b
		return nil, err
	})
	if err != nil {
		t.Fatalf("get batch: %v", err)
	}
	return result
}

func TestDraftBatchGroupsApprovedLetters(t *testing.T) {
	gw, _, _, _, p := newHarness(t)
	l1 := putApprovedLetter(t, gw, domain.Letter{TenantID: "t1", ClientID: "c1"})
	l2 := putApprovedLetter(t, gw, domain.Letter{TenantID: "t1", ClientID: "c1"})

	batch, err := p.DraftBatch(context.Background(), "t1")
	if err != nil {
		t.Fatalf("DraftBatch: %v", err)
	}
	if batch.Status != domain.BatchDraft || len(batch.LetterIDs) != 2 {
		t.Fatalf("unexpected draft batch: %+v", batch)
	}
	if batch.CostMinor != 2200 {
		t.Fatalf("expected cost 2200, got %d", batch.CostMinor)
	}

	for _, id := range []string{l1.ID, l2.ID} {
		l := getLetter(t, gw, id)
		if l.BatchID != batch.ID {
			t.Fatalf("expected letter %s assigned to batch %s, got %s", id, batch.ID, l.BatchID)
		}
	}
}

func TestDraftBatchWithNoApprovedLettersErrors(t *testing.T) {
	gw, _, _, _, p := newHarness(t)
	_ = gw
	if _, err := p.DraftBatch(context.Background(), "t1"); err != ErrNoApprovedLetters {
		t.Fatalf("expected ErrNoApprovedLetters, got %v", err)
	}
}

func TestUploadBatchMovesLettersToQueuedAndEmitsOnePerRoundTuple(t *testing.T) {
	gw, _, _, transport, p := newHarness(t)
	item1 := putDisputeItem(t, gw, domain.DisputeItem{TenantID: "t1", ClientID: "c1", Bureau: domain.BureauEquifax, Round: 1})
	item2 := putDisputeItem(t, gw, domain.DisputeItem{TenantID: "t1", ClientID: "c1", Bureau: domain.BureauExperian, Round: 1})

	l1 := putApprovedLetter(t, gw, domain.Letter{TenantID: "t1", ClientID: "c1", DisputeItemID: item1.ID})
	l2 := putApprovedLetter(t, gw, domain.Letter{TenantID: "t1", ClientID: "c1", DisputeItemID: item1.ID})
	l3 := putApprovedLetter(t, gw, domain.Letter{TenantID: "t1", ClientID: "c1", DisputeItemID: item2.ID})

	batch, err := p.DraftBatch(context.Background(), "t1")
	if err != nil {
		t.Fatalf("DraftBatch: %v", err)
	}

	task := domain.Task{Payload: []byte(`{"batch_id":"` + batch.ID + `"}`)}
	if err := p.HandleUploadBatchSFTP(context.Background(), task); err != nil {
		t.Fatalf("HandleUploadBatchSFTP: %v", err)
	}

	updated := getBatch(t, gw, batch.ID)
	if updated.Status != domain.BatchUploaded {
		t.Fatalf("expected batch uploaded, got %s", updated.Status)
	}
	if len(updated.RemoteFilenames) != 1 {
		t.Fatalf("expected one remote filename, got %v", updated.RemoteFilenames)
	}
	if _, ok := transport.files["outbound/"+updated.RemoteFilenames[0]]; !ok {
		t.Fatalf("expected manifest uploaded to outbound dir")
	}

	for _, id := range []string{l1.ID, l2.ID, l3.ID} {
		l := getLetter(t, gw, id)
		if l.Status != domain.LetterQueued {
			t.Fatalf("expected letter %s queued, got %s", id, l.Status)
		}
	}

	// l1 and l2 share (c1, equifax, 1) and l3 is (c1, experian, 1): two tuples.
	events, err := gw.EventsSince(context.Background(), batch.ID, 0)
	if err != nil {
		t.Fatalf("events since: %v", err)
	}
	uploadedCount := 0
	for _, ev := range events {
		if ev.Type == domain.EventBatchUploaded {
			uploadedCount++
		}
	}
	if uploadedCount != 2 {
		t.Fatalf("expected one batch.uploaded event per round tuple (2), got %d", uploadedCount)
	}
}

func TestReconcileAckMismatchFailsBatchAndRevertsLetters(t *testing.T) {
	gw, _, _, transport, p := newHarness(t)
	l1 := putApprovedLetter(t, gw, domain.Letter{TenantID: "t1", ClientID: "c1"})
	l2 := putApprovedLetter(t, gw, domain.Letter{TenantID: "t1", ClientID: "c1"})

	batch, err := p.DraftBatch(context.Background(), "t1")
	if err != nil {
		t.Fatalf("DraftBatch: %v", err)
	}
	task := domain.Task{Payload: []byte(`{"batch_id":"` + batch.ID + `"}`)}
	if err := p.HandleUploadBatchSFTP(context.Background(), task); err != nil {
		t.Fatalf("HandleUploadBatchSFTP: %v", err)
	}

	// Only one of the two letters is acknowledged: a partial-upload mismatch.
	ackBody := "letter_id,tracking_number,status\n" + l1.ID + ",TRACK1,ACCEPTED\n"
	transport.files["outbound/ACK-"+batch.ID+".csv"] = []byte(ackBody)

	pollTask := domain.Task{Payload: []byte(`{"tenant_id":"t1"}`)}
	if err := p.HandlePollTrackingSFTP(context.Background(), pollTask); err != nil {
		t.Fatalf("HandlePollTrackingSFTP: %v", err)
	}

	updated := getBatch(t, gw, batch.ID)
	if updated.Status != domain.BatchFailed {
		t.Fatalf("expected batch failed, got %s", updated.Status)
	}
	for _, id := range []string{l1.ID, l2.ID} {
		l := getLetter(t, gw, id)
		if l.Status != domain.LetterApproved || l.BatchID != "" {
			t.Fatalf("expected letter %s reverted to approved/unbatched, got status=%s batch=%s", id, l.Status, l.BatchID)
		}
	}
}

// TestBatchPartialFailure walks spec.md's partial-upload-failure example
// end to end: a batch with two letters whose ack only covers one of them
// must fail outright, release both letters back to approved/unbatched,
// and a later re-approval of the same letters must land in a fresh batch,
// never the failed one's id.
func TestBatchPartialFailure(t *testing.T) {
	gw, _, _, transport, p := newHarness(t)
	l1 := putApprovedLetter(t, gw, domain.Letter{TenantID: "t1", ClientID: "c1"})
	l2 := putApprovedLetter(t, gw, domain.Letter{TenantID: "t1", ClientID: "c1"})

	batch, err := p.DraftBatch(context.Background(), "t1")
	if err != nil {
		t.Fatalf("DraftBatch: %v", err)
	}
	task := domain.Task{Payload: []byte(`{"batch_id":"` + batch.ID + `"}`)}
	if err := p.HandleUploadBatchSFTP(context.Background(), task); err != nil {
		t.Fatalf("HandleUploadBatchSFTP: %v", err)
	}

	ackBody := "letter_id,tracking_number,status\n" + l1.ID + ",TRACK1,ACCEPTED\n"
	transport.files["outbound/ACK-"+batch.ID+".csv"] = []byte(ackBody)

	pollTask := domain.Task{Payload: []byte(`{"tenant_id":"t1"}`)}
	if err := p.HandlePollTrackingSFTP(context.Background(), pollTask); err != nil {
		t.Fatalf("HandlePollTrackingSFTP: %v", err)
	}

	failed := getBatch(t, gw, batch.ID)
	if failed.Status != domain.BatchFailed {
		t.Fatalf("expected batch failed, got %s", failed.Status)
	}
	for _, id := range []string{l1.ID, l2.ID} {
		l := getLetter(t, gw, id)
		if l.Status != domain.LetterApproved || l.BatchID != "" {
			t.Fatalf("expected letter %s reverted to approved/unbatched, got status=%s batch=%s", id, l.Status, l.BatchID)
		}
	}

	events, err := gw.EventsSince(context.Background(), batch.ID, 0)
	if err != nil {
		t.Fatalf("events since: %v", err)
	}
	batchFailedCount := 0
	for _, ev := range events {
		if ev.Type == domain.EventBatchFailed {
			batchFailedCount++
		}
	}
	if batchFailedCount != 1 {
		t.Fatalf("expected exactly one batch.failed event, got %d", batchFailedCount)
	}

	// Staff re-approves the same (now unbatched) letters: DraftBatch must
	// open a fresh batch, never the failed one's id.
	reapproved, err := p.DraftBatch(context.Background(), "t1")
	if err != nil {
		t.Fatalf("DraftBatch after failure: %v", err)
	}
	if reapproved.ID == batch.ID {
		t.Fatalf("expected a new batch id, got the failed batch's id reused")
	}
	if len(reapproved.LetterIDs) != 2 {
		t.Fatalf("expected both letters picked back up into the new batch, got %v", reapproved.LetterIDs)
	}
}

func TestIngestTrackingMarksDeliveredAndEmitsEvent(t *testing.T) {
	gw, _, clk, transport, p := newHarness(t)
	item := putDisputeItem(t, gw, domain.DisputeItem{TenantID: "t1", ClientID: "c1", Bureau: domain.BureauEquifax, Round: 1})
	l := putApprovedLetter(t, gw, domain.Letter{TenantID: "t1", ClientID: "c1", DisputeItemID: item.ID, TrackingNumber: "TRACK1"})

	dateStamp := clk.Now().Format("20060102")
	trackBody := "tracking_number,event_ts_iso,event_code\nTRACK1,2026-03-02T09:00:00Z,DELIVERED\n"
	transport.files["outbound/TRACK-"+dateStamp+".csv"] = []byte(trackBody)

	pollTask := domain.Task{Payload: []byte(`{"tenant_id":"t1"}`)}
	if err := p.HandlePollTrackingSFTP(context.Background(), pollTask); err != nil {
		t.Fatalf("HandlePollTrackingSFTP: %v", err)
	}

	updated := getLetter(t, gw, l.ID)
	if updated.Status != domain.LetterDelivered {
		t.Fatalf("expected letter delivered, got %s", updated.Status)
	}
	if updated.DeliveredAt.IsZero() {
		t.Fatalf("expected DeliveredAt set")
	}
}

func TestApproveBatchBlocksWhileAnotherUploadInFlight(t *testing.T) {
	gw, _, _, _, p := newHarness(t)
	l1 := putApprovedLetter(t, gw, domain.Letter{TenantID: "t1", ClientID: "c1"})
	_ = l1
	batch1, err := p.DraftBatch(context.Background(), "t1")
	if err != nil {
		t.Fatalf("DraftBatch: %v", err)
	}
	if err := p.ApproveBatch(context.Background(), batch1.ID); err != nil {
		t.Fatalf("ApproveBatch: %v", err)
	}
	task := domain.Task{Payload: []byte(`{"batch_id":"` + batch1.ID + `"}`)}
	if err := p.HandleUploadBatchSFTP(context.Background(), task); err != nil {
		t.Fatalf("HandleUploadBatchSFTP: %v", err)
	}

	l2 := putApprovedLetter(t, gw, domain.Letter{TenantID: "t1", ClientID: "c1"})
	_ = l2
	if _, err := p.DraftBatch(context.Background(), "t1"); err != ErrUploadInProgress {
		t.Fatalf("expected ErrUploadInProgress, got %v", err)
	}
}
