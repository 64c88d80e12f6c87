// Package scenario exercises the concrete, literal-valued walkthroughs
// spec.md's testable-properties section describes, wiring the real Dispute
// Round State Machine, Deadline & SLA Tracker, Batch Letter Pipeline, and
// Event Bus together against one in-memory Persistence Gateway rather than
// through any single package's narrower harness.
package scenario

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/disputeflow/core/internal/adapters/aiwriter"
	"github.com/disputeflow/core/internal/adapters/mailsftp"
	"github.com/disputeflow/core/internal/app"
	"github.com/disputeflow/core/internal/batchpipeline"
	"github.com/disputeflow/core/internal/clock"
	"github.com/disputeflow/core/internal/deadlinetracker"
	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/eventbus"
	"github.com/disputeflow/core/internal/roundmachine"
	"github.com/disputeflow/core/internal/storage"
	"github.com/disputeflow/core/internal/storage/memory"
	"github.com/disputeflow/core/internal/taskqueue"
)

var errTransportNotFound = errors.New("scenario: file not found")

// fakeTransport is an in-memory mailsftp.Transport, mirroring the fake the
// Batch Letter Pipeline's own tests use so DraftBatch/ApproveBatch/poll run
// against a real upload-rename-fetch round trip instead of a mock.
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
		return errTransportNotFound
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
		return nil, errTransportNotFound
	}
	return content, nil
}

func (f *fakeTransport) Close() error { return nil }

type stubAIProvider struct{}

func (stubAIProvider) Complete(_ context.Context, req aiwriter.Request) (aiwriter.Completion, error) {
	return aiwriter.Completion{Text: "dispute letter for " + string(req.Kind), TokensUsed: 100}, nil
}

func putClient(t *testing.T, gw storage.Gateway, c domain.Client) domain.Client {
	t.Helper()
	var result domain.Client
	err := gw.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		put, err := tx.Clients().Put(ctx, c)
		result = put
		return nil, err
	})
	if err != nil {
		t.Fatalf("put client: %v", err)
	}
	return result
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

func putRound(t *testing.T, gw storage.Gateway, r domain.Round) domain.Round {
	t.Helper()
	var result domain.Round
	err := gw.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		put, err := tx.Rounds().Put(ctx, r)
		result = put
		return nil, err
	})
	if err != nil {
		t.Fatalf("put round: %v", err)
	}
	return result
}

func getRoundState(t *testing.T, gw storage.Gateway, clientID string, bureau domain.Bureau, number int) domain.RoundState {
	t.Helper()
	var round domain.Round
	err := gw.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		found, err := tx.Rounds().ByClientBureauRound(ctx, clientID, bureau, number)
		round = found
		return nil, err
	})
	if err != nil {
		t.Fatalf("get round: %v", err)
	}
	return round.State
}

func approveLetterForItem(t *testing.T, gw storage.Gateway, clientID string, round int, disputeItemID string) string {
	t.Helper()
	var id string
	err := gw.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		letters, err := tx.Letters().ListByRound(ctx, clientID, round)
		if err != nil {
			return nil, err
		}
		for _, l := range letters {
			if l.DisputeItemID != disputeItemID {
				continue
			}
			l.Status = domain.LetterApproved
			stored, err := tx.Letters().Put(ctx, l)
			if err != nil {
				return nil, err
			}
			id = stored.ID
			return nil, nil
		}
		return nil, storage.ErrNotFound
	})
	if err != nil {
		t.Fatalf("approve letter for item %s: %v", disputeItemID, err)
	}
	return id
}

func unresolvedDeadline(t *testing.T, gw storage.Gateway, parentKind domain.ParentKind, parentID string, kind domain.DeadlineKind) (domain.Deadline, error) {
	t.Helper()
	var (
		result  domain.Deadline
		findErr error
	)
	err := gw.RunInTx(context.Background(), func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		found, err := tx.Deadlines().UnresolvedByParent(ctx, parentKind, parentID, kind)
		result, findErr = found, err
		return nil, nil
	})
	if err != nil {
		t.Fatalf("unresolved deadline lookup: %v", err)
	}
	return result, findErr
}

// waitFor polls cond until it reports true or timeout elapses, since the
// real Event Bus dispatches committed events on its own goroutine.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TestRoundOneHappyPath walks spec.md's round-1 example literally: three
// bureau rounds already sit in letters_generated (CROA hold cleared,
// round-1 payment captured), the AI writer drafts one letter per bureau,
// staff approve and close the batch, SFTP accepts every letter, and the
// next tracking poll marks all three delivered. The walkthrough must land
// on three round_response Deadlines due 2026-02-11T15:00:00Z, with no
// overdue_escalation Deadline due yet.
func TestRoundOneHappyPath(t *testing.T) {
	store := memory.New()
	bus := eventbus.New(nil)
	gateway := storage.NewPublishingGateway(store, bus)

	busCtx, cancelBus := context.WithCancel(context.Background())
	defer cancelBus()
	if err := bus.Start(busCtx); err != nil {
		t.Fatalf("start bus: %v", err)
	}
	defer bus.Stop(context.Background())

	holidays := clock.DefaultUSFederalCalendar()
	clkGenerate := clock.NewFrozen(time.Date(2026, 1, 9, 9, 0, 0, 0, time.UTC), "UTC", holidays)
	clkApprove := clock.NewFrozen(time.Date(2026, 1, 9, 10, 0, 0, 0, time.UTC), "UTC", holidays)
	clkDeliver := clock.NewFrozen(time.Date(2026, 1, 12, 15, 0, 0, 0, time.UTC), "UTC", holidays)

	queue := taskqueue.New(store, bus, clkGenerate, nil, taskqueue.Config{})
	machine := roundmachine.New(gateway, queue, clkGenerate, nil)
	machine.Subscribe(bus)

	tracker := deadlinetracker.New(gateway, queue, clkDeliver, nil, time.Minute)
	tracker.Subscribe(bus)

	writer := aiwriter.New(stubAIProvider{}, 10000)
	handlers := app.NewTaskHandlers(gateway, nil, writer, nil, nil, nil, 0)

	transport := newFakeTransport()
	sftpClient := mailsftp.New(func(context.Context) (mailsftp.Transport, error) { return transport, nil })
	pipelineUpload := batchpipeline.New(gateway, queue, sftpClient, "outbound", 1100, clkApprove, nil)
	pipelineDeliver := batchpipeline.New(gateway, queue, sftpClient, "outbound", 1100, clkDeliver, nil)

	client := putClient(t, gateway, domain.Client{TenantID: "t1", Stage: domain.StageActive, CurrentRound: 1})

	type target struct {
		bureau domain.Bureau
		item   domain.DisputeItem
	}
	var targets []target
	for _, bureau := range domain.AllBureaus {
		item := putDisputeItem(t, gateway, domain.DisputeItem{
			TenantID: "t1", ClientID: client.ID, Bureau: bureau, Round: 1,
			AccountNumber: "acct-1", Status: domain.DisputeItemDisputed,
		})
		putRound(t, gateway, domain.Round{
			TenantID: "t1", ClientID: client.ID, Bureau: bureau, Number: 1,
			State: domain.RoundLettersGenerated, CROAHoldFired: true, PaymentCaptured: true,
		})
		targets = append(targets, target{bureau: bureau, item: item})
	}

	// 2026-01-09 09:00: AI drafts one letter per bureau target.
	for _, tg := range targets {
		payload, err := json.Marshal(map[string]any{
			"client_id": client.ID, "dispute_item_id": tg.item.ID, "bureau": tg.bureau,
			"round": 1, "kind": domain.LetterRound1,
			"recipient": domain.Recipient{Kind: domain.RecipientBureau, Name: string(tg.bureau)},
		})
		if err != nil {
			t.Fatalf("marshal generate_letter_ai payload: %v", err)
		}
		if err := handlers.HandleGenerateLetterAI(context.Background(), domain.Task{TenantID: "t1", Payload: payload}); err != nil {
			t.Fatalf("HandleGenerateLetterAI(%s): %v", tg.bureau, err)
		}
	}

	for _, tg := range targets {
		bureau := tg.bureau
		waitFor(t, 2*time.Second, "round "+string(bureau)+" pending_approval", func() bool {
			return getRoundState(t, gateway, client.ID, bureau, 1) == domain.RoundPendingApproval
		})
	}

	// Staff approves each drafted letter, then closes one batch over all three.
	var letterIDs []string
	for _, tg := range targets {
		letterIDs = append(letterIDs, approveLetterForItem(t, gateway, client.ID, 1, tg.item.ID))
	}

	// 2026-01-09 10:00: staff closes batch B1 over all three letters.
	batch, err := pipelineUpload.DraftBatch(context.Background(), "t1")
	if err != nil {
		t.Fatalf("DraftBatch: %v", err)
	}
	if len(batch.LetterIDs) != 3 {
		t.Fatalf("expected batch to contain all 3 letters, got %v", batch.LetterIDs)
	}
	if err := pipelineUpload.ApproveBatch(context.Background(), batch.ID); err != nil {
		t.Fatalf("ApproveBatch: %v", err)
	}
	uploadTask := domain.Task{Payload: []byte(`{"batch_id":"` + batch.ID + `"}`)}
	if err := pipelineUpload.HandleUploadBatchSFTP(context.Background(), uploadTask); err != nil {
		t.Fatalf("HandleUploadBatchSFTP: %v", err)
	}

	for _, tg := range targets {
		bureau := tg.bureau
		waitFor(t, 2*time.Second, "round "+string(bureau)+" in_flight", func() bool {
			return getRoundState(t, gateway, client.ID, bureau, 1) == domain.RoundInFlight
		})
	}

	// The mail provider accepts all three letters.
	ackBody := "letter_id,tracking_number,status\n"
	trackNumbers := []string{"TRACK1", "TRACK2", "TRACK3"}
	for i, id := range letterIDs {
		ackBody += id + "," + trackNumbers[i] + ",ACCEPTED\n"
	}
	transport.files["outbound/ACK-"+batch.ID+".csv"] = []byte(ackBody)

	// 2026-01-12 15:00: the next day's tracking poll marks all three delivered.
	trackBody := "tracking_number,event_ts_iso,event_code\n"
	for _, tn := range trackNumbers {
		trackBody += tn + ",2026-01-12T15:00:00Z,DELIVERED\n"
	}
	transport.files["outbound/TRACK-20260112.csv"] = []byte(trackBody)

	pollTask := domain.Task{Payload: []byte(`{"tenant_id":"t1"}`)}
	if err := pipelineDeliver.HandlePollTrackingSFTP(context.Background(), pollTask); err != nil {
		t.Fatalf("HandlePollTrackingSFTP: %v", err)
	}

	wantRoundResponseDue := time.Date(2026, 2, 11, 15, 0, 0, 0, time.UTC)
	for _, tg := range targets {
		itemID := tg.item.ID
		waitFor(t, 2*time.Second, "round_response deadline for "+string(tg.bureau), func() bool {
			_, err := unresolvedDeadline(t, gateway, domain.ParentDisputeItem, itemID, domain.DeadlineRoundResponse)
			return err == nil
		})

		deadline, err := unresolvedDeadline(t, gateway, domain.ParentDisputeItem, itemID, domain.DeadlineRoundResponse)
		if err != nil {
			t.Fatalf("round_response deadline for %s: %v", tg.bureau, err)
		}
		if !deadline.DueAt.Equal(wantRoundResponseDue) {
			t.Fatalf("expected round_response due %v for %s, got %v", wantRoundResponseDue, tg.bureau, deadline.DueAt)
		}

		escalation, err := unresolvedDeadline(t, gateway, domain.ParentDisputeItem, itemID, domain.DeadlineOverdueEscalation)
		if err != nil {
			t.Fatalf("overdue_escalation deadline for %s: %v", tg.bureau, err)
		}
		if !escalation.DueAt.After(clkDeliver.Now()) {
			t.Fatalf("expected %s overdue_escalation due in the future, got %v", tg.bureau, escalation.DueAt)
		}
	}
}
