package notifier

import (
	"context"
	"testing"

	"github.com/disputeflow/core/internal/adapters/adaptererr"
)

type fakeSender struct {
	sent []Message
	err  error
}

func (f *fakeSender) Send(_ context.Context, msg Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func TestSendDispatchesWithinBudget(t *testing.T) {
	sender := &fakeSender{}
	a := New(sender, 60, 3)

	msg := Message{Channel: ChannelEmail, Recipient: "client@example.com", TemplateID: "round_sent"}
	for i := 0; i < 3; i++ {
		if err := a.Send(context.Background(), msg); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	if len(sender.sent) != 3 {
		t.Fatalf("expected 3 sent, got %d", len(sender.sent))
	}
}

func TestSendRateLimitsPerRecipient(t *testing.T) {
	sender := &fakeSender{}
	a := New(sender, 60, 1)
	msg := Message{Recipient: "client@example.com"}

	if err := a.Send(context.Background(), msg); err != nil {
		t.Fatalf("first Send: %v", err)
	}
	err := a.Send(context.Background(), msg)
	if !adaptererr.IsPolicyBlocked(err) {
		t.Fatalf("expected PolicyBlocked on burst exhaustion, got %v", adaptererr.ClassOf(err))
	}
}

func TestSendRateLimitIsPerRecipientNotGlobal(t *testing.T) {
	sender := &fakeSender{}
	a := New(sender, 60, 1)

	if err := a.Send(context.Background(), Message{Recipient: "a@example.com"}); err != nil {
		t.Fatalf("Send to a: %v", err)
	}
	if err := a.Send(context.Background(), Message{Recipient: "b@example.com"}); err != nil {
		t.Fatalf("Send to b should not be limited by a's budget: %v", err)
	}
}

func TestSendWrapsSenderFailureAsTransient(t *testing.T) {
	sender := &fakeSender{err: context.DeadlineExceeded}
	a := New(sender, 60, 3)

	err := a.Send(context.Background(), Message{Recipient: "client@example.com"})
	if !adaptererr.IsTransient(err) {
		t.Fatalf("expected Transient, got %v", adaptererr.ClassOf(err))
	}
}
