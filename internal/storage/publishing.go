package storage

import (
	"context"

	"github.com/disputeflow/core/internal/domain"
)

// Publisher is the narrow eventbus.Bus surface a PublishingGateway needs;
// satisfied by *eventbus.Bus without this package importing eventbus.
type Publisher interface {
	Publish(ctx context.Context, events []domain.DomainEvent) error
}

// publishingGateway decorates a Gateway so that every committed
// transaction's events are hand off to pub, mirroring the
// commit-then-publish guarantee the Task Queue already implements for
// itself in taskqueue.Queue.runAndPublish. Every other engine — the Dispute
// Round State Machine, the Deadline & SLA Tracker, the Batch Letter
// Pipeline, the Workflow Trigger Engine's onEvent hook, and the Command
// API's webhook/command handlers — takes a plain Gateway and relies on the
// instance it is given already being one of these, so live subscribers
// such as Tracker.Subscribe and Machine.Subscribe actually receive what
// these components commit.
type publishingGateway struct {
	Gateway
	pub Publisher
}

// NewPublishingGateway wraps gw so committed events reach pub. Pass the
// result, not the raw Gateway, to every component that does not itself
// hold a bus reference.
func NewPublishingGateway(gw Gateway, pub Publisher) Gateway {
	return &publishingGateway{Gateway: gw, pub: pub}
}

func (g *publishingGateway) RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) ([]domain.DomainEvent, error)) error {
	var events []domain.DomainEvent
	err := g.Gateway.RunInTx(ctx, func(ctx context.Context, tx Tx) ([]domain.DomainEvent, error) {
		staged, err := fn(ctx, tx)
		events = staged
		return staged, err
	})
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	return g.pub.Publish(ctx, events)
}
