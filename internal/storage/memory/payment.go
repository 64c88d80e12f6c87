package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/storage"
)

type paymentRepo struct{ s *Store }

func (r paymentRepo) Get(_ context.Context, id string) (domain.Payment, error) {
	p, ok := r.s.payments[id]
	if !ok {
		return domain.Payment{}, storage.ErrNotFound
	}
	return p, nil
}

func (r paymentRepo) Put(_ context.Context, p domain.Payment) (domain.Payment, error) {
	existing, ok := r.s.payments[p.ID]
	if p.ID == "" {
		p.ID = uuid.NewString()
	} else if ok {
		if err := checkVersion(existing.Version, p.Version); err != nil {
			return domain.Payment{}, err
		}
		p.CreatedAt = existing.CreatedAt
	} else {
		p.CreatedAt = time.Now().UTC()
	}
	p.UpdatedAt = time.Now().UTC()
	p.Version = existing.Version + 1
	r.s.payments[p.ID] = p
	return p, nil
}

// ByProviderEventID backs webhook idempotency: replayed events are
// deduplicated by provider event id.
func (r paymentRepo) ByProviderEventID(_ context.Context, providerEventID string) (domain.Payment, error) {
	if providerEventID == "" {
		return domain.Payment{}, storage.ErrNotFound
	}
	for _, p := range r.s.payments {
		if p.ProviderEventID == providerEventID {
			return p, nil
		}
	}
	return domain.Payment{}, storage.ErrNotFound
}

// ByProviderRef resolves a webhook's payment_ref back to the Payment row
// the gateway created it for.
func (r paymentRepo) ByProviderRef(_ context.Context, providerRef string) (domain.Payment, error) {
	if providerRef == "" {
		return domain.Payment{}, storage.ErrNotFound
	}
	for _, p := range r.s.payments {
		if p.ProviderRef == providerRef {
			return p, nil
		}
	}
	return domain.Payment{}, storage.ErrNotFound
}

func (r paymentRepo) ByClientBureauRound(_ context.Context, clientID string, bureau domain.Bureau, round int, kind domain.PaymentKind) (domain.Payment, error) {
	for _, p := range r.s.payments {
		if p.ClientID == clientID && p.Bureau == bureau && p.Round == round && p.Kind == kind {
			return p, nil
		}
	}
	return domain.Payment{}, storage.ErrNotFound
}
