// Package httpapi implements the Command API: the narrow, synchronous
// HTTP surface staff tooling and upstream services use to drive the
// Dispute Orchestration Core. It is a thin adapter over the engines —
// every handler either calls straight through to a component's public
// method or enqueues a Task — and never itself holds business state.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/disputeflow/core/internal/adapters/paymentgateway"
	"github.com/disputeflow/core/internal/batchpipeline"
	"github.com/disputeflow/core/internal/clock"
	"github.com/disputeflow/core/internal/dedupcache"
	"github.com/disputeflow/core/internal/roundmachine"
	"github.com/disputeflow/core/internal/storage"
	"github.com/disputeflow/core/internal/taskqueue"
	"github.com/disputeflow/core/pkg/logger"
)

// Handler bundles every dependency the Command API's routes call through
// to. Nothing here is owned by the handler; it is all wired in cmd/.
type Handler struct {
	gateway  storage.Gateway
	queue    *taskqueue.Queue
	machine  *roundmachine.Machine
	pipeline *batchpipeline.Pipeline
	payments *paymentgateway.Adapter
	dedup    *dedupcache.Cache
	clk      clock.Clock
	log      *logger.Logger
}

// New constructs a Handler. dedup may be nil, in which case every webhook
// falls straight through to the Postgres dedup check.
func New(gateway storage.Gateway, queue *taskqueue.Queue, machine *roundmachine.Machine, pipeline *batchpipeline.Pipeline, payments *paymentgateway.Adapter, dedup *dedupcache.Cache, clk clock.Clock, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}
	return &Handler{gateway: gateway, queue: queue, machine: machine, pipeline: pipeline, payments: payments, dedup: dedup, clk: clk, log: log}
}

// Router builds the chi router for the Command API: the five endpoints
// spec.md names (three staff/system commands, one provider webhook, one
// read-only status projection), plus two staff-recorded signals
// (RecordCROASignature, RecordBureauResponse) that feed the engine's
// croa.signed and response.received events — see SPEC_FULL.md §7.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Route("/commands", func(r chi.Router) {
		r.Post("/dispute/{clientId}/advance-round", h.AdvanceRound)
		r.Post("/letters/batch/{batchId}/approve", h.ApproveBatch)
		r.Post("/credit-report/import", h.ImportCreditReport)
		r.Post("/dispute/{clientId}/croa-signature", h.RecordCROASignature)
		r.Post("/dispute/{clientId}/bureau-response", h.RecordBureauResponse)
	})
	r.Post("/webhooks/payments", h.PaymentWebhook)
	r.Get("/status/client/{id}", h.ClientStatus)

	return r
}
