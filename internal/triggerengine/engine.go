// Package triggerengine implements the Workflow Trigger Engine: a closed-set
// event -> condition -> action rule evaluator. Triggers never write state
// directly; every match compiles to exactly one Task Queue entry, so all
// side effects remain exactly-once via the task's idempotency key.
package triggerengine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/PaesslerAG/gval"

	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/eventbus"
	"github.com/disputeflow/core/internal/storage"
	"github.com/disputeflow/core/internal/taskqueue"
	"github.com/disputeflow/core/pkg/logger"
)

// defaultEvalTimeout bounds a single condition evaluation. Per spec.md
// §4.5 conditions must be total: a timeout is treated as a non-match, never
// a panic or a hung evaluation.
const defaultEvalTimeout = 200 * time.Millisecond

// evalLanguage combines gval.Arithmetic() and gval.PropositionalLogic():
// arithmetic, comparison, and logical operators over named variables, with
// no function calls, no
// property-path traversal beyond the map keys supplied, and no bitwise or
// string-manipulation extensions. This is the "restricted expression
// language over event fields and a few denormalized client attributes"
// spec.md §4.5 calls for, not a general-purpose scripting surface.
var evalLanguage = gval.NewLanguage(gval.Arithmetic(), gval.PropositionalLogic())

// Engine is the Workflow Trigger Engine. It subscribes to the Event Bus for
// every event and defers the actual trigger evaluation to an
// evaluate_trigger Task, so a burst of events or a slow condition set never
// blocks event-bus delivery to other engines.
type Engine struct {
	gateway storage.Gateway
	queue   *taskqueue.Queue
	log     *logger.Logger
	timeout time.Duration
}

// New constructs a trigger Engine.
func New(gateway storage.Gateway, queue *taskqueue.Queue, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.NewDefault("triggerengine")
	}
	return &Engine{gateway: gateway, queue: queue, log: log, timeout: defaultEvalTimeout}
}

// WithEvalTimeout overrides the per-condition evaluation timeout.
func (e *Engine) WithEvalTimeout(d time.Duration) {
	if d > 0 {
		e.timeout = d
	}
}

// SubscribeAll registers the engine's deferral handler on bus for every
// event type, returning the unsubscribe func.
func (e *Engine) SubscribeAll(bus *eventbus.Bus) func() {
	return bus.SubscribeAll("triggerengine", e.onEvent)
}

// onEvent enqueues an evaluate_trigger Task for the committed event, keyed
// so the same event is never double-evaluated.
func (e *Engine) onEvent(ctx context.Context, ev domain.DomainEvent) error {
	envelope := ev.ToEnvelope()
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("triggerengine: marshal envelope: %w", err)
	}
	key := fmt.Sprintf("evaluate_trigger:%s:%d", ev.AggregateID, ev.Sequence)
	_, err = e.queue.Enqueue(ctx, ev.TenantID, domain.TaskEvaluateTrigger, payload, time.Now().UTC(), key, 0)
	return err
}

// HandleEvaluateTrigger is the taskqueue.TaskHandler for
// domain.TaskEvaluateTrigger. It loads enabled triggers for the event's
// type in priority order, evaluates each condition, and enqueues one task
// per match.
func (e *Engine) HandleEvaluateTrigger(ctx context.Context, task domain.Task) error {
	var envelope domain.Envelope
	if err := json.Unmarshal(task.Payload, &envelope); err != nil {
		return fmt.Errorf("triggerengine: unmarshal envelope: %w", err)
	}

	var (
		triggers []domain.WorkflowTrigger
		client   domain.Client
		hasClient bool
	)
	err := e.gateway.RunInTx(ctx, func(ctx context.Context, tx storage.Tx) ([]domain.DomainEvent, error) {
		found, err := tx.Triggers().EnabledForEvent(ctx, envelope.Tenant, envelope.Type)
		if err != nil {
			return nil, err
		}
		triggers = found

		if envelope.AggregateType == domain.AggregateClient {
			if c, err := tx.Clients().Get(ctx, envelope.AggregateID); err == nil {
				client = c
				hasClient = true
			}
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("triggerengine: load triggers: %w", err)
	}
	if len(triggers) == 0 {
		return nil
	}

	vars, err := buildVars(envelope, client, hasClient)
	if err != nil {
		return fmt.Errorf("triggerengine: build evaluation context: %w", err)
	}

	for _, trig := range triggers {
		if !trig.Enabled {
			continue
		}
		matched := e.evaluate(ctx, trig, vars)
		if !matched {
			continue
		}
		if err := e.enqueueAction(ctx, trig, envelope); err != nil {
			e.log.WithField("trigger_id", trig.ID).WithError(err).Warn("triggerengine: enqueue action failed")
		}
	}
	return nil
}

// enqueueAction compiles trig's closed Action into exactly one Task Queue
// entry. The 8-member TriggerAction set does not correspond one-to-one with
// the 15-member TaskType set: send_email and send_sms map directly,
// create_task reads its concrete task type out of the trigger's own
// ActionTemplate (matching the create_task(type, payload, delay) action
// signature), generate_document always produces an AI-drafted letter task,
// and the four remaining client-mutation actions (update_status,
// assign_staff, add_note, schedule_followup) all route through
// advance_round with an "instruction" discriminator, since none of them
// warrants its own TaskType and all four are interpreted by the same round
// state machine.
func (e *Engine) enqueueAction(ctx context.Context, trig domain.WorkflowTrigger, envelope domain.Envelope) error {
	key := fmt.Sprintf("trigger:%s:%s:%d", trig.ID, envelope.AggregateID, envelope.Sequence)
	runAt := time.Now().UTC()

	template := json.RawMessage(trig.ActionTemplate)
	if len(template) == 0 {
		template = json.RawMessage("{}")
	}

	switch trig.Action {
	case domain.ActionSendEmail:
		return e.enqueueRaw(ctx, envelope.Tenant, domain.TaskSendEmail, template, runAt, key)

	case domain.ActionSendSMS:
		return e.enqueueRaw(ctx, envelope.Tenant, domain.TaskSendSMS, template, runAt, key)

	case domain.ActionGenerateDocument:
		return e.enqueueRaw(ctx, envelope.Tenant, domain.TaskGenerateLetterAI, template, runAt, key)

	case domain.ActionCreateTask:
		var spec struct {
			Type    domain.TaskType `json:"type"`
			Payload json.RawMessage `json:"payload"`
			DelayS  int             `json:"delay_s"`
		}
		if err := json.Unmarshal([]byte(trig.ActionTemplate), &spec); err != nil {
			return fmt.Errorf("triggerengine: create_task action template: %w", err)
		}
		if spec.DelayS > 0 {
			runAt = runAt.Add(time.Duration(spec.DelayS) * time.Second)
		}
		return e.enqueueRaw(ctx, envelope.Tenant, spec.Type, spec.Payload, runAt, key)

	case domain.ActionUpdateStatus, domain.ActionAssignStaff, domain.ActionAddNote, domain.ActionScheduleFollowup:
		instruction := map[string]json.RawMessage{
			"instruction":     json.RawMessage(fmt.Sprintf("%q", trig.Action)),
			"client_id":       json.RawMessage(fmt.Sprintf("%q", envelope.AggregateID)),
			"action_template": json.RawMessage(trig.ActionTemplate),
		}
		return e.enqueueRaw(ctx, envelope.Tenant, domain.TaskAdvanceRound, instruction, runAt, key)

	default:
		return fmt.Errorf("triggerengine: unknown trigger action %q", trig.Action)
	}
}

func (e *Engine) enqueueRaw(ctx context.Context, tenantID string, taskType domain.TaskType, payload any, runAt time.Time, key string) error {
	_, err := e.queue.Enqueue(ctx, tenantID, taskType, payload, runAt, key, 0)
	return err
}

func buildVars(envelope domain.Envelope, client domain.Client, hasClient bool) (map[string]any, error) {
	var payload map[string]any
	if len(envelope.Payload) > 0 {
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			// Payloads are not always JSON objects (could be a scalar or
			// absent); fall back to an empty map rather than failing the
			// whole evaluation.
			payload = map[string]any{}
		}
	}
	if payload == nil {
		payload = map[string]any{}
	}

	vars := map[string]any{
		"event": map[string]any{
			"type":           envelope.Type,
			"aggregate_type": string(envelope.AggregateType),
			"aggregate_id":   envelope.AggregateID,
			"tenant_id":      envelope.Tenant,
			"payload":        payload,
		},
	}
	if hasClient {
		vars["client"] = map[string]any{
			"id":            client.ID,
			"stage":         string(client.Stage),
			"current_round": client.CurrentRound,
			"croa_cleared":  client.CROA.Cleared,
		}
	}
	return vars, nil
}

// evaluate runs trig's condition against vars under a hard timeout. Any
// error, timeout, or non-bool result is treated as a non-match; conditions
// never panic the caller.
func (e *Engine) evaluate(ctx context.Context, trig domain.WorkflowTrigger, vars map[string]any) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			e.log.WithField("trigger_id", trig.ID).Warn("triggerengine: condition panicked, treated as non-match")
			matched = false
		}
	}()

	evalCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	evaluable, err := evalLanguage.NewEvaluable(trig.ConditionExpression)
	if err != nil {
		e.log.WithField("trigger_id", trig.ID).WithError(err).Warn("triggerengine: invalid condition expression")
		return false
	}

	result, err := evaluable(evalCtx, vars)
	if err != nil {
		return false
	}
	ok, _ := result.(bool)
	return ok
}
