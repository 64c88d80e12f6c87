package taskqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	core "github.com/disputeflow/core/internal/core/service"
	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/system"
	"github.com/disputeflow/core/pkg/logger"
)

var _ system.Service = (*Worker)(nil)

// TaskHandler executes one leased task's side effect. Implementations call
// q.ShouldCancel(task.ID) at suspension points to cooperate with cancellation.
type TaskHandler func(ctx context.Context, task domain.Task) error

// Worker is the Task Queue's poll-and-dispatch pool: on each tick it leases a
// batch of ready tasks and runs each through its registered TaskHandler,
// bounding per-tenant concurrency via the Queue's tenant semaphores.
type Worker struct {
	queue    *Queue
	log      *logger.Logger
	workerID string
	interval time.Duration
	leaseTTL time.Duration
	batch    int
	hooks    core.ObservationHooks

	mu       sync.Mutex
	handlers map[domain.TaskType]TaskHandler
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	running  bool
}

// WorkerConfig configures polling cadence and batch size.
type WorkerConfig struct {
	WorkerID string
	Interval time.Duration
	LeaseTTL time.Duration
	Batch    int
}

// NewWorker creates a lifecycle-managed task worker pool over queue.
func NewWorker(queue *Queue, log *logger.Logger, cfg WorkerConfig) *Worker {
	if log == nil {
		log = logger.NewDefault("taskqueue-worker")
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-1"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 20
	}
	return &Worker{
		queue:    queue,
		log:      log,
		workerID: cfg.WorkerID,
		interval: cfg.Interval,
		leaseTTL: cfg.LeaseTTL,
		batch:    cfg.Batch,
		hooks:    core.NoopObservationHooks,
		handlers: make(map[domain.TaskType]TaskHandler),
	}
}

// WithObservationHooks wires metrics/tracing hooks around each task run.
func (w *Worker) WithObservationHooks(hooks core.ObservationHooks) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.hooks = hooks
}

// Register binds a handler to a task type. Registering a type twice replaces
// the previous handler.
func (w *Worker) Register(taskType domain.TaskType, handler TaskHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[taskType] = handler
}

// Name returns the service identifier.
func (w *Worker) Name() string { return "taskqueue-worker:" + w.workerID }

// Descriptor advertises the worker's architectural placement.
func (w *Worker) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         w.Name(),
		Domain:       "taskqueue",
		Layer:        core.LayerEngine,
		Capabilities: []string{"lease", "dispatch"},
	}
}

// Start begins the background poll loop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.running = true
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				w.tick(runCtx)
			}
		}
	}()

	w.log.WithField("worker_id", w.workerID).Info("task worker started")
	return nil
}

// Stop halts the poll loop, waiting for the in-flight tick to finish.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	cancel := w.cancel
	w.running = false
	w.cancel = nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		w.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.log.WithField("worker_id", w.workerID).Info("task worker stopped")
	return nil
}

func (w *Worker) tick(ctx context.Context) {
	tasks, err := w.queue.Lease(ctx, w.workerID, w.leaseTTL, w.batch)
	if err != nil {
		w.log.WithError(err).Warn("task worker lease failed")
		return
	}

	var dispatch sync.WaitGroup
	for _, task := range tasks {
		dispatch.Add(1)
		go func(task domain.Task) {
			defer dispatch.Done()
			w.run(ctx, task)
		}(task)
	}
	dispatch.Wait()
}

func (w *Worker) run(ctx context.Context, task domain.Task) {
	release, err := w.queue.AcquireTenantSlot(ctx, task.TenantID)
	if err != nil {
		return
	}
	defer release()

	w.mu.Lock()
	handler, ok := w.handlers[task.Type]
	w.mu.Unlock()

	if !ok {
		w.fail(ctx, task, fmt.Errorf("no handler registered for task type %q", task.Type))
		return
	}

	meta := map[string]string{"task_id": task.ID, "task_type": string(task.Type), "tenant_id": task.TenantID}
	finish := core.StartObservation(ctx, w.hooks, meta)
	err = handler(ctx, task)
	finish(err)

	if err != nil {
		w.fail(ctx, task, err)
		return
	}
	if ackErr := w.queue.Ack(ctx, task.ID); ackErr != nil {
		w.log.WithField("task_id", task.ID).WithError(ackErr).Warn("task ack failed")
	}
}

func (w *Worker) fail(ctx context.Context, task domain.Task, cause error) {
	if _, err := w.queue.Fail(ctx, task.ID, cause); err != nil {
		w.log.WithField("task_id", task.ID).WithError(err).Warn("task fail-record failed")
	}
}
