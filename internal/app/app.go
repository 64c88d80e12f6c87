package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	core "github.com/disputeflow/core/internal/core/service"

	"github.com/disputeflow/core/internal/adapters/aiwriter"
	"github.com/disputeflow/core/internal/adapters/creditscraper"
	"github.com/disputeflow/core/internal/adapters/mailsftp"
	"github.com/disputeflow/core/internal/adapters/notifier"
	"github.com/disputeflow/core/internal/adapters/paymentgateway"
	"github.com/disputeflow/core/internal/batchpipeline"
	"github.com/disputeflow/core/internal/clock"
	"github.com/disputeflow/core/internal/config"
	"github.com/disputeflow/core/internal/deadlinetracker"
	"github.com/disputeflow/core/internal/dedupcache"
	"github.com/disputeflow/core/internal/domain"
	"github.com/disputeflow/core/internal/eventbus"
	"github.com/disputeflow/core/internal/httpapi"
	"github.com/disputeflow/core/internal/obsmetrics"
	"github.com/disputeflow/core/internal/platform/database"
	"github.com/disputeflow/core/internal/roundmachine"
	"github.com/disputeflow/core/internal/scheduler"
	"github.com/disputeflow/core/internal/storage"
	"github.com/disputeflow/core/internal/storage/memory"
	"github.com/disputeflow/core/internal/storage/postgres"
	"github.com/disputeflow/core/internal/system"
	"github.com/disputeflow/core/internal/taskqueue"
	"github.com/disputeflow/core/internal/triggerengine"
	"github.com/disputeflow/core/pkg/logger"
)

const (
	schedulerInterval       = time.Minute
	deadlineTrackerInterval = time.Minute
	aiHTTPTimeout           = 30 * time.Second
)

// App bundles every long-lived component the Dispute Orchestration Core
// needs at runtime: the storage backend, every engine and adapter, the
// Command API handler, and the ordered list of system.Service instances
// main.go starts and stops.
type App struct {
	Config   *config.Config
	Log      *logger.Logger
	DB       *sql.DB
	Handler  *httpapi.Handler
	services []system.Service
}

// New wires the whole application from cfg. The raw storage.Gateway goes
// to the Task Queue, which already republishes its own committed events;
// every other component gets storage.NewPublishingGateway(raw, bus) instead,
// since none of them hold a bus reference of their own.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	log := logger.New(logger.LoggingConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})

	holidays := clock.DefaultUSFederalCalendar()
	clk := clock.New(cfg.BusinessTZ, holidays)

	var (
		rawGateway storage.Gateway
		db         *sql.DB
	)
	if cfg.DatabaseURL == "" {
		rawGateway = memory.New()
	} else {
		opened, err := database.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("app: open database: %w", err)
		}
		db = opened
		rawGateway = postgres.New(db, "postgres")
	}

	bus := eventbus.New(log)
	gateway := storage.NewPublishingGateway(rawGateway, bus)

	metrics := obsmetrics.New(prometheus.DefaultRegisterer)
	taskHooks := core.ObservationHooks{
		OnComplete: func(_ context.Context, meta map[string]string, err error, d time.Duration) {
			outcome := "ok"
			if err != nil {
				outcome = "error"
			}
			metrics.RecordTask(meta["task_type"], outcome, d)
		},
	}

	queue := taskqueue.New(rawGateway, bus, clk, log, taskqueue.Config{
		BackoffBase:          cfg.TaskBackoffBase,
		BackoffCap:           cfg.TaskBackoffCap,
		TenantMaxConcurrency: cfg.TenantMaxConcurrency,
	})

	machine := roundmachine.New(gateway, queue, clk, log)
	tracker := deadlinetracker.New(gateway, queue, clk, log, deadlineTrackerInterval)
	trigger := triggerengine.New(gateway, queue, log)
	sched := scheduler.New(gateway, queue, clk, log, schedulerInterval)

	sftpSigner, sftpErr := ParseSFTPSigner(cfg.SFTPKeyRef)
	var sftpClient *mailsftp.Client
	if sftpErr == nil {
		dialer := mailsftp.NewSSHDialer(mailsftp.Config{Host: cfg.SFTPHost, User: cfg.SFTPUser, Signer: sftpSigner})
		sftpClient = mailsftp.New(dialer)
	} else {
		log.WithError(sftpErr).Warn("app: mail-sftp not configured, batch upload/tracking tasks will fail until CORE_SFTP_* is set")
		sftpClient = mailsftp.New(func(context.Context) (mailsftp.Transport, error) {
			return nil, sftpErr
		})
	}
	pipeline := batchpipeline.New(gateway, queue, sftpClient, "/outbound", cfg.LetterCostMinor, clk, log)

	masterKey, hasMasterKey, keyErr := cfg.CreditScraperMasterKey()
	if keyErr != nil {
		return nil, fmt.Errorf("app: %w", keyErr)
	}
	if !hasMasterKey {
		log.Warn("app: CORE_CREDIT_SCRAPER_MASTER_KEY not set, credit report imports will fail until configured")
	}
	scraper := creditscraper.New(NewUnconfiguredCreditScraperClient(), masterKey)

	writer := aiwriter.New(NewHTTPAIProvider(cfg.AIEndpoint, aiHTTPTimeout), cfg.AIBudgetToken)
	payments := paymentgateway.New(NewUnconfiguredPaymentProvider(), cfg.PaymentWebhookSecret)
	notify := notifier.New(NewUnconfiguredSender(), 60, 10)

	handlers := NewTaskHandlers(gateway, scraper, writer, payments, notify, log, cfg.LetterCostMinor)

	worker := taskqueue.NewWorker(queue, log, taskqueue.WorkerConfig{WorkerID: "worker-1"})
	worker.WithObservationHooks(taskHooks)
	worker.Register(domain.TaskAdvanceRound, machine.HandleAdvanceRound)
	worker.Register(domain.TaskFireDeadline, tracker.HandleFireDeadline)
	worker.Register(domain.TaskEvaluateTrigger, trigger.HandleEvaluateTrigger)
	worker.Register(domain.TaskUploadBatchSFTP, pipeline.HandleUploadBatchSFTP)
	worker.Register(domain.TaskPollTrackingSFTP, pipeline.HandlePollTrackingSFTP)
	handlers.Register(worker)

	machine.Subscribe(bus)
	tracker.Subscribe(bus)
	trigger.SubscribeAll(bus)

	var dedup *dedupcache.Cache
	redisClient, err := dedupcache.Open(cfg.RedisURL)
	if err != nil {
		log.WithError(err).Warn("app: redis dedup cache unavailable, falling back to Postgres-only dedup")
	} else {
		dedup = dedupcache.New(redisClient)
	}

	handler := httpapi.New(gateway, queue, machine, pipeline, payments, dedup, clk, log)

	built := &App{
		Config:  cfg,
		Log:     log,
		DB:      db,
		Handler: handler,
		services: []system.Service{
			bus,
			worker,
			tracker,
			sched,
		},
	}
	return built, nil
}

// Start brings up every lifecycle-managed service in dependency order: the
// Event Bus first, so no publish is ever lost to a subscriber that has not
// started listening yet.
func (a *App) Start(ctx context.Context) error {
	for _, svc := range a.services {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("app: start %s: %w", svc.Name(), err)
		}
	}
	return nil
}

// Stop tears every service down in reverse order.
func (a *App) Stop(ctx context.Context) error {
	var firstErr error
	for i := len(a.services) - 1; i >= 0; i-- {
		if err := a.services[i].Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
