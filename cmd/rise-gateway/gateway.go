package main

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v3"
	redis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/risehq/rise-gateway/pkg/capability"
	"github.com/risehq/rise-gateway/pkg/channel"
	"github.com/risehq/rise-gateway/pkg/cmd"
	"github.com/risehq/rise-gateway/pkg/dispatch"
	"github.com/risehq/rise-gateway/pkg/eventbus"
	"github.com/risehq/rise-gateway/pkg/events"
	"github.com/risehq/rise-gateway/pkg/health"
	"github.com/risehq/rise-gateway/pkg/metrics"
	"github.com/risehq/rise-gateway/pkg/taskqueue"
	"github.com/risehq/rise-gateway/pkg/telegram"
	"github.com/risehq/rise-gateway/pkg/web"
	"github.com/risehq/rise-gateway/pkg/workflow"
)

const (
	shutdownTimeout = 30 * time.Second
	janitorInterval = time.Minute
)

// Config carries everything the gateway needs to boot.
type Config struct {
	Port              int
	MongoURL          string
	MongoDatabase     string
	RedisURL          string
	EventBusType      string
	WebhookSecret     string
	WebhookURL        string
	TokenSecret       string
	AgentURL          string
	ProbeMode         string
	ProbeEnabled      bool
	FallbackEnabled   bool
	RefreshTimeout    time.Duration
	WorkerConcurrency int
	SummaryTTL        time.Duration
	SummaryMaxEntries int
}

// Gateway owns the full component graph and its lifecycle.
type Gateway struct {
	cfg    Config
	logger *slog.Logger

	mongoClient *mongo.Client
	redisClient redis.UniversalClient
	bus         eventbus.EventBus

	registry   *channel.Registry
	validator  *channel.Validator
	queue      *taskqueue.RedisQueue
	janitor    *taskqueue.Janitor
	scheduler  *capability.Scheduler
	supervisor *capability.Supervisor
	monitor    *health.Monitor
	app        *fiber.App
}

// NewGateway connects the backing stores and assembles the component graph.
// Nothing is started yet; Run owns the lifecycle.
func NewGateway(ctx context.Context, cfg Config, logger *slog.Logger) (*Gateway, error) {
	if cfg.WebhookURL != "" {
		if err := channel.ValidateWebhookURL(cfg.WebhookURL); err != nil {
			return nil, fmt.Errorf("webhook url: %w", err)
		}
	}

	mongoClient, db, err := cmd.NewMongo(ctx, cfg.MongoURL, cfg.MongoDatabase)
	if err != nil {
		return nil, err
	}

	redisClient, err := cmd.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, err
	}

	bus := cmd.NewEventBus(cfg.EventBusType, redisClient, logger)

	secrets, err := channel.NewSecretBox(cfg.TokenSecret)
	if err != nil {
		return nil, fmt.Errorf("token secret: %w", err)
	}

	// Binding plane: store, workflow catalog, registry, commands.
	repo := workflow.NewRepository(db)
	stageRepo := workflow.NewStageRepository(db)
	catalog := workflow.NewCatalog(repo)

	bindingStore := channel.NewMongoStore(db)
	bindingService := channel.NewBindingService(bindingStore, catalog, secrets)
	registry := channel.NewRegistry(bindingService)
	commands := channel.NewCommandService(bindingService, registry, bus)
	validator := channel.NewValidator(registry, channel.DefaultValidateInterval)

	bus.Handle(events.BindingChangedEvent, registry.HandleEvent)
	bus.Handle(events.BindingHealthChangedEvent, registry.HandleEvent)

	// Task plane: queue, run records, workers.
	queue := taskqueue.NewRedisQueue(redisClient)
	janitor := taskqueue.NewJanitor(queue, janitorInterval)
	runs := workflow.NewMongoRunStore(db)
	deadLetters := workflow.NewMongoDeadLetterStore(db)

	if err := ensureIndexes(ctx, bindingStore, runs, deadLetters); err != nil {
		return nil, fmt.Errorf("mongodb indexes: %w", err)
	}
	summaries := taskqueue.NewSummaryStore(redisClient, db, cfg.SummaryMaxEntries, cfg.SummaryTTL)
	broker := taskqueue.NewResultBroker()

	pool := taskqueue.NewPool(
		queue, runs, repo, stageRepo,
		NewAgentExecutor(cfg.AgentURL),
		broker, summaries, deadLetters,
		taskqueue.PoolConfig{Concurrency: cfg.WorkerConcurrency})

	// Dispatch plane.
	healthStore := channel.NewHealthStore(redisClient)
	pending := dispatch.NewPendingTracker(redisClient)

	dispatcher := dispatch.NewDispatcher(
		registry,
		dispatch.NewReservationStore(redisClient),
		dispatch.NewRateLimiter(redisClient),
		pending,
		taskqueue.NewSubmitter(queue, runs),
		broker,
		summaries,
		healthStore,
		dispatch.Config{
			FallbackEnabled: cfg.FallbackEnabled,
			RefreshTimeout:  cfg.RefreshTimeout,
		})

	telegramClient := telegram.NewBotClient()
	pool.SetNotifier(dispatch.NewResultNotifier(
		registry, bindingService, pending, telegramClient, channel.ChannelTelegram))

	// Capability plane: probes feed the registry; the supervisor pauses and
	// resumes the worker pool on critical transitions.
	capRegistry := capability.NewRegistry(bus)
	supervisor := capability.NewSupervisor(capRegistry, pool)

	supervisor.OnRecovery(capability.CapabilityRedis, func(ctx context.Context) {
		if reclaimed, err := queue.ReclaimStale(ctx); err != nil {
			logger.WarnContext(ctx, "stale task reclaim after recovery failed", "error", err)
		} else if reclaimed > 0 {
			logger.InfoContext(ctx, "reclaimed stale tasks after recovery", "count", reclaimed)
		}

		// Pub/sub consumers may have missed binding frames while Redis was
		// down; replay the current snapshot.
		if err := commands.Republish(ctx, channel.ChannelTelegram); err != nil {
			logger.WarnContext(ctx, "binding snapshot republish after recovery failed", "error", err)
		}
	})
	supervisor.OnRecovery(capability.CapabilityMongo, func(ctx context.Context) {
		if _, err := registry.Refresh(ctx, ""); err != nil {
			logger.WarnContext(ctx, "binding refresh after recovery failed", "error", err)
		}
	})

	scheduler := capability.NewScheduler(capRegistry, capability.SchedulerConfig{},
		capability.NewMongoProbe(mongoClient),
		capability.NewRedisProbe(redisClient),
		capability.NewTelegramProbe(cfg.ProbeMode, cfg.WebhookURL, &botChecker{
			bindings: registry,
			service:  bindingService,
			client:   telegramClient,
		}),
		capability.NewFuncProbe(capability.CapabilityBus, func(ctx context.Context) error {
			heartbeat := events.CapabilityState{
				BaseEvent:  events.NewBaseEvent(events.CapabilityStateEvent, channel.ChannelTelegram),
				Capability: capability.CapabilityBus,
				Status:     capability.StatusAvailable,
			}

			return bus.Publish(ctx, "heartbeat", heartbeat)
		}))

	// Binding health monitor.
	monitor := health.NewMonitor(
		registry, bindingService, telegramClient, dispatcher,
		healthStore, commands, bus,
		health.Config{ProbeEnabled: cfg.ProbeEnabled})

	// HTTP surface.
	handlers := web.NewHandlers(
		web.Config{
			WebhookSecret: cfg.WebhookSecret,
			WebhookURL:    cfg.WebhookURL,
		},
		dispatcher,
		commands,
		registry,
		bindingService,
		supervisor,
		capRegistry,
		queue,
		deadLetterCounter{store: deadLetters},
		dispatch.NewTestMessageLimiter(redisClient),
		telegramClient,
		metrics.NewRecorder())

	return &Gateway{
		cfg:         cfg,
		logger:      logger,
		mongoClient: mongoClient,
		redisClient: redisClient,
		bus:         bus,
		registry:    registry,
		validator:   validator,
		queue:       queue,
		janitor:     janitor,
		scheduler:   scheduler,
		supervisor:  supervisor,
		monitor:     monitor,
		app:         web.NewApp(handlers),
	}, nil
}

// Run starts every component, serves HTTP until the context is cancelled, and
// shuts down in dependency order.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.bus.Subscribe(ctx); err != nil {
		return fmt.Errorf("event bus subscribe: %w", err)
	}

	if _, err := g.registry.Refresh(ctx, channel.ChannelTelegram); err != nil {
		g.logger.WarnContext(ctx, "initial binding refresh failed", "error", err)
	}

	if err := g.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("capability probes: %w", err)
	}

	g.supervisor.Start(ctx)
	g.janitor.Start(ctx)

	if err := g.validator.Start(ctx); err != nil {
		return fmt.Errorf("binding validator: %w", err)
	}

	g.monitor.Start(ctx)

	errCh := make(chan error, 1)

	go func() {
		errCh <- g.app.Listen(":" + strconv.Itoa(g.cfg.Port))
	}()

	g.logger.InfoContext(ctx, "gateway started", "port", g.cfg.Port)

	select {
	case err := <-errCh:
		g.shutdown()

		return err
	case <-ctx.Done():
		g.logger.Info("shutdown signal received")
		g.shutdown()

		return nil
	}
}

// shutdown stops intake first, then drains the workers, then closes the
// backing connections.
func (g *Gateway) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := g.app.ShutdownWithContext(ctx); err != nil {
		g.logger.Error("http shutdown failed", "error", err)
	}

	g.monitor.Stop()
	g.validator.Stop()
	g.scheduler.Stop()
	g.supervisor.Stop()
	g.janitor.Stop()

	if err := g.bus.Close(); err != nil {
		g.logger.Error("event bus close failed", "error", err)
	}

	if err := g.redisClient.Close(); err != nil {
		g.logger.Error("redis close failed", "error", err)
	}

	if err := g.mongoClient.Disconnect(ctx); err != nil {
		g.logger.Error("mongodb disconnect failed", "error", err)
	}

	g.logger.Info("gateway stopped")
}

func ensureIndexes(
	ctx context.Context,
	bindings *channel.MongoStore,
	runs *workflow.MongoRunStore,
	deadLetters *workflow.MongoDeadLetterStore,
) error {
	if err := bindings.EnsureIndexes(ctx); err != nil {
		return err
	}

	if err := runs.EnsureIndexes(ctx); err != nil {
		return err
	}

	return deadLetters.EnsureIndexes(ctx)
}

// botChecker backs the Telegram capability probe: getMe with the active
// binding's token.
type botChecker struct {
	bindings *channel.Registry
	service  *channel.BindingService
	client   telegram.Client
}

func (b *botChecker) CheckToken(ctx context.Context) error {
	binding, err := b.bindings.GetActiveBinding(ctx, channel.ChannelTelegram)
	if err != nil {
		return err
	}

	if binding == nil || binding.Policy == nil {
		return fmt.Errorf("%w: no active binding to probe", capability.ErrDegraded)
	}

	token, err := b.service.DecryptToken(binding.Policy)
	if err != nil {
		return err
	}

	_, err = b.client.GetMe(ctx, token)

	return err
}

// deadLetterCounter narrows the Mongo dead letter store to the diagnostics
// surface.
type deadLetterCounter struct {
	store *workflow.MongoDeadLetterStore
}

func (d deadLetterCounter) Count(ctx context.Context) (int64, error) {
	return d.store.Count(ctx, channel.ChannelTelegram)
}
