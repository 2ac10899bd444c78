package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"conversation-orchestrator/backend/internal/bots/retrievalqa"
	"conversation-orchestrator/backend/internal/bus"
	"conversation-orchestrator/backend/internal/correlation"
	"conversation-orchestrator/backend/internal/fsm"
	"conversation-orchestrator/backend/internal/repository"
	"conversation-orchestrator/backend/internal/service"
	"conversation-orchestrator/backend/internal/worker"
	"conversation-orchestrator/backend/internal/ws"
	"conversation-orchestrator/backend/pkg/config"
	"conversation-orchestrator/backend/pkg/health"
	"conversation-orchestrator/backend/pkg/jwt"
	"conversation-orchestrator/backend/pkg/logger"
	"conversation-orchestrator/backend/shared/observability"

	"gorm.io/gorm"
)

// ConnectorGroup is the consumer group of the in-process WebSocket connector
const ConnectorGroup = "ws-connector"

// Container holds all the dependencies for the application
type Container struct {
	Config     *config.Config
	DB         *gorm.DB
	Logger     *logger.Logger
	Metrics    *observability.Metrics
	JWTService *jwt.Service
	Store      *repository.Store
	Tokens     *correlation.Registry
	Machines   *fsm.Registry
	Engine     *fsm.Engine
	Bus        bus.Bus
	Dispatcher *service.Dispatcher
	FlowPool   *worker.Pool
	Hub        *ws.Hub
	HubPool    *worker.Pool
	Sweeper    *worker.Sweeper
	Health     *health.Checker

	hubCancel context.CancelFunc
}

// Option customises the container before it is wired
type Option func(*options)

type options struct {
	bus      bus.Bus
	machines []func(*fsm.Registry) error
}

// WithBus injects a prebuilt bus instead of the configured driver
func WithBus(b bus.Bus) Option {
	return func(o *options) { o.bus = b }
}

// WithMachine registers an extra machine next to the built-in ones
func WithMachine(register func(*fsm.Registry) error) Option {
	return func(o *options) { o.machines = append(o.machines, register) }
}

// New creates a new dependency injection container
func New(db *gorm.DB, cfg *config.Config, log *logger.Logger, opts ...Option) (*Container, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	store := repository.New(db)
	if err := store.Migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	machines := fsm.NewRegistry()
	for _, register := range append([]func(*fsm.Registry) error{retrievalqa.Register}, o.machines...) {
		if err := register(machines); err != nil {
			return nil, fmt.Errorf("failed to register machine: %w", err)
		}
	}

	b := o.bus
	if b == nil {
		var err error
		if b, err = bus.New(cfg, log); err != nil {
			return nil, fmt.Errorf("failed to create bus: %w", err)
		}
	}

	metrics := observability.DefaultMetrics()
	tokens := correlation.NewRegistry(db, cfg.Correlation.TokenTTL)
	engine := fsm.NewEngine(cfg.Engine.MaxSteps)
	dispatcher := service.NewDispatcher(store, tokens, machines, engine, b, cfg, log, service.WithMetrics(metrics))

	flowPool := worker.NewPool(b, cfg.Bus.GroupID, cfg.Bus.ConsumeTimeout, log, metrics)
	flowPool.Handle(cfg.Bus.Topics.ChannelInbound, dispatcher.HandleEnvelope)
	flowPool.Handle(cfg.Bus.Topics.RAGCallback, dispatcher.HandleEnvelope)
	flowPool.Handle(cfg.Bus.Topics.PluginCallback, dispatcher.HandleEnvelope)

	c := &Container{
		Config:     cfg,
		DB:         db,
		Logger:     log,
		Metrics:    metrics,
		JWTService: jwt.NewService(cfg.Security.ConnectorSecret, 24*time.Hour),
		Store:      store,
		Tokens:     tokens,
		Machines:   machines,
		Engine:     engine,
		Bus:        b,
		Dispatcher: dispatcher,
		FlowPool:   flowPool,
		Sweeper:    worker.NewSweeper(tokens, cfg.Correlation.Retention, cfg.Correlation.SweepInterval, log, metrics),
		Health:     health.NewChecker(log, 15*time.Second),
	}

	if cfg.Features.EnableWebSocketChannel {
		c.Hub = ws.NewHub(b, cfg.Bus.Topics.ChannelInbound, true, cfg.Security.AllowedOrigins, log)
		c.HubPool = worker.NewPool(b, ConnectorGroup, cfg.Bus.ConsumeTimeout, log, metrics)
		c.HubPool.Handle(cfg.Bus.Topics.ChannelOutbound, c.Hub.Deliver)
	}

	c.Health.RegisterPingCheck("database", store.Ping)
	c.Health.RegisterPingCheck("bus", b.Ping)

	return c, nil
}

// Start launches the background workers
func (c *Container) Start(ctx context.Context) error {
	c.Health.Start(ctx)

	if c.Hub != nil {
		hubCtx, cancel := context.WithCancel(ctx)
		c.hubCancel = cancel
		go c.Hub.Run(hubCtx)
		if err := c.HubPool.Start(ctx); err != nil {
			return fmt.Errorf("failed to start connector consumers: %w", err)
		}
	}

	if err := c.FlowPool.Start(ctx); err != nil {
		return fmt.Errorf("failed to start flow consumers: %w", err)
	}
	return c.Sweeper.Start(ctx)
}

// Stop stops workers in reverse start order and releases the bus
func (c *Container) Stop(ctx context.Context) error {
	var errs []error
	if err := c.Sweeper.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := c.FlowPool.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if c.HubPool != nil {
		if err := c.HubPool.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.hubCancel != nil {
		c.hubCancel()
	}
	c.Health.Stop()
	c.Dispatcher.Close()
	if err := c.Bus.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
