// Package app wires shared infrastructure and the orchestration
// components into the container the service builds from.
package app

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/acme/call-orchestrator/internal/concurrency"
	"github.com/acme/call-orchestrator/internal/config"
	"github.com/acme/call-orchestrator/internal/domain"
	"github.com/acme/call-orchestrator/internal/infra/db"
	"github.com/acme/call-orchestrator/internal/infra/redis"
	"github.com/acme/call-orchestrator/internal/jobs"
	"github.com/acme/call-orchestrator/internal/lifecycle"
	"github.com/acme/call-orchestrator/internal/provider"
	"github.com/acme/call-orchestrator/internal/provider/mock"
	"github.com/acme/call-orchestrator/internal/queue"
	"github.com/acme/call-orchestrator/internal/registry"
	"github.com/acme/call-orchestrator/internal/repository"
	pgrepo "github.com/acme/call-orchestrator/internal/repository/postgres"
	scyllarepo "github.com/acme/call-orchestrator/internal/repository/scylla"
	"github.com/acme/call-orchestrator/internal/signature"
	"github.com/acme/call-orchestrator/internal/stream"
	"github.com/acme/call-orchestrator/pkg/logger"
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config *config.Config
	Logger *logger.Logger

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	Registry *registry.Registry
	Verifier *signature.Verifier

	// lazily initialised components
	components struct {
		once       sync.Once
		stores     *stores
		providers  *providerGroup
		publishers *publishers
		engine     *lifecycle.Engine
		supervisor *stream.Supervisor
		jobQueue   *jobs.Queue
	}
}

type stores struct {
	Jobs    repository.JobStore
	Dlq     repository.DlqStore
	Calls   repository.CallStore
	History repository.HistoryStore
}

type providerGroup struct {
	Health    *provider.HealthRegistry
	Overrides *provider.OverrideStore
	Selector  *provider.Selector
}

type publishers struct {
	Notifications *queue.NotificationPublisher
	Alerts        *queue.AlertPublisher
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	pg, err := db.NewPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("bootstrap postgres: %w", err)
	}

	scylla, err := db.NewScylla(cfg.Scylla)
	if err != nil {
		return nil, fmt.Errorf("bootstrap scylla: %w", err)
	}

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("bootstrap redis: %w", err)
	}

	kafka, err := queue.NewKafka(cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("bootstrap kafka: %w", err)
	}

	container := &Container{
		Config:   cfg,
		Logger:   lg,
		Postgres: pg,
		Scylla:   scylla,
		Redis:    redisClient,
		Kafka:    kafka,
		Registry: registry.New(registry.WallClock{}),
		Verifier: signature.NewVerifier(cfg.Signature),
	}

	return container, nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		st := &stores{
			Jobs:    pgrepo.NewJobRepository(c.Postgres.DB()),
			Dlq:     pgrepo.NewDlqRepository(c.Postgres.DB()),
			Calls:   pgrepo.NewCallRepository(c.Postgres.DB()),
			History: scyllarepo.NewHistoryStore(c.Scylla.Session()),
		}

		health := provider.NewHealthRegistry(
			c.Registry.Scheduler(),
			c.Logger.Named("health"),
			c.Config.Providers.ErrorWindow,
			c.Config.Providers.ErrorThreshold,
			c.Config.Providers.Cooldown,
		)
		overrides := provider.NewOverrideStore(c.Redis.Inner(), c.Config.Providers.OverrideTTL)
		selector := provider.NewSelector(
			c.buildAdapters(),
			health,
			overrides,
			c.Config.Providers.FailoverEnabled,
			c.Logger.Named("selector"),
		)
		pg := &providerGroup{Health: health, Overrides: overrides, Selector: selector}

		pubs := &publishers{
			Notifications: queue.NewNotificationPublisher(c.Kafka, c.Config.Kafka.NotificationTopic),
			Alerts:        queue.NewAlertPublisher(c.Kafka, c.Config.Kafka.AlertTopic),
		}

		engine := lifecycle.NewEngine(
			c.Registry,
			c.Config.Lifecycle,
			pubs.Notifications,
			&persistStore{calls: st.Calls, history: st.History, reg: c.Registry},
			c.Logger,
		)

		jobQueue := jobs.NewQueue(st.Jobs, st.Dlq, pubs.Alerts, c.Config.Jobs, c.Registry.Scheduler(), c.Logger)

		supervisor := stream.NewSupervisor(c.Registry, engine, selector, jobQueue, c.Config.Stream, c.Logger)

		limiter := concurrency.NewLimiter(c.Redis.Inner(), c.Config.Concurrency.DefaultLimit, c.Config.Concurrency.SlotTTL)
		streamURL := fmt.Sprintf("wss://localhost:%d/stream", c.Config.HTTP.StreamPort)
		handlers := jobs.NewHandlers(c.Registry, engine, selector, health,
			jobs.NewProviderRedirector(selector, streamURL), limiter, c.Logger)
		handlers.RegisterAll(jobQueue)

		// Free the scope slot when a call reaches a terminal status.
		engine.Subscribe(func(n lifecycle.Notification) {
			if !n.Terminal {
				return
			}
			session, ok := c.Registry.Get(n.CallID)
			if ok && session.ScopeKey != "" {
				scope := session.ScopeKey
				// A later terminal upgrade must not release twice.
				session.ScopeKey = ""
				if err := limiter.Release(context.Background(), scope); err != nil {
					c.Logger.Warn("scope slot release failed", zap.String("scope", scope), zap.Error(err))
				}
			}
		})

		c.components.stores = st
		c.components.providers = pg
		c.components.publishers = pubs
		c.components.engine = engine
		c.components.supervisor = supervisor
		c.components.jobQueue = jobQueue
	})
}

// buildAdapters constructs one adapter per enabled provider. The
// simulated adapters stand in for the vendor SDK wrappers, which live
// outside this repository.
func (c *Container) buildAdapters() []provider.OutboundCallAdapter {
	specs := []struct {
		name domain.ProviderName
		cfg  config.ProviderConfig
	}{
		{domain.ProviderA, c.Config.Providers.A},
		{domain.ProviderB, c.Config.Providers.B},
		{domain.ProviderC, c.Config.Providers.C},
	}

	var adapters []provider.OutboundCallAdapter
	for _, spec := range specs {
		if !spec.cfg.Enabled {
			continue
		}
		caps := make([]domain.Capability, 0, len(spec.cfg.Capabilities))
		for _, raw := range spec.cfg.Capabilities {
			caps = append(caps, domain.Capability(raw))
		}
		adapters = append(adapters, mock.NewAdapter(spec.name, caps))
	}
	return adapters
}

// Stores exposes the durable stores.
func (c *Container) Stores() *stores {
	c.initComponents()
	return c.components.stores
}

// Providers exposes provider selection and health tracking.
func (c *Container) Providers() *providerGroup {
	c.initComponents()
	return c.components.providers
}

// Publishers exposes the Kafka publishers.
func (c *Container) Publishers() *publishers {
	c.initComponents()
	return c.components.publishers
}

// Lifecycle exposes the status state machine.
func (c *Container) Lifecycle() *lifecycle.Engine {
	c.initComponents()
	return c.components.engine
}

// Supervisor exposes the stream supervisor.
func (c *Container) Supervisor() *stream.Supervisor {
	c.initComponents()
	return c.components.supervisor
}

// JobQueue exposes the durable job queue.
func (c *Container) JobQueue() *jobs.Queue {
	c.initComponents()
	return c.components.jobQueue
}

// Close releases all held resources.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if p := c.components.publishers; p != nil {
		if p.Notifications != nil {
			if err := p.Notifications.Close(); err != nil {
				errs = append(errs, fmt.Errorf("notification publisher close: %w", err))
			}
		}
		if p.Alerts != nil {
			if err := p.Alerts.Close(); err != nil {
				errs = append(errs, fmt.Errorf("alert publisher close: %w", err))
			}
		}
	}
	if c.Kafka != nil {
		if err := c.Kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka close: %w", err))
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	topics := []string{c.Config.Kafka.NotificationTopic, c.Config.Kafka.AlertTopic}
	return c.Kafka.EnsureTopics(ctx, topics, 12, 1)
}
