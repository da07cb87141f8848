package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	orderapp "ordercore/application/order"
	"ordercore/config"
	"ordercore/domain/deliverer"
	"ordercore/domain/order"
	"ordercore/domain/shared"
	"ordercore/infrastructure/outbox"
	"ordercore/infrastructure/persistence"
	"ordercore/infrastructure/persistence/cache"
	"ordercore/infrastructure/persistence/gormstore"
	"ordercore/infrastructure/persistence/memstore"
	"ordercore/infrastructure/persistence/ownership"
	"ordercore/infrastructure/persistence/repository"
	"ordercore/infrastructure/persistence/resilience"
	"ordercore/pkg/logger"
	"ordercore/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// App 组装完成的进程内组件
type App struct {
	Config    *config.Config
	Factory   *repository.Factory
	Orders    *orderapp.Service
	Relay     *outbox.Relay
	Metrics   *metrics.Metrics
	Registry  *prometheus.Registry
	MemoryDB  *memstore.DB // set when database.type is memory
	closers   []func() error
}

// Close releases connections in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ServeMetrics exposes the registry on metrics.addr until ctx ends.
func (a *App) ServeMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.HandlerFor(a.Registry))
	server := &http.Server{Addr: a.Config.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("Metrics endpoint listening", zap.String("addr", a.Config.Metrics.Addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// AppBuilder builds an App with customizable components
type AppBuilder struct {
	cfg       *config.Config
	cache     cache.Cache
	cacheSet  bool
	publisher outbox.Publisher
	registry  *prometheus.Registry
}

// NewBuilder creates a new AppBuilder
func NewBuilder(cfg *config.Config) *AppBuilder {
	return &AppBuilder{cfg: cfg}
}

// WithCache overrides cache.type; nil disables caching.
func (b *AppBuilder) WithCache(c cache.Cache) *AppBuilder {
	b.cache = c
	b.cacheSet = true
	return b
}

// WithPublisher overrides outbox.publisher.
func (b *AppBuilder) WithPublisher(p outbox.Publisher) *AppBuilder {
	b.publisher = p
	return b
}

// WithRegistry collects metrics on reg instead of a fresh registry.
func (b *AppBuilder) WithRegistry(reg *prometheus.Registry) *AppBuilder {
	b.registry = reg
	return b
}

type stores struct {
	tx         persistence.Transactor
	orders     persistence.Store[order.Order]
	deliverers persistence.Store[deliverer.Deliverer]
	outbox     persistence.Store[shared.OutboxEvent]
}

// Build creates the App instance. The logger must be initialized first.
func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	cfg := b.cfg
	app := &App{Config: cfg}

	logger.Info("Starting application",
		zap.String("app", cfg.App.Name),
		zap.String("version", cfg.App.Version),
		zap.String("env", cfg.App.Env),
		zap.String("database", cfg.Database.Type),
		zap.String("cache", cfg.Cache.Type),
	)

	app.Registry = b.registry
	if app.Registry == nil {
		app.Registry = prometheus.NewRegistry()
	}
	app.Metrics = metrics.New(app.Registry)

	st, err := b.initStores(ctx, app)
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	c, err := b.initCache(ctx, app)
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	policy := resilience.New(resilience.FromAppConfig(cfg),
		resilience.WithLogger(logger.L()),
		resilience.WithMetrics(app.Metrics),
	)

	app.Factory = repository.NewFactory(st.tx,
		repository.WithLogger(logger.L()),
		repository.WithPolicy(policy),
		repository.WithCache(c),
		repository.WithMetrics(app.Metrics),
		repository.WithOutbox(st.outbox),
	)
	repository.Bind(app.Factory, st.orders, ownership.Orders())
	repository.Bind(app.Factory, st.deliverers, ownership.Deliverers())
	repository.Bind(app.Factory, st.outbox, ownership.Outbox())

	app.Orders = orderapp.NewService(app.Factory,
		orderapp.WithEnforceTransitions(cfg.Order.EnforceTransitions),
		orderapp.WithDefaultPageSize(cfg.Order.DefaultPageSize),
		orderapp.WithLogger(logger.L()),
	)

	publisher, err := b.initPublisher(app)
	if err != nil {
		_ = app.Close()
		return nil, err
	}

	app.Relay, err = outbox.NewRelay(app.Factory, publisher, outbox.Config{
		PollInterval: cfg.Outbox.PollInterval,
		BatchSize:    cfg.Outbox.BatchSize,
		MaxAttempts:  cfg.Outbox.MaxAttempts,
	}, logger.L(), app.Metrics)
	if err != nil {
		_ = app.Close()
		return nil, fmt.Errorf("failed to create outbox relay: %w", err)
	}

	return app, nil
}

func (b *AppBuilder) initStores(ctx context.Context, app *App) (stores, error) {
	cfg := b.cfg
	if cfg.Database.Type == "memory" {
		logger.Info("Using in-memory persistence layer")
		db := memstore.New()
		app.MemoryDB = db
		return stores{
			tx:         db,
			orders:     memstore.NewStore[order.Order](db),
			deliverers: memstore.NewStore[deliverer.Deliverer](db),
			outbox:     memstore.NewStore[shared.OutboxEvent](db),
		}, nil
	}

	db, err := NewStoreConfig(cfg).Connect()
	if err != nil {
		return stores{}, err
	}
	app.closers = append(app.closers, func() error { return gormstore.Close(db) })

	if err := gormstore.Ping(ctx, db); err != nil {
		return stores{}, fmt.Errorf("failed to ping %s: %w", cfg.Database.Type, err)
	}
	if cfg.Database.AutoMigrate || cfg.IsDevelopment() {
		if err := gormstore.Migrate(ctx, db); err != nil {
			return stores{}, err
		}
	}

	return stores{
		tx:         gormstore.NewTransactor(db),
		orders:     gormstore.NewStore[order.Order](db),
		deliverers: gormstore.NewStore[deliverer.Deliverer](db),
		outbox:     gormstore.NewStore[shared.OutboxEvent](db),
	}, nil
}

func (b *AppBuilder) initCache(ctx context.Context, app *App) (cache.Cache, error) {
	if b.cacheSet {
		return b.cache, nil
	}
	cfg := b.cfg.Cache
	switch cfg.Type {
	case "redis":
		r, err := cache.NewRedis(ctx, cache.RedisConfig{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			TTL:      cfg.TTL,
		})
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, r.Close)
		return r, nil
	case "memory":
		return cache.NewMemory(cfg.TTL), nil
	default:
		return nil, nil
	}
}

func (b *AppBuilder) initPublisher(app *App) (outbox.Publisher, error) {
	if b.publisher != nil {
		return b.publisher, nil
	}
	cfg := b.cfg.Outbox
	if cfg.Publisher != "kafka" {
		return outbox.NewLoggingPublisher(logger.L()), nil
	}
	var brokers []string
	for _, b := range cfg.Brokers {
		brokers = append(brokers, outbox.ParseBrokers(b)...)
	}
	p, err := outbox.NewKafkaPublisher(brokers, cfg.Topic)
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, p.Close)
	return p, nil
}
