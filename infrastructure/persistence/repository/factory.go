/*
Package repository is the generic, policy-wrapped data access layer.

One Repository implementation serves every entity type. It applies the caller's ownership
filter to every read and write, runs each store round trip through the resilience policy,
serves reads from the cache when one is configured and stages writes in a UnitOfWork that
applies them atomically at Commit, together with the outbox rows for the domain events the
staged entities raised.

	f := repository.NewFactory(tx, repository.WithPolicy(p), repository.WithCache(c))
	repository.Bind(f, ordersStore, ownership.Orders())

	uow := f.New()
	orders := repository.Of[order.Order](uow)
	if err := orders.Add(ctx, caller, o); err != nil { ... }
	err := uow.Commit(ctx)
*/
package repository

import (
	"reflect"
	"time"

	"ordercore/domain/shared"
	"ordercore/infrastructure/persistence"
	"ordercore/infrastructure/persistence/cache"
	"ordercore/infrastructure/persistence/ownership"
	"ordercore/infrastructure/persistence/resilience"
	"ordercore/pkg/logger"
	"ordercore/pkg/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Factory 进程级对象：持有存储绑定与各项策略，为每个请求创建 UnitOfWork
type Factory struct {
	tx       persistence.Transactor
	policy   *resilience.Policy
	cached   cache.Cache
	loader   *cache.Loader
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	outbox   persistence.Store[shared.OutboxEvent]
	tracer   trace.Tracer
	bindings map[reflect.Type]func(u *UnitOfWork) any
}

type Option func(*Factory)

// WithPolicy wraps every store round trip; without it each operation runs once.
func WithPolicy(p *resilience.Policy) Option {
	return func(f *Factory) { f.policy = p }
}

// WithCache enables read-through caching; nil disables it.
func WithCache(c cache.Cache) Option {
	return func(f *Factory) { f.cached = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(f *Factory) { f.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Factory) { f.metrics = m }
}

// WithClock replaces shared.Now; tests use it to force clock collisions.
func WithClock(now func() time.Time) Option {
	return func(f *Factory) { f.now = now }
}

// WithOutbox stores domain events raised by staged entities in the commit transaction.
func WithOutbox(store persistence.Store[shared.OutboxEvent]) Option {
	return func(f *Factory) { f.outbox = store }
}

func NewFactory(tx persistence.Transactor, opts ...Option) *Factory {
	f := &Factory{
		tx:       tx,
		log:      logger.L(),
		now:      shared.Now,
		tracer:   otel.Tracer("ordercore/repository"),
		bindings: make(map[reflect.Type]func(u *UnitOfWork) any),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	if f.cached != nil {
		f.loader = cache.NewLoader(f.cached, f.log)
	}
	return f
}

// Bind registers the store and ownership filter used for entity type T.
// It must be called during wiring, before the first New.
func Bind[T any, PT shared.EntityPtr[T]](f *Factory, store persistence.Store[T], filter ownership.Filter[T]) {
	f.bindings[reflect.TypeFor[T]()] = func(u *UnitOfWork) any {
		return &Repository[T, PT]{
			uow:    u,
			store:  store,
			filter: filter,
			entity: PT(new(T)).EntityName(),
		}
	}
}

// New starts a unit of work for one request.
func (f *Factory) New() *UnitOfWork {
	return &UnitOfWork{
		factory: f,
		repos:   make(map[reflect.Type]any),
	}
}
