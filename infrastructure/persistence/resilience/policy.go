/*
Package resilience retries store operations that failed for transient reasons.

Policy.Execute runs an operation with exponential backoff and jitter, bounded attempts and
a process-wide retry budget. Terminal failures are returned unchanged; running out of
attempts or budget returns *ExhaustedError, which matches both ErrStoreUnavailable and the
last underlying error.
*/
package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"ordercore/config"
	"ordercore/pkg/logger"
	"ordercore/pkg/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrStoreUnavailable 重试耗尽后对外暴露的错误
var ErrStoreUnavailable = errors.New("store unavailable")

type Config struct {
	Enabled        bool
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	BackoffFactor  float64
	JitterEnabled  bool
	AttemptTimeout time.Duration
	BudgetRate     float64
	BudgetBurst    int
	RetryPredicate func(error) bool
}

var DefaultConfig = Config{
	Enabled:        true,
	MaxAttempts:    3,
	InitialDelay:   100 * time.Millisecond,
	MaxDelay:       2 * time.Second,
	BackoffFactor:  2.0,
	JitterEnabled:  true,
	AttemptTimeout: 5 * time.Second,
	BudgetRate:     10,
	BudgetBurst:    20,
}

func FromAppConfig(appConfig *config.Config) Config {
	retryConfig := appConfig.Database.Retry

	return Config{
		Enabled:        retryConfig.Enabled,
		MaxAttempts:    retryConfig.MaxAttempts,
		InitialDelay:   retryConfig.InitialDelay,
		MaxDelay:       retryConfig.MaxDelay,
		BackoffFactor:  retryConfig.BackoffFactor,
		JitterEnabled:  retryConfig.JitterEnabled,
		AttemptTimeout: retryConfig.AttemptTimeout,
		BudgetRate:     retryConfig.BudgetRate,
		BudgetBurst:    retryConfig.BudgetBurst,
	}
}

func ExponentialBackoffWithJitter(attempt int, config Config) time.Duration {
	if attempt <= 0 {
		return 0
	}
	factor := config.BackoffFactor
	if factor < 1 {
		factor = 1
	}
	delay := float64(config.InitialDelay) * math.Pow(factor, float64(attempt-1))
	if config.MaxDelay > 0 && delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	if config.JitterEnabled {
		jitterFactor := 0.8 + rand.Float64()*0.4
		delay = delay * jitterFactor
	}
	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay)
}

// ExhaustedError 重试次数或全局重试预算耗尽
type ExhaustedError struct {
	Op       string
	Attempts int
	// Budget is set when the process-wide retry budget, not the attempt limit, stopped us.
	Budget bool
	Err    error
}

func (e *ExhaustedError) Error() string {
	reason := "attempts exhausted"
	if e.Budget {
		reason = "retry budget exhausted"
	}
	return fmt.Sprintf("%s: %s: %s after %d attempt(s): %v", ErrStoreUnavailable, e.Op, reason, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.Err}
}

type Option func(*Policy)

func WithLogger(l *zap.Logger) Option {
	return func(p *Policy) { p.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Policy) { p.metrics = m }
}

// WithBudget replaces the budget built from Config, e.g. to share one limiter between policies.
func WithBudget(l *rate.Limiter) Option {
	return func(p *Policy) { p.budget = l }
}

// Policy 可在多个 goroutine 间共享
type Policy struct {
	cfg     Config
	budget  *rate.Limiter
	log     *zap.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
}

func New(cfg Config, opts ...Option) *Policy {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	p := &Policy{
		cfg:    cfg,
		tracer: otel.Tracer("ordercore/resilience"),
	}
	if cfg.BudgetRate > 0 {
		burst := cfg.BudgetBurst
		if burst <= 0 {
			burst = 1
		}
		p.budget = rate.NewLimiter(rate.Limit(cfg.BudgetRate), burst)
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = logger.L()
	}
	return p
}

func (p *Policy) retryable(err error) bool {
	if p.cfg.RetryPredicate != nil && p.cfg.RetryPredicate(err) {
		return true
	}
	return IsTransient(err)
}

func (p *Policy) attempt(ctx context.Context, op func(ctx context.Context) error) error {
	if p.cfg.AttemptTimeout <= 0 {
		return op(ctx)
	}
	actx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	defer cancel()
	return op(actx)
}

// Execute runs op under the policy. A nil policy runs op once.
func (p *Policy) Execute(ctx context.Context, name string, op func(ctx context.Context) error) error {
	if p == nil {
		return op(ctx)
	}

	ctx, span := p.tracer.Start(ctx, "store."+name, trace.WithAttributes(attribute.String("store.operation", name)))
	defer span.End()

	start := time.Now()
	defer func() { p.metrics.ObserveStore(name, time.Since(start)) }()

	maxAttempts := p.cfg.MaxAttempts
	if !p.cfg.Enabled {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := p.attempt(ctx, op)
		if err == nil {
			p.metrics.StoreAttempt(name, metrics.OutcomeSuccess)
			span.SetAttributes(attribute.Int("store.attempts", attempt))
			return nil
		}
		span.RecordError(err)

		// 调用方取消或超时：不再重试
		if ctx.Err() != nil || !p.retryable(err) {
			p.metrics.StoreAttempt(name, metrics.OutcomeTerminal)
			span.SetStatus(codes.Error, err.Error())
			return err
		}

		if attempt >= maxAttempts {
			p.metrics.StoreAttempt(name, metrics.OutcomeExhausted)
			span.SetStatus(codes.Error, "attempts exhausted")
			p.log.Error("Store operation failed after retries",
				zap.String("operation", name),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return &ExhaustedError{Op: name, Attempts: attempt, Err: err}
		}
		if p.budget != nil && !p.budget.Allow() {
			p.metrics.StoreAttempt(name, metrics.OutcomeBudget)
			span.SetStatus(codes.Error, "retry budget exhausted")
			p.log.Error("Retry budget exhausted",
				zap.String("operation", name),
				zap.Int("attempts", attempt),
				zap.Error(err),
			)
			return &ExhaustedError{Op: name, Attempts: attempt, Budget: true, Err: err}
		}

		delay := ExponentialBackoffWithJitter(attempt, p.cfg)
		p.metrics.StoreAttempt(name, metrics.OutcomeRetry)
		p.log.Warn("Retrying store operation",
			zap.String("operation", name),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Stringer("class", Classify(err)),
			zap.Error(err),
		)

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}
	}
}

// Do is Execute for operations that return a value.
func Do[R any](ctx context.Context, p *Policy, name string, op func(ctx context.Context) (R, error)) (R, error) {
	var out R
	err := p.Execute(ctx, name, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}
