// Package outbox relays committed domain events from the outbox table to a Publisher.
package outbox

import (
	"context"
	"fmt"
	"time"

	"ordercore/domain/shared"
	"ordercore/infrastructure/persistence"
	"ordercore/infrastructure/persistence/repository"
	"ordercore/pkg/metrics"

	"go.uber.org/zap"
)

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
}

// Relay 轮询 PENDING 事件并发布；每条事件的状态变更单独提交
type Relay struct {
	uows      *repository.Factory
	publisher Publisher
	cfg       Config
	log       *zap.Logger
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewRelay(uows *repository.Factory, publisher Publisher, cfg Config, log *zap.Logger, m *metrics.Metrics) (*Relay, error) {
	if uows == nil {
		return nil, fmt.Errorf("unit of work factory is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("outbox publisher is required")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive")
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive")
	}
	if cfg.MaxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be positive")
	}
	if log == nil {
		log = zap.NewNop()
	}

	return &Relay{
		uows:      uows,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
		metrics:   m,
		now:       shared.Now,
	}, nil
}

func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.ProcessBatch(ctx); err != nil {
				r.log.Error("Outbox batch processing failed", zap.Error(err))
			}
		}
	}
}

// ProcessBatch publishes up to BatchSize pending events, oldest first, and returns how
// many were published.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	caller := shared.System()
	q := persistence.Query[shared.OutboxEvent]{
		Page:     1,
		PageSize: r.cfg.BatchSize,
		SortBy:   persistence.SortByID,
		Conditions: []persistence.Condition[shared.OutboxEvent]{
			persistence.Equal("status", shared.OutboxPending, func(e *shared.OutboxEvent) shared.OutboxStatus { return e.Status }),
		},
	}
	page, err := repository.Of[shared.OutboxEvent](r.uows.New()).List(ctx, caller, q)
	if err != nil {
		return 0, fmt.Errorf("load pending outbox events: %w", err)
	}

	published := 0
	for _, event := range page.Items {
		if ctx.Err() != nil {
			return published, ctx.Err()
		}

		pubErr := r.publisher.Publish(ctx, event)
		if pubErr != nil {
			event.MarkAttemptFailed(r.cfg.MaxAttempts)
			r.metrics.Outbox(event.EventType, "failure")
			r.log.Warn("Outbox publish failed",
				zap.String("event_id", event.EventID),
				zap.Int("attempts", event.Attempts),
				zap.String("status", string(event.Status)),
				zap.Error(pubErr),
			)
		} else {
			event.MarkPublished(r.now())
			r.metrics.Outbox(event.EventType, metrics.OutcomeSuccess)
			published++
		}

		uow := r.uows.New()
		if err := repository.Of[shared.OutboxEvent](uow).Update(ctx, caller, event); err != nil {
			r.log.Error("Failed to stage outbox event state", zap.String("event_id", event.EventID), zap.Error(err))
			continue
		}
		if err := uow.Commit(ctx); err != nil {
			r.log.Error("Failed to save outbox event state", zap.String("event_id", event.EventID), zap.Error(err))
		}
	}
	return published, nil
}
