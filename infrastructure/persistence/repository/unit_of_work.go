package repository

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"ordercore/domain/shared"
	"ordercore/infrastructure/persistence/cache"
	"ordercore/pkg/metrics"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// stagedOp 一条待提交的写操作
type stagedOp struct {
	name   string
	entity any
	keys   []string
	apply  func(ctx context.Context) error
	// reset restores what a failed attempt may have assigned (ids).
	reset func()
}

// UnitOfWork 一次请求内的写操作集合，Commit 时在单个事务中按发出顺序执行
type UnitOfWork struct {
	factory *Factory

	mu    sync.Mutex
	repos map[reflect.Type]any
	ops   []stagedOp
}

// Of returns the unit of work's repository for T, creating it on first use.
// It panics when no store was bound for T: that is a wiring error.
func Of[T any, PT shared.EntityPtr[T]](u *UnitOfWork) *Repository[T, PT] {
	key := reflect.TypeFor[T]()

	u.mu.Lock()
	defer u.mu.Unlock()
	if r, ok := u.repos[key]; ok {
		return r.(*Repository[T, PT])
	}
	bind, ok := u.factory.bindings[key]
	if !ok {
		panic(fmt.Sprintf("repository: no store bound for %s", key))
	}
	r := bind(u).(*Repository[T, PT])
	u.repos[key] = r
	return r
}

func (u *UnitOfWork) stage(op stagedOp) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ops = append(u.ops, op)
}

// Pending reports the number of staged writes.
func (u *UnitOfWork) Pending() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.ops)
}

// Discard drops every staged write.
func (u *UnitOfWork) Discard() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ops = nil
}

// Commit applies the staged writes and the outbox rows of their events in one transaction.
//
// The whole attempt is retried by the resilience policy while the failure happened before
// COMMIT was sent; a failed COMMIT is terminal. On failure nothing is applied and ids
// assigned during the attempt are reset. After success the touched cache keys are
// invalidated before Commit returns; if that fails the writes stay committed and the
// returned error matches cache.ErrInvalidation.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	u.mu.Lock()
	ops := u.ops
	u.mu.Unlock()
	if len(ops) == 0 {
		return nil
	}

	f := u.factory
	ctx, span := f.tracer.Start(ctx, "uow.commit")
	defer span.End()
	span.SetAttributes(attribute.Int("uow.operations", len(ops)))

	recorders := collectRecorders(ops)

	err := f.policy.Execute(ctx, "commit", func(ctx context.Context) error {
		for _, op := range ops {
			if op.reset != nil {
				op.reset()
			}
		}
		return f.tx.Transaction(ctx, func(ctx context.Context) error {
			for _, op := range ops {
				if err := op.apply(ctx); err != nil {
					return fmt.Errorf("%s: %w", op.name, err)
				}
			}
			return u.writeOutbox(ctx, recorders)
		})
	})
	if err != nil {
		for _, op := range ops {
			if op.reset != nil {
				op.reset()
			}
		}
		f.metrics.Commit("failure")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		f.log.Warn("Unit of work commit failed", zap.Int("operations", len(ops)), zap.Error(err))
		// 失败的尝试期间可能有并发读取回填了缓存
		_ = u.invalidate(context.WithoutCancel(ctx), collectKeys(ops))
		return fmt.Errorf("commit unit of work: %w", err)
	}

	u.mu.Lock()
	u.ops = u.ops[len(ops):]
	u.mu.Unlock()

	for _, r := range recorders {
		r.ClearEvents()
	}
	f.metrics.Commit(metrics.OutcomeSuccess)
	f.log.Debug("Unit of work committed", zap.Int("operations", len(ops)))

	keys := collectKeys(ops)
	if len(recorders) > 0 && f.outbox != nil {
		keys = append(keys, cache.ListKey(new(shared.OutboxEvent).EntityName()))
	}
	return u.invalidate(context.WithoutCancel(ctx), keys)
}

func (u *UnitOfWork) invalidate(ctx context.Context, keys []string) error {
	f := u.factory
	if f.loader == nil || len(keys) == 0 {
		return nil
	}
	if err := f.loader.Invalidate(ctx, keys...); err != nil {
		f.metrics.Invalidated("commit", "failure")
		f.log.Error("Cache invalidation after commit failed", zap.Strings("keys", keys), zap.Error(err))
		return fmt.Errorf("%w: %w", cache.ErrInvalidation, err)
	}
	f.metrics.Invalidated("commit", metrics.OutcomeSuccess)
	return nil
}

func (u *UnitOfWork) writeOutbox(ctx context.Context, recorders []shared.EventRecorder) error {
	f := u.factory
	if f.outbox == nil {
		return nil
	}
	now := f.now()
	for _, r := range recorders {
		for _, event := range r.Events() {
			row, err := shared.NewOutboxEvent(event)
			if err != nil {
				return fmt.Errorf("build outbox event: %w", err)
			}
			row.CreatedAt = now
			row.UpdatedAt = now
			if err := f.outbox.Insert(ctx, row); err != nil {
				return fmt.Errorf("failed to save event to outbox: %w", err)
			}
		}
	}
	return nil
}

// collectRecorders returns each staged event recorder once, in staging order.
func collectRecorders(ops []stagedOp) []shared.EventRecorder {
	seen := make(map[any]bool)
	var out []shared.EventRecorder
	for _, op := range ops {
		r, ok := op.entity.(shared.EventRecorder)
		if !ok || seen[op.entity] {
			continue
		}
		seen[op.entity] = true
		out = append(out, r)
	}
	return out
}

func collectKeys(ops []stagedOp) []string {
	seen := make(map[string]bool)
	var out []string
	for _, op := range ops {
		for _, k := range op.keys {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	return out
}

var _ shared.UnitOfWork = (*UnitOfWork)(nil)
