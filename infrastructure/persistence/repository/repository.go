package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ordercore/domain/shared"
	"ordercore/infrastructure/persistence"
	"ordercore/infrastructure/persistence/cache"
	"ordercore/infrastructure/persistence/ownership"
	"ordercore/infrastructure/persistence/resilience"

	"go.uber.org/zap"
)

// Repository 泛型仓储；通过 Of[T] 从 UnitOfWork 获取
type Repository[T any, PT shared.EntityPtr[T]] struct {
	uow    *UnitOfWork
	store  persistence.Store[T]
	filter ownership.Filter[T]
	entity string
}

type listPayload[T any] struct {
	Items []*T  `json:"items"`
	Total int64 `json:"total"`
}

func (r *Repository[T, PT]) factory() *Factory {
	return r.uow.factory
}

func (r *Repository[T, PT]) op(name string) string {
	return name + " " + r.entity
}

func (r *Repository[T, PT]) keys(id int64) []string {
	if id > 0 {
		return []string{cache.EntityKey(r.entity, id), cache.ListKey(r.entity)}
	}
	return []string{cache.ListKey(r.entity)}
}

func (r *Repository[T, PT]) fetch(ctx context.Context, id int64, includeDeleted bool, cond persistence.Condition[T]) (*T, error) {
	return resilience.Do(ctx, r.factory().policy, r.op("get"), func(ctx context.Context) (*T, error) {
		return r.store.Get(ctx, id, includeDeleted, cond)
	})
}

// GetByID returns the live row visible to caller. A missing, soft-deleted or foreign row
// is shared.ErrNotFound.
func (r *Repository[T, PT]) GetByID(ctx context.Context, caller shared.Caller, id int64) (*T, error) {
	if id <= 0 {
		return nil, shared.NewValidationError(r.entity, "id", "must be positive")
	}
	cond := r.filter.Apply(caller)

	f := r.factory()
	if f.loader == nil || cond.Key == "" {
		return r.fetch(ctx, id, false, cond)
	}

	data, result, err := f.loader.Load(ctx, cache.EntityKey(r.entity, id), cond.Key, func(ctx context.Context) ([]byte, error) {
		e, err := r.fetch(ctx, id, false, cond)
		if err != nil {
			return nil, err
		}
		return json.Marshal(e)
	})
	f.metrics.CacheResult(r.entity, result.String())
	if err != nil {
		return nil, err
	}

	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("decode cached %s %d: %w", r.entity, id, err)
	}
	return out, nil
}

// GetByIDIncludingDeleted is the audit read: soft-deleted rows are returned. Never cached.
func (r *Repository[T, PT]) GetByIDIncludingDeleted(ctx context.Context, caller shared.Caller, id int64) (*T, error) {
	if id <= 0 {
		return nil, shared.NewValidationError(r.entity, "id", "must be positive")
	}
	return r.fetch(ctx, id, true, r.filter.Apply(caller))
}

// List returns one page of the rows visible to caller.
func (r *Repository[T, PT]) List(ctx context.Context, caller shared.Caller, q persistence.Query[T]) (persistence.Page[T], error) {
	q = q.Normalize()
	cond := r.filter.Apply(caller)
	f := r.factory()

	load := func(ctx context.Context) (listPayload[T], error) {
		return resilience.Do(ctx, f.policy, r.op("list"), func(ctx context.Context) (listPayload[T], error) {
			items, total, err := r.store.List(ctx, q, cond)
			return listPayload[T]{Items: items, Total: total}, err
		})
	}

	sig, ok := q.Signature()
	if f.loader == nil || !ok || cond.Key == "" || q.IncludeDeleted {
		res, err := load(ctx)
		if err != nil {
			return persistence.Page[T]{}, err
		}
		return persistence.NewPage(res.Items, res.Total, q.Page, q.PageSize), nil
	}

	data, result, err := f.loader.Load(ctx, cache.ListKey(r.entity), cond.Key+"|"+sig, func(ctx context.Context) ([]byte, error) {
		res, err := load(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(res)
	})
	f.metrics.CacheResult(r.entity, result.String())
	if err != nil {
		return persistence.Page[T]{}, err
	}

	var res listPayload[T]
	if err := json.Unmarshal(data, &res); err != nil {
		return persistence.Page[T]{}, fmt.Errorf("decode cached %s list: %w", r.entity, err)
	}
	return persistence.NewPage(res.Items, res.Total, q.Page, q.PageSize), nil
}

// Add stages the insert of a new entity; the id is assigned at Commit.
func (r *Repository[T, PT]) Add(ctx context.Context, caller shared.Caller, entity *T) error {
	if entity == nil {
		return shared.NewValidationError(r.entity, "", "entity is nil")
	}
	base := PT(entity).Base()
	if base.ID != 0 {
		return shared.NewValidationError(r.entity, "id", "a new entity must not carry an id")
	}
	if !r.filter.Apply(caller).Matches(entity) {
		return shared.NewForbiddenError(r.entity, "outside the caller's scope")
	}

	now := r.factory().now()
	base.CreatedAt = now
	base.UpdatedAt = now
	base.IsDeleted = false
	base.DeletedAt = nil

	r.uow.stage(stagedOp{
		name:   r.op("insert"),
		entity: entity,
		keys:   r.keys(0),
		apply: func(ctx context.Context) error {
			return r.store.Insert(ctx, entity)
		},
		reset: func() {
			base.ID = 0
			if binder, ok := any(entity).(shared.ChildBinder); ok {
				binder.UnbindChildren()
			}
		},
	})
	r.invalidate(ctx, r.keys(0))
	return nil
}

// resolve loads the stored row a write targets, through the caller's filter.
func (r *Repository[T, PT]) resolve(ctx context.Context, caller shared.Caller, entity *T, includeDeleted bool) (*T, persistence.Condition[T], error) {
	if entity == nil {
		return nil, persistence.Condition[T]{}, shared.NewValidationError(r.entity, "", "entity is nil")
	}
	id := PT(entity).Base().ID
	if id <= 0 {
		return nil, persistence.Condition[T]{}, shared.NewValidationError(r.entity, "id", "must be positive")
	}
	cond := r.filter.Apply(caller)
	stored, err := r.fetch(ctx, id, includeDeleted, cond)
	if err != nil {
		return nil, cond, err
	}
	return stored, cond, nil
}

// Update stages a full overwrite of a live row visible to caller. UpdatedAt moves strictly
// forward; CreatedAt keeps its stored value.
func (r *Repository[T, PT]) Update(ctx context.Context, caller shared.Caller, entity *T) error {
	stored, cond, err := r.resolve(ctx, caller, entity, false)
	if err != nil {
		return err
	}
	if !cond.Matches(entity) {
		return shared.NewForbiddenError(r.entity, "update would move the row outside the caller's scope")
	}

	base, storedBase := PT(entity).Base(), PT(stored).Base()
	base.CreatedAt = storedBase.CreatedAt
	base.IsDeleted = false
	base.DeletedAt = nil
	base.UpdatedAt = shared.NextTimestamp(latest(base.UpdatedAt, storedBase.UpdatedAt), r.factory().now())

	keys := r.keys(base.ID)
	r.uow.stage(stagedOp{
		name:   r.op("update"),
		entity: entity,
		keys:   keys,
		apply: func(ctx context.Context) error {
			return r.store.Update(ctx, entity)
		},
	})
	r.invalidate(ctx, keys)
	return nil
}

// SoftDelete is idempotent: deleting an already deleted entity succeeds without a write and
// leaves its DeletedAt unchanged.
func (r *Repository[T, PT]) SoftDelete(ctx context.Context, caller shared.Caller, entity *T) error {
	if entity == nil {
		return shared.NewValidationError(r.entity, "", "entity is nil")
	}
	base := PT(entity).Base()
	if base.IsDeleted {
		return nil
	}

	stored, _, err := r.resolve(ctx, caller, entity, true)
	if err != nil {
		return err
	}
	storedBase := PT(stored).Base()
	if storedBase.IsDeleted {
		syncDeleted(base, storedBase)
		return nil
	}

	at := shared.NextTimestamp(latest(base.UpdatedAt, storedBase.UpdatedAt), r.factory().now())
	deletedAt := at
	base.IsDeleted = true
	base.DeletedAt = &deletedAt
	base.UpdatedAt = at

	id := base.ID
	keys := r.keys(id)
	r.uow.stage(stagedOp{
		name:   r.op("soft delete"),
		entity: entity,
		keys:   keys,
		apply: func(ctx context.Context) error {
			applied, err := r.store.MarkDeleted(ctx, id, at)
			if err != nil || applied {
				return err
			}
			// 并发删除先完成：以存储中的删除时间为准
			current, err := r.store.Get(ctx, id, true)
			if err != nil {
				return err
			}
			syncDeleted(base, PT(current).Base())
			return nil
		},
	})
	r.invalidate(ctx, keys)
	return nil
}

// invalidate at stage time; failures are retried after commit, so they are only logged.
func (r *Repository[T, PT]) invalidate(ctx context.Context, keys []string) {
	f := r.factory()
	if f.loader == nil {
		return
	}
	if err := f.loader.Invalidate(ctx, keys...); err != nil {
		f.metrics.Invalidated(r.entity, "failure")
		f.log.Warn("Cache invalidation failed", zap.String("entity", r.entity), zap.Strings("keys", keys), zap.Error(err))
		return
	}
	f.metrics.Invalidated(r.entity, "success")
}

func syncDeleted(dst, src *shared.Model) {
	dst.IsDeleted = true
	dst.DeletedAt = src.DeletedAt
	dst.UpdatedAt = src.UpdatedAt
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
