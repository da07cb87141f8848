/*
Package gormstore implements the persistence contract on GORM (MySQL or PostgreSQL).

Every Store method runs on the transaction carried by ctx when there is one, so the unit of
work can group writes from several repositories into one database transaction.
*/
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ordercore/domain/shared"
	"ordercore/infrastructure/persistence"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store GORM 泛型存储
type Store[T any, PT shared.EntityPtr[T]] struct {
	db     *gorm.DB
	entity string
}

func NewStore[T any, PT shared.EntityPtr[T]](db *gorm.DB) *Store[T, PT] {
	return &Store[T, PT]{db: db, entity: PT(new(T)).EntityName()}
}

func (s *Store[T, PT]) conn(ctx context.Context) *gorm.DB {
	if tx := persistence.TxFromContext(ctx); tx != nil {
		return tx.WithContext(ctx)
	}
	return s.db.WithContext(ctx)
}

func (s *Store[T, PT]) scoped(ctx context.Context, includeDeleted bool, conds []persistence.Condition[T]) *gorm.DB {
	q := s.conn(ctx).Model(new(T))
	if !includeDeleted {
		q = q.Where("is_deleted = ?", false)
	}
	for _, c := range conds {
		q = c.Apply(q)
	}
	return q
}

func preload[T any](q *gorm.DB) *gorm.DB {
	if p, ok := any(new(T)).(shared.Preloader); ok {
		for _, name := range p.Preloads() {
			q = q.Preload(name)
		}
	}
	return q
}

func (s *Store[T, PT]) Get(ctx context.Context, id int64, includeDeleted bool, conds ...persistence.Condition[T]) (*T, error) {
	var out T
	err := preload[T](s.scoped(ctx, includeDeleted, conds)).Where("id = ?", id).Take(&out).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, shared.NewNotFoundError(s.entity)
		}
		return nil, fmt.Errorf("get %s %d: %w", s.entity, id, translate(err))
	}
	return &out, nil
}

func (s *Store[T, PT]) List(ctx context.Context, q persistence.Query[T], conds ...persistence.Condition[T]) ([]*T, int64, error) {
	q = q.Normalize()
	all := append(append([]persistence.Condition[T]{}, conds...), q.Conditions...)

	var total int64
	if err := s.scoped(ctx, q.IncludeDeleted, all).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count %s: %w", s.entity, translate(err))
	}
	if total == 0 {
		return []*T{}, 0, nil
	}

	items := make([]*T, 0, q.PageSize)
	err := preload[T](s.scoped(ctx, q.IncludeDeleted, all)).
		Order(q.OrderClause()).
		Offset(q.Offset()).
		Limit(q.PageSize).
		Find(&items).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list %s: %w", s.entity, translate(err))
	}
	return items, total, nil
}

func (s *Store[T, PT]) Insert(ctx context.Context, entity *T) error {
	if err := s.conn(ctx).Create(entity).Error; err != nil {
		return fmt.Errorf("insert %s: %w", s.entity, translate(err))
	}
	if binder, ok := any(entity).(shared.ChildBinder); ok {
		binder.BindChildren()
	}
	return nil
}

// Update writes every column except id and created_at; owned associations are left alone.
func (s *Store[T, PT]) Update(ctx context.Context, entity *T) error {
	res := s.conn(ctx).Model(entity).
		Select("*").
		Omit("id", "created_at", clause.Associations).
		Where("is_deleted = ?", false).
		Updates(entity)
	if res.Error != nil {
		return fmt.Errorf("update %s %d: %w", s.entity, PT(entity).Base().ID, translate(res.Error))
	}
	if res.RowsAffected == 0 {
		return shared.NewNotFoundError(s.entity)
	}
	return nil
}

func (s *Store[T, PT]) MarkDeleted(ctx context.Context, id int64, at time.Time) (bool, error) {
	res := s.conn(ctx).Model(new(T)).
		Where("id = ? AND is_deleted = ?", id, false).
		Updates(map[string]any{
			"is_deleted": true,
			"deleted_at": at,
			"updated_at": at,
		})
	if res.Error != nil {
		return false, fmt.Errorf("soft delete %s %d: %w", s.entity, id, translate(res.Error))
	}
	return res.RowsAffected > 0, nil
}

var _ persistence.Store[shared.OutboxEvent] = (*Store[shared.OutboxEvent, *shared.OutboxEvent])(nil)
