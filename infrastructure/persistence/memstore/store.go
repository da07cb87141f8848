package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"ordercore/domain/shared"
	"ordercore/infrastructure/persistence"
)

// Store 单实体类型的内存存储视图
type Store[T any, PT shared.EntityPtr[T]] struct {
	db     *DB
	name   string
	entity string
}

// NewStore binds entity type T to a table named after its EntityName.
func NewStore[T any, PT shared.EntityPtr[T]](db *DB) *Store[T, PT] {
	entity := PT(new(T)).EntityName()
	return &Store[T, PT]{db: db, name: entity, entity: entity}
}

func (s *Store[T, PT]) encode(e *T) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("memstore: encode %s: %w", s.entity, err)
	}
	return data, nil
}

func (s *Store[T, PT]) decode(data []byte) (*T, error) {
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("memstore: decode %s: %w", s.entity, err)
	}
	return out, nil
}

func matchesAll[T any](e *T, conds []persistence.Condition[T]) bool {
	for _, c := range conds {
		if !c.Matches(e) {
			return false
		}
	}
	return true
}

func (s *Store[T, PT]) Get(ctx context.Context, id int64, includeDeleted bool, conds ...persistence.Condition[T]) (*T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.db.check(OpGet, s.name); err != nil {
		return nil, err
	}

	data, ok := s.db.view(ctx, s.name)[id]
	if !ok {
		return nil, shared.NewNotFoundError(s.entity)
	}

	e, err := s.decode(data)
	if err != nil {
		return nil, err
	}
	if PT(e).Base().IsDeleted && !includeDeleted {
		return nil, shared.NewNotFoundError(s.entity)
	}
	if !matchesAll(e, conds) {
		return nil, shared.NewNotFoundError(s.entity)
	}
	return e, nil
}

func (s *Store[T, PT]) List(ctx context.Context, q persistence.Query[T], conds ...persistence.Condition[T]) ([]*T, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	if err := s.db.check(OpList, s.name); err != nil {
		return nil, 0, err
	}
	q = q.Normalize()
	all := append(append([]persistence.Condition[T]{}, conds...), q.Conditions...)

	rows := s.db.view(ctx, s.name)

	matched := make([]*T, 0, len(rows))
	for _, data := range rows {
		e, err := s.decode(data)
		if err != nil {
			return nil, 0, err
		}
		if PT(e).Base().IsDeleted && !q.IncludeDeleted {
			continue
		}
		if matchesAll(e, all) {
			matched = append(matched, e)
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := PT(matched[i]).Base(), PT(matched[j]).Base()
		var less bool
		switch q.SortBy {
		case persistence.SortByCreatedAt:
			less = a.CreatedAt.Before(b.CreatedAt) || (a.CreatedAt.Equal(b.CreatedAt) && a.ID < b.ID)
		case persistence.SortByUpdatedAt:
			less = a.UpdatedAt.Before(b.UpdatedAt) || (a.UpdatedAt.Equal(b.UpdatedAt) && a.ID < b.ID)
		default:
			less = a.ID < b.ID
		}
		if q.Desc {
			return !less && a.ID != b.ID
		}
		return less
	})

	total := int64(len(matched))
	start := q.Offset()
	if start > len(matched) {
		start = len(matched)
	}
	end := start + q.PageSize
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], total, nil
}

func (s *Store[T, PT]) Insert(ctx context.Context, entity *T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.check(OpInsert, s.name); err != nil {
		return err
	}

	return s.db.write(ctx, s.name, func(t *table) error {
		t.nextID++
		base := PT(entity).Base()
		base.ID = t.nextID
		if binder, ok := any(entity).(shared.ChildBinder); ok {
			binder.BindChildren()
		}

		data, err := s.encode(entity)
		if err != nil {
			base.ID = 0
			t.nextID--
			return err
		}
		t.rows[base.ID] = data
		return nil
	})
}

func (s *Store[T, PT]) Update(ctx context.Context, entity *T) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.check(OpUpdate, s.name); err != nil {
		return err
	}

	return s.db.write(ctx, s.name, func(t *table) error {
		base := PT(entity).Base()
		data, ok := t.rows[base.ID]
		if !ok {
			return shared.NewNotFoundError(s.entity)
		}
		stored, err := s.decode(data)
		if err != nil {
			return err
		}
		if PT(stored).Base().IsDeleted {
			return shared.NewNotFoundError(s.entity)
		}

		row, err := s.encode(entity)
		if err != nil {
			return err
		}
		updated, err := s.decode(row)
		if err != nil {
			return err
		}
		// created_at 以存储值为准
		PT(updated).Base().CreatedAt = PT(stored).Base().CreatedAt
		if row, err = s.encode(updated); err != nil {
			return err
		}
		t.rows[base.ID] = row
		return nil
	})
}

func (s *Store[T, PT]) MarkDeleted(ctx context.Context, id int64, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.db.check(OpDelete, s.name); err != nil {
		return false, err
	}

	var marked bool
	err := s.db.write(ctx, s.name, func(t *table) error {
		data, ok := t.rows[id]
		if !ok {
			return nil
		}
		e, err := s.decode(data)
		if err != nil {
			return err
		}
		base := PT(e).Base()
		if base.IsDeleted {
			return nil
		}
		base.IsDeleted = true
		deletedAt := at
		base.DeletedAt = &deletedAt
		base.UpdatedAt = at

		row, err := s.encode(e)
		if err != nil {
			return err
		}
		t.rows[id] = row
		marked = true
		return nil
	})
	return marked, err
}

var _ persistence.Store[shared.OutboxEvent] = (*Store[shared.OutboxEvent, *shared.OutboxEvent])(nil)
