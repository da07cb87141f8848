/*
Package persistence defines the store contract the generic repository is built on.

A Store[T] performs single-entity reads and writes; a Transactor groups writes into one
atomic transaction. Both are injected, so the same repository runs against GORM
(gormstore) in production and an in-process store (memstore) in tests.
*/
package persistence

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Store 单实体类型的存储操作
// 所有方法在 ctx 携带事务时使用该事务
type Store[T any] interface {
	// Get returns shared.ErrNotFound when no row with id matches every condition.
	// Soft-deleted rows are skipped unless includeDeleted is set.
	Get(ctx context.Context, id int64, includeDeleted bool, conds ...Condition[T]) (*T, error)

	// List returns one page of matching rows and the total match count.
	List(ctx context.Context, q Query[T], conds ...Condition[T]) ([]*T, int64, error)

	// Insert assigns the surrogate id on entity.
	Insert(ctx context.Context, entity *T) error

	// Update overwrites a live row; shared.ErrNotFound when no live row has the id.
	// Owned children are not rewritten.
	Update(ctx context.Context, entity *T) error

	// MarkDeleted flags a live row as deleted; applied is false when the row was
	// already deleted.
	MarkDeleted(ctx context.Context, id int64, at time.Time) (applied bool, err error)
}

// Transactor runs fn inside one store transaction.
// A failure of COMMIT itself is returned as *CommitError.
type Transactor interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// CommitError COMMIT 已发出但失败，事务结果未知
// 重试可能导致重复插入，因此恢复策略将其视为终止错误
type CommitError struct {
	Err error
}

func (e *CommitError) Error() string {
	return "commit transaction: " + e.Err.Error()
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// IsCommitError reports whether err came from a failed COMMIT.
func IsCommitError(err error) bool {
	var ce *CommitError
	return errors.As(err, &ce)
}

// Sortable columns.
const (
	SortByID        = "id"
	SortByCreatedAt = "created_at"
	SortByUpdatedAt = "updated_at"
)

// Query 分页列表查询
type Query[T any] struct {
	Page           int
	PageSize       int
	IncludeDeleted bool
	SortBy         string
	Desc           bool
	Conditions     []Condition[T]
}

// Normalize applies defaults: page 1, DefaultPageSize, capped at MaxPageSize, sort by id.
func (q Query[T]) Normalize() Query[T] {
	if q.Page <= 0 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
	switch q.SortBy {
	case SortByID, SortByCreatedAt, SortByUpdatedAt:
	default:
		q.SortBy = SortByID
	}
	return q
}

// Offset of the first row of the page.
func (q Query[T]) Offset() int {
	return (q.Page - 1) * q.PageSize
}

// OrderClause e.g. "created_at DESC, id DESC".
func (q Query[T]) OrderClause() string {
	dir := "ASC"
	if q.Desc {
		dir = "DESC"
	}
	if q.SortBy == SortByID {
		return "id " + dir
	}
	return q.SortBy + " " + dir + ", id " + dir
}

// Signature identifies the query for caching; ok is false when a condition has no key.
func (q Query[T]) Signature() (sig string, ok bool) {
	var b strings.Builder
	b.WriteString("p=" + strconv.Itoa(q.Page))
	b.WriteString("&n=" + strconv.Itoa(q.PageSize))
	b.WriteString("&s=" + q.SortBy)
	if q.Desc {
		b.WriteString("&d=1")
	}
	if q.IncludeDeleted {
		b.WriteString("&deleted=1")
	}
	for _, c := range q.Conditions {
		if c.Key == "" {
			return "", false
		}
		b.WriteString("&c=" + c.Key)
	}
	return b.String(), true
}

// Page 分页结果，Items 永不为 nil
type Page[T any] struct {
	Items      []*T  `json:"items"`
	Total      int64 `json:"total"`
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalPages int   `json:"total_pages"`
}

func NewPage[T any](items []*T, total int64, page, pageSize int) Page[T] {
	if items == nil {
		items = []*T{}
	}
	pages := 0
	if pageSize > 0 {
		pages = int((total + int64(pageSize) - 1) / int64(pageSize))
	}
	return Page[T]{
		Items:      items,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: pages,
	}
}

// HasNext reports whether a later page exists.
func (p Page[T]) HasNext() bool {
	return p.Page < p.TotalPages
}
