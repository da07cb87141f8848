package persistence

import (
	"fmt"

	"gorm.io/gorm"
)

// Condition 存储无关的过滤条件
// Match 用于内存存储，Scope 用于 GORM；两者必须表达同一谓词
type Condition[T any] struct {
	// Key names the predicate for cache keys; empty disables list caching.
	Key   string
	Match func(*T) bool
	Scope func(*gorm.DB) *gorm.DB
}

// Matches treats a nil Match as "everything".
func (c Condition[T]) Matches(entity *T) bool {
	if c.Match == nil {
		return true
	}
	return c.Match(entity)
}

// Apply treats a nil Scope as "no restriction".
func (c Condition[T]) Apply(db *gorm.DB) *gorm.DB {
	if c.Scope == nil {
		return db
	}
	return c.Scope(db)
}

// Everything matches every row.
func Everything[T any]() Condition[T] {
	return Condition[T]{Key: "all"}
}

// Nothing matches no row.
func Nothing[T any]() Condition[T] {
	return Condition[T]{
		Key:   "none",
		Match: func(*T) bool { return false },
		Scope: func(db *gorm.DB) *gorm.DB { return db.Where("1 = 0") },
	}
}

// Equal matches rows whose column equals value.
func Equal[T any, V comparable](column string, value V, get func(*T) V) Condition[T] {
	return Condition[T]{
		Key:   fmt.Sprintf("%s=%v", column, value),
		Match: func(e *T) bool { return get(e) == value },
		Scope: func(db *gorm.DB) *gorm.DB { return db.Where(column+" = ?", value) },
	}
}

// IsNull matches rows whose nullable column is NULL.
func IsNull[T any, V any](column string, get func(*T) *V) Condition[T] {
	return Condition[T]{
		Key:   column + " IS NULL",
		Match: func(e *T) bool { return get(e) == nil },
		Scope: func(db *gorm.DB) *gorm.DB { return db.Where(column + " IS NULL") },
	}
}

// And matches rows satisfying every condition.
func And[T any](conds ...Condition[T]) Condition[T] {
	key := "(" + joinKeys(conds, "&") + ")"
	if hasEmptyKey(conds) {
		key = ""
	}
	return Condition[T]{
		Key: key,
		Match: func(e *T) bool {
			for _, c := range conds {
				if !c.Matches(e) {
					return false
				}
			}
			return true
		},
		Scope: func(db *gorm.DB) *gorm.DB {
			for _, c := range conds {
				db = c.Apply(db)
			}
			return db
		},
	}
}

// Or matches rows satisfying at least one condition.
// 各分支在独立的 session 中构建，再作为分组条件整体并入
func Or[T any](conds ...Condition[T]) Condition[T] {
	key := "(" + joinKeys(conds, "|") + ")"
	if hasEmptyKey(conds) {
		key = ""
	}
	return Condition[T]{
		Key: key,
		Match: func(e *T) bool {
			for _, c := range conds {
				if c.Matches(e) {
					return true
				}
			}
			return false
		},
		Scope: func(db *gorm.DB) *gorm.DB {
			if len(conds) == 0 {
				return db.Where("1 = 0")
			}
			fresh := db.Session(&gorm.Session{NewDB: true})
			group := conds[0].Apply(fresh)
			for _, c := range conds[1:] {
				group = group.Or(c.Apply(fresh))
			}
			return db.Where(group)
		},
	}
}

// Not negates c.
func Not[T any](c Condition[T]) Condition[T] {
	key := ""
	if c.Key != "" {
		key = "!" + c.Key
	}
	return Condition[T]{
		Key:   key,
		Match: func(e *T) bool { return !c.Matches(e) },
		Scope: func(db *gorm.DB) *gorm.DB {
			return db.Not(c.Apply(db.Session(&gorm.Session{NewDB: true})))
		},
	}
}

func joinKeys[T any](conds []Condition[T], sep string) string {
	out := ""
	for i, c := range conds {
		if i > 0 {
			out += sep
		}
		out += c.Key
	}
	return out
}

func hasEmptyKey[T any](conds []Condition[T]) bool {
	for _, c := range conds {
		if c.Key == "" {
			return true
		}
	}
	return false
}
