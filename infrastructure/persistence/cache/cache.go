/*
Package cache is the read-through cache used by the generic repository.

Entries live in hashes: the key names an entity row (or an entity's list results) and the
field names the caller scope, so one invalidation of the key drops every scoped view.
*/
package cache

import (
	"context"
	"errors"
	"strconv"
)

const keyPrefix = "ordercore"

// ErrInvalidation 写操作已提交但缓存失效失败，调用方无法确定缓存一致性
var ErrInvalidation = errors.New("cache invalidation failed")

// Cache 所有实现必须可并发使用
type Cache interface {
	// Get reports ok=false on a miss.
	Get(ctx context.Context, key, field string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key, field string, value []byte) error
	// Invalidate deletes every field of every key.
	Invalidate(ctx context.Context, keys ...string) error
}

// EntityKey e.g. ordercore:order:42
func EntityKey(entity string, id int64) string {
	return keyPrefix + ":" + entity + ":" + strconv.FormatInt(id, 10)
}

// ListKey e.g. ordercore:order:list
func ListKey(entity string) string {
	return keyPrefix + ":" + entity + ":list"
}
