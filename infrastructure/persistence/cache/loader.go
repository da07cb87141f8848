package cache

import (
	"context"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Loader 为 Cache 增加读穿透：并发未命中合并为一次加载（singleflight），
// 且加载期间发生失效时不回填，避免把旧值写回缓存
type Loader struct {
	cache Cache
	log   *zap.Logger
	group singleflight.Group

	mu   sync.Mutex
	gens map[string]uint64
}

func NewLoader(c Cache, log *zap.Logger) *Loader {
	if log == nil {
		log = zap.NewNop()
	}
	return &Loader{cache: c, log: log, gens: make(map[string]uint64)}
}

func (l *Loader) generation(key string) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.gens[key]
}

// Result of a Load.
type Result int

const (
	Hit Result = iota
	Miss
	Error
)

func (r Result) String() string {
	switch r {
	case Hit:
		return "hit"
	case Miss:
		return "miss"
	default:
		return "error"
	}
}

// Load returns the cached bytes or runs load. Every caller receives its own copy.
// Cache read/write failures degrade to load and are only logged.
func (l *Loader) Load(ctx context.Context, key, field string, load func(ctx context.Context) ([]byte, error)) ([]byte, Result, error) {
	result := Miss
	value, ok, err := l.cache.Get(ctx, key, field)
	switch {
	case err != nil:
		result = Error
		l.log.Warn("Cache read failed", zap.String("key", key), zap.Error(err))
	case ok:
		return append([]byte(nil), value...), Hit, nil
	}

	// 失效后开始的加载不会加入失效前的 flight
	gen := l.generation(key)
	flight := key + "\x00" + field + "\x00" + strconv.FormatUint(gen, 10)
	v, err, _ := l.group.Do(flight, func() (any, error) {
		data, err := load(ctx)
		if err != nil {
			return nil, err
		}
		l.backfill(ctx, key, field, gen, data)
		return data, nil
	})
	if err != nil {
		return nil, result, err
	}
	return append([]byte(nil), v.([]byte)...), result, nil
}

// backfill writes data unless key was invalidated after gen was read. An Invalidate that
// lands while Set is in flight is caught by the second check and the key is dropped again.
func (l *Loader) backfill(ctx context.Context, key, field string, gen uint64, data []byte) {
	if l.generation(key) != gen {
		return
	}
	if err := l.cache.Set(ctx, key, field, data); err != nil {
		l.log.Warn("Cache write failed", zap.String("key", key), zap.Error(err))
		return
	}
	if l.generation(key) != gen {
		if err := l.cache.Invalidate(ctx, key); err != nil {
			l.log.Warn("Cache invalidation of stale backfill failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// Invalidate drops keys and fences in-flight loads started before it.
func (l *Loader) Invalidate(ctx context.Context, keys ...string) error {
	l.mu.Lock()
	for _, key := range keys {
		l.gens[key]++
	}
	l.mu.Unlock()

	return l.cache.Invalidate(ctx, keys...)
}
