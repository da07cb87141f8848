package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestKeys(t *testing.T) {
	if got := EntityKey("order", 42); got != "ordercore:order:42" {
		t.Errorf("EntityKey = %q", got)
	}
	if got := ListKey("deliverer"); got != "ordercore:deliverer:list" {
		t.Errorf("ListKey = %q", got)
	}
}

func TestMemoryGetSetInvalidate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)

	if _, ok, _ := m.Get(ctx, "k", "user:7"); ok {
		t.Fatal("empty cache should miss")
	}
	_ = m.Set(ctx, "k", "user:7", []byte("a"))
	_ = m.Set(ctx, "k", "all", []byte("b"))

	v, ok, err := m.Get(ctx, "k", "user:7")
	if err != nil || !ok || string(v) != "a" {
		t.Fatalf("Get = %q, %v, %v", v, ok, err)
	}
	if m.Len() != 2 {
		t.Errorf("Len = %d, want 2", m.Len())
	}

	_ = m.Invalidate(ctx, "k")
	if _, ok, _ := m.Get(ctx, "k", "all"); ok {
		t.Error("invalidate must drop every field of the key")
	}
}

func TestMemoryTTL(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	_ = m.Set(ctx, "k", "f", []byte("v"))
	now = now.Add(59 * time.Second)
	if _, ok, _ := m.Get(ctx, "k", "f"); !ok {
		t.Error("entry should still be live")
	}
	now = now.Add(2 * time.Second)
	if _, ok, _ := m.Get(ctx, "k", "f"); ok {
		t.Error("entry should have expired")
	}
}

func TestMemorySetCopiesValue(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	buf := []byte("abc")
	_ = m.Set(ctx, "k", "f", buf)
	buf[0] = 'x'
	v, _, _ := m.Get(ctx, "k", "f")
	if string(v) != "abc" {
		t.Errorf("cached value aliased caller buffer: %q", v)
	}
}

func TestLoaderCollapsesConcurrentMisses(t *testing.T) {
	ctx := context.Background()
	l := NewLoader(NewMemory(0), zap.NewNop())

	var loads int32
	release := make(chan struct{})
	load := func(context.Context) ([]byte, error) {
		atomic.AddInt32(&loads, 1)
		<-release
		return []byte("row"), nil
	}

	const n = 8
	var wg sync.WaitGroup
	results := make([][]byte, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, _, err := l.Load(ctx, "k", "f", load)
			if err != nil {
				t.Errorf("Load: %v", err)
			}
			results[i] = v
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := atomic.LoadInt32(&loads); got < 1 || got > n {
		t.Fatalf("loads = %d", got)
	}
	for i, v := range results {
		if string(v) != "row" {
			t.Errorf("result %d = %q", i, v)
		}
	}
	results[0][0] = 'X'
	if string(results[1]) != "row" {
		t.Error("callers must not share the returned buffer")
	}

	v, res, err := l.Load(ctx, "k", "f", func(context.Context) ([]byte, error) {
		t.Fatal("cached value should be served without loading")
		return nil, nil
	})
	if err != nil || res != Hit || string(v) != "row" {
		t.Errorf("second Load = %q, %v, %v", v, res, err)
	}
}

func TestLoaderDoesNotBackfillAfterInvalidate(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(0)
	l := NewLoader(mem, zap.NewNop())

	_, _, err := l.Load(ctx, "k", "f", func(ctx context.Context) ([]byte, error) {
		// 加载期间发生写入
		if err := l.Invalidate(ctx, "k"); err != nil {
			t.Fatal(err)
		}
		return []byte("stale"), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := mem.Get(ctx, "k", "f"); ok {
		t.Error("a load overtaken by an invalidation must not populate the cache")
	}
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string, string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}
func (brokenCache) Set(context.Context, string, string, []byte) error {
	return errors.New("connection refused")
}
func (brokenCache) Invalidate(context.Context, ...string) error {
	return errors.New("connection refused")
}

func TestLoaderDegradesOnCacheFailure(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	l := NewLoader(brokenCache{}, zap.New(core))

	v, res, err := l.Load(context.Background(), "k", "f", func(context.Context) ([]byte, error) {
		return []byte("row"), nil
	})
	if err != nil || string(v) != "row" {
		t.Fatalf("Load = %q, %v", v, err)
	}
	if res != Error {
		t.Errorf("result = %v, want error", res)
	}
	if logs.FilterMessage("Cache read failed").Len() != 1 || logs.FilterMessage("Cache write failed").Len() != 1 {
		t.Errorf("expected read and write warnings, got %d entries", logs.Len())
	}
}

// blockingSetCache parks the first Set until release is closed.
type blockingSetCache struct {
	*Memory
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (c *blockingSetCache) Set(ctx context.Context, key, field string, value []byte) error {
	first := false
	c.once.Do(func() { first = true })
	if first {
		close(c.entered)
		<-c.release
	}
	return c.Memory.Set(ctx, key, field, value)
}

func TestLoaderInvalidateDuringBackfillWins(t *testing.T) {
	ctx := context.Background()
	c := &blockingSetCache{Memory: NewMemory(0), entered: make(chan struct{}), release: make(chan struct{})}
	l := NewLoader(c, zap.NewNop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, _, err := l.Load(ctx, "k", "f", func(context.Context) ([]byte, error) {
			return []byte("old"), nil
		}); err != nil {
			t.Errorf("Load: %v", err)
		}
	}()

	<-c.entered
	if err := l.Invalidate(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	close(c.release)
	<-done

	if v, ok, _ := c.Memory.Get(ctx, "k", "f"); ok {
		t.Errorf("value %q written during Invalidate survived it", v)
	}
}

func TestLoaderLoadAfterInvalidateStartsNewFlight(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(0)
	l := NewLoader(mem, zap.NewNop())

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		v, _, err := l.Load(ctx, "k", "f", func(context.Context) ([]byte, error) {
			close(started)
			<-release
			return []byte("old"), nil
		})
		if err != nil || string(v) != "old" {
			t.Errorf("first Load = %q, %v", v, err)
		}
	}()

	<-started
	// 写入提交
	if err := l.Invalidate(ctx, "k"); err != nil {
		t.Fatal(err)
	}

	v, res, err := l.Load(ctx, "k", "f", func(context.Context) ([]byte, error) {
		return []byte("new"), nil
	})
	if err != nil || res != Miss || string(v) != "new" {
		t.Fatalf("Load after invalidate = %q, %v, %v; want new", v, res, err)
	}

	close(release)
	<-done
	if got, ok, _ := mem.Get(ctx, "k", "f"); !ok || string(got) != "new" {
		t.Errorf("cached = %q, %v; want new", got, ok)
	}
}
