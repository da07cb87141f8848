package shared

import "context"

// UnitOfWork 收集一次请求内的写操作，在 Commit 时原子提交。
// 每个请求一个实例，不可跨 goroutine 共享。
type UnitOfWork interface {
	Commit(ctx context.Context) error
	Discard()
}
