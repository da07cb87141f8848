/*
Package order - 订单领域错误定义

设计原则:
1. 使用哨兵错误(sentinel errors)支持 errors.Is() 类型安全判断
2. 每个订单错误同时匹配订单哨兵和 shared 分类哨兵
   例如 errors.Is(err, ErrOrderNotFound) 与 errors.Is(err, shared.ErrNotFound) 同时成立
3. 错误构造函数在创建时捕获堆栈，便于定位错误发生点
*/
package order

import (
	"errors"
	"fmt"

	"ordercore/domain/shared"
)

var (
	// ErrOrderNotFound 订单未找到或对调用方不可见
	ErrOrderNotFound = errors.New("order not found")

	// ErrInvalidOrderStateTransition 无效的订单状态转换
	ErrInvalidOrderStateTransition = errors.New("invalid order state transition")

	// ErrEmptyOrderItems 订单项为空
	ErrEmptyOrderItems = errors.New("order must have at least one item")

	// ErrInvalidQuantity 无效的订单项数量
	ErrInvalidQuantity = errors.New("quantity must be positive")

	// ErrInvalidUnitPrice 单价不能为负
	ErrInvalidUnitPrice = errors.New("unit price must not be negative")

	// ErrDelivererAlreadyAssigned 订单已有配送员
	ErrDelivererAlreadyAssigned = errors.New("order already has a deliverer")

	// ErrOrderNotDeletable 只有终态订单可以删除
	ErrOrderNotDeletable = errors.New("only delivered or cancelled orders can be deleted")
)

// NewOrderNotFoundError 创建订单未找到错误（带堆栈）
func NewOrderNotFoundError(orderID int64) error {
	return &orderDomainError{
		sentinel: ErrOrderNotFound,
		kind:     shared.ErrNotFound,
		message:  fmt.Sprintf("order not found: %d", orderID),
		stack:    shared.CaptureStack(3),
	}
}

// NewInvalidTransitionError 创建无效状态转换错误
func NewInvalidTransitionError(from, to Status) error {
	return &orderDomainError{
		sentinel: ErrInvalidOrderStateTransition,
		kind:     shared.ErrConflict,
		message:  "cannot transition order from " + string(from) + " to " + string(to),
		stack:    shared.CaptureStack(3),
	}
}

// NewInvalidArgumentError 订单输入错误，同时匹配 sentinel 与 shared.ErrInvalidInput
func NewInvalidArgumentError(sentinel error, field, message string) error {
	return &orderDomainError{
		sentinel: sentinel,
		kind:     shared.ErrInvalidInput,
		field:    field,
		message:  message,
		stack:    shared.CaptureStack(3),
	}
}

// NewValidationError 无专属哨兵的订单输入错误
func NewValidationError(field, reason string) error {
	return &orderDomainError{
		kind:    shared.ErrInvalidInput,
		field:   field,
		message: reason,
		stack:   shared.CaptureStack(3),
	}
}

// NewConflictError 状态冲突（如已分配配送员）
func NewConflictError(sentinel error, message string) error {
	return &orderDomainError{
		sentinel: sentinel,
		kind:     shared.ErrConflict,
		message:  message,
		stack:    shared.CaptureStack(3),
	}
}

// orderDomainError 订单领域错误（带堆栈）
type orderDomainError struct {
	sentinel error // 订单哨兵，可为空
	kind     error // shared 分类哨兵
	field    string
	message  string
	stack    []uintptr
}

func (e *orderDomainError) Error() string {
	if e.field != "" {
		return "order." + e.field + ": " + e.message
	}
	return e.message
}

func (e *orderDomainError) Unwrap() []error {
	if e.sentinel == nil {
		return []error{e.kind}
	}
	return []error{e.sentinel, e.kind}
}

// Stack 实现 shared.Stacker 接口
func (e *orderDomainError) Stack() []string {
	return shared.FormatStack(e.stack)
}
