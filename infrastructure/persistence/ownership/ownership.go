/*
Package ownership decides which rows a caller may see.

A Filter turns a caller into a persistence.Condition. The repository applies it to every
read and to the target resolution of every write, so a row outside the caller's scope is
indistinguishable from a missing row. Filters are pure: same caller, same condition.
*/
package ownership

import (
	"strconv"

	"ordercore/domain/deliverer"
	"ordercore/domain/order"
	"ordercore/domain/shared"
	"ordercore/infrastructure/persistence"

	"gorm.io/gorm"
)

// Filter 行级可见性规则
type Filter[T any] interface {
	Apply(caller shared.Caller) persistence.Condition[T]
}

// FilterFunc adapts a function to Filter.
type FilterFunc[T any] func(caller shared.Caller) persistence.Condition[T]

func (f FilterFunc[T]) Apply(caller shared.Caller) persistence.Condition[T] {
	return f(caller)
}

// Orders
//
//	Admin, System -> 全部
//	Customer      -> user_id = caller.UserID
//	Deliverer     -> deliverer_id = caller.DelivererID，或尚未分配的 CONFIRMED 订单
func Orders() Filter[order.Order] {
	return FilterFunc[order.Order](func(c shared.Caller) persistence.Condition[order.Order] {
		switch {
		case !c.Valid():
			return persistence.Nothing[order.Order]()
		case c.Privileged():
			return persistence.Everything[order.Order]()
		case c.Role == shared.RoleDeliverer:
			return persistence.Or(
				assignedTo(c.DelivererID),
				persistence.And(
					persistence.Equal("status", order.StatusConfirmed, func(o *order.Order) order.Status { return o.Status }),
					persistence.IsNull("deliverer_id", func(o *order.Order) *int64 { return o.DelivererID }),
				),
			)
		default:
			return persistence.Equal("user_id", c.UserID, func(o *order.Order) int64 { return o.UserID })
		}
	})
}

func assignedTo(delivererID int64) persistence.Condition[order.Order] {
	return persistence.Condition[order.Order]{
		Key: "deliverer_id=" + strconv.FormatInt(delivererID, 10),
		Match: func(o *order.Order) bool {
			return o.DelivererID != nil && *o.DelivererID == delivererID
		},
		Scope: func(db *gorm.DB) *gorm.DB {
			return db.Where("deliverer_id = ?", delivererID)
		},
	}
}

// Deliverers
//
//	Admin, System -> 全部
//	Deliverer     -> 自己的记录
//	Customer      -> 仅 Available 的配送员
func Deliverers() Filter[deliverer.Deliverer] {
	return FilterFunc[deliverer.Deliverer](func(c shared.Caller) persistence.Condition[deliverer.Deliverer] {
		switch {
		case !c.Valid():
			return persistence.Nothing[deliverer.Deliverer]()
		case c.Privileged():
			return persistence.Everything[deliverer.Deliverer]()
		case c.Role == shared.RoleDeliverer:
			return persistence.Equal("id", c.DelivererID, func(d *deliverer.Deliverer) int64 { return d.ID })
		default:
			return persistence.Equal("status", deliverer.StatusAvailable, func(d *deliverer.Deliverer) deliverer.Status { return d.Status })
		}
	})
}

// PrivilegedOnly exposes rows to Admin and System callers only.
func PrivilegedOnly[T any]() Filter[T] {
	return FilterFunc[T](func(c shared.Caller) persistence.Condition[T] {
		if c.Valid() && c.Privileged() {
			return persistence.Everything[T]()
		}
		return persistence.Nothing[T]()
	})
}

// Outbox
func Outbox() Filter[shared.OutboxEvent] {
	return PrivilegedOnly[shared.OutboxEvent]()
}
