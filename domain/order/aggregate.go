/*
Package order Order subdomain

Order is the aggregate root; OrderItem rows are owned by it, created with it and never
rewritten afterwards. Business lifecycle (which status changes are legal, which milestone
timestamp each state stamps) lives here. Persistence lifecycle belongs to the generic
repository in infrastructure/persistence/repository.
*/
package order

import (
	"time"

	"ordercore/domain/shared"

	"github.com/shopspring/decimal"
)

// Order aggregate root
type Order struct {
	shared.Model
	shared.Recorder `gorm:"-" json:"-"`

	// UserID is the owner and never changes after creation.
	UserID              int64           `gorm:"not null;index" json:"user_id"`
	DeliveryAddress     string          `gorm:"size:512;not null" json:"delivery_address"`
	CurrentLocation     string          `gorm:"size:512" json:"current_location"`
	ContactPhone        string          `gorm:"size:32" json:"contact_phone"`
	SpecialInstructions string          `gorm:"size:1024" json:"special_instructions"`
	TotalAmount         decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"total_amount"`
	Status              Status          `gorm:"size:20;not null;index" json:"status"`
	DelivererID         *int64          `gorm:"index" json:"deliverer_id,omitempty"`

	ConfirmedAt  *time.Time `gorm:"precision:6" json:"confirmed_at,omitempty"`
	StartedAt    *time.Time `gorm:"precision:6" json:"started_at,omitempty"`
	DispatchedAt *time.Time `gorm:"precision:6" json:"dispatched_at,omitempty"`
	DeliveredAt  *time.Time `gorm:"precision:6" json:"delivered_at,omitempty"`
	CancelledAt  *time.Time `gorm:"precision:6" json:"cancelled_at,omitempty"`

	OrderItems []OrderItem `gorm:"foreignKey:OrderID" json:"order_items"`
}

// OrderItem line item; UnitPrice is the price snapshot taken when the order was placed.
type OrderItem struct {
	ID        int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID   int64           `gorm:"not null;index" json:"order_id"`
	ProductID int64           `gorm:"not null;index" json:"product_id"`
	Quantity  int             `gorm:"not null" json:"quantity"`
	UnitPrice decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"unit_price"`
}

func (Order) TableName() string { return "orders" }

func (OrderItem) TableName() string { return "order_items" }

func (*Order) EntityName() string { return "order" }

// Preloads 加载订单时一并加载订单项
func (*Order) Preloads() []string { return []string{"OrderItems"} }

// BindChildren 存储分配 ID 后回填订单项的 OrderID
func (o *Order) BindChildren() {
	for i := range o.OrderItems {
		o.OrderItems[i].OrderID = o.ID
	}
}

// UnbindChildren 清除失败插入中分配的订单项 ID
func (o *Order) UnbindChildren() {
	for i := range o.OrderItems {
		o.OrderItems[i].ID = 0
		o.OrderItems[i].OrderID = 0
	}
}

// Subtotal Quantity × UnitPrice
func (item OrderItem) Subtotal() decimal.Decimal {
	return item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
}

// CalculateTotal sums the item subtotals.
func (o *Order) CalculateTotal() decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.OrderItems {
		total = total.Add(item.Subtotal())
	}
	return total
}

// Validate checks the shape required to place the order.
func (o *Order) Validate() error {
	if o.ID != 0 {
		return NewValidationError("id", "a new order must not carry an id")
	}
	if o.UserID <= 0 {
		return NewValidationError("user_id", "user id must be positive")
	}
	if len(o.OrderItems) == 0 {
		return NewInvalidArgumentError(ErrEmptyOrderItems, "order_items", ErrEmptyOrderItems.Error())
	}
	for _, item := range o.OrderItems {
		if item.ProductID <= 0 {
			return NewValidationError("order_items.product_id", "product id must be positive")
		}
		if item.Quantity <= 0 {
			return NewInvalidArgumentError(ErrInvalidQuantity, "order_items.quantity", ErrInvalidQuantity.Error())
		}
		if item.UnitPrice.IsNegative() {
			return NewInvalidArgumentError(ErrInvalidUnitPrice, "order_items.unit_price", ErrInvalidUnitPrice.Error())
		}
	}
	return nil
}

// Place validates the order and puts it in its initial state:
// PENDING, total recomputed from the items, no deliverer, no milestones.
func (o *Order) Place(now time.Time) error {
	if err := o.Validate(); err != nil {
		return err
	}

	o.Status = StatusPending
	o.TotalAmount = o.CalculateTotal()
	o.DelivererID = nil
	o.ConfirmedAt, o.StartedAt, o.DispatchedAt, o.DeliveredAt, o.CancelledAt = nil, nil, nil, nil, nil
	o.CreatedAt = now
	o.UpdatedAt = now
	o.UnbindChildren()

	o.Record(newOrderPlacedEvent(o, now))
	return nil
}

// TransitionTo moves the order to target and stamps the matching milestone.
// With enforce set, only lifecycle edges are accepted.
func (o *Order) TransitionTo(target Status, now time.Time, enforce bool) error {
	if !target.Valid() {
		return NewValidationError("status", "unknown order status "+string(target))
	}
	if enforce && !CanTransition(o.Status, target) {
		return NewInvalidTransitionError(o.Status, target)
	}

	from := o.Status
	at := shared.NextTimestamp(o.UpdatedAt, now)
	o.Status = target
	o.UpdatedAt = at

	switch target {
	case StatusConfirmed:
		o.ConfirmedAt = &at
	case StatusInProgress:
		o.StartedAt = &at
	case StatusOnTheWay:
		o.DispatchedAt = &at
	case StatusDelivered:
		o.DeliveredAt = &at
	case StatusCancelled:
		o.CancelledAt = &at
	}

	o.Record(newStatusChangedEvent(o, from, target, at))
	return nil
}

// AssignDeliverer records the deliverer that accepted a confirmed order.
func (o *Order) AssignDeliverer(delivererID int64, now time.Time) error {
	if o.Status != StatusConfirmed {
		return NewConflictError(ErrInvalidOrderStateTransition, "only confirmed orders can be accepted for delivery, order is "+string(o.Status))
	}
	if o.DelivererID != nil {
		return NewConflictError(ErrDelivererAlreadyAssigned, ErrDelivererAlreadyAssigned.Error())
	}

	id := delivererID
	o.DelivererID = &id
	o.UpdatedAt = shared.NextTimestamp(o.UpdatedAt, now)
	o.Record(newDeliveryAcceptedEvent(o, delivererID, o.UpdatedAt))
	return nil
}

// ReleasesDeliverer reports whether entering s ends the assigned deliverer's job.
func ReleasesDeliverer(s Status) bool {
	return s == StatusDelivered || s == StatusCancelled
}

// DelivererReleased reports whether the order has already ended its deliverer's job.
// Milestones are never cleared, so a permissive status change back out of DELIVERED or
// CANCELLED does not make the job count again.
func (o *Order) DelivererReleased() bool {
	return o.DeliveredAt != nil || o.CancelledAt != nil
}

var _ shared.Entity = (*Order)(nil)
var _ shared.EventRecorder = (*Order)(nil)
