package order

import (
	"time"

	"github.com/shopspring/decimal"
)

const aggregateType = "order"

// orderEvent holds the aggregate pointer so the id assigned at commit is visible.
type orderEvent struct {
	order      *Order
	occurredAt time.Time
}

func (e orderEvent) AggregateType() string { return aggregateType }
func (e orderEvent) AggregateID() int64    { return e.order.ID }
func (e orderEvent) OccurredAt() time.Time { return e.occurredAt }

// OrderPlacedEvent order.placed
type OrderPlacedEvent struct {
	orderEvent
	userID      int64
	totalAmount decimal.Decimal
	itemCount   int
}

func newOrderPlacedEvent(o *Order, at time.Time) *OrderPlacedEvent {
	return &OrderPlacedEvent{
		orderEvent:  orderEvent{order: o, occurredAt: at},
		userID:      o.UserID,
		totalAmount: o.TotalAmount,
		itemCount:   len(o.OrderItems),
	}
}

func (e *OrderPlacedEvent) EventType() string { return "order.placed" }

func (e *OrderPlacedEvent) Payload() any {
	return map[string]any{
		"order_id":     e.order.ID,
		"user_id":      e.userID,
		"total_amount": e.totalAmount.StringFixed(2),
		"item_count":   e.itemCount,
	}
}

// OrderStatusChangedEvent order.status_changed
type OrderStatusChangedEvent struct {
	orderEvent
	from Status
	to   Status
}

func newStatusChangedEvent(o *Order, from, to Status, at time.Time) *OrderStatusChangedEvent {
	return &OrderStatusChangedEvent{
		orderEvent: orderEvent{order: o, occurredAt: at},
		from:       from,
		to:         to,
	}
}

func (e *OrderStatusChangedEvent) EventType() string { return "order.status_changed" }
func (e *OrderStatusChangedEvent) From() Status      { return e.from }
func (e *OrderStatusChangedEvent) To() Status        { return e.to }

func (e *OrderStatusChangedEvent) Payload() any {
	return map[string]any{
		"order_id": e.order.ID,
		"from":     e.from,
		"to":       e.to,
	}
}

// DeliveryAcceptedEvent order.delivery_accepted
type DeliveryAcceptedEvent struct {
	orderEvent
	delivererID int64
}

func newDeliveryAcceptedEvent(o *Order, delivererID int64, at time.Time) *DeliveryAcceptedEvent {
	return &DeliveryAcceptedEvent{
		orderEvent:  orderEvent{order: o, occurredAt: at},
		delivererID: delivererID,
	}
}

func (e *DeliveryAcceptedEvent) EventType() string { return "order.delivery_accepted" }

func (e *DeliveryAcceptedEvent) Payload() any {
	return map[string]any{
		"order_id":     e.order.ID,
		"deliverer_id": e.delivererID,
	}
}
