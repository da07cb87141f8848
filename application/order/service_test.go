package order

import (
	"context"
	"errors"
	"testing"
	"time"

	"ordercore/domain/deliverer"
	"ordercore/domain/order"
	"ordercore/domain/shared"
	"ordercore/infrastructure/persistence"
	"ordercore/infrastructure/persistence/cache"
	"ordercore/infrastructure/persistence/memstore"
	"ordercore/infrastructure/persistence/ownership"
	"ordercore/infrastructure/persistence/repository"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var (
	customer = shared.Customer(7)
	admin    = shared.Admin(1)
)

type harness struct {
	db      *memstore.DB
	factory *repository.Factory
	svc     *Service
	logs    *observer.ObservedLogs
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	db := memstore.New()
	outbox := memstore.NewStore[shared.OutboxEvent](db)
	f := repository.NewFactory(db,
		repository.WithLogger(zap.NewNop()),
		repository.WithCache(cache.NewMemory(time.Minute)),
		repository.WithOutbox(outbox),
	)
	repository.Bind(f, memstore.NewStore[order.Order](db), ownership.Orders())
	repository.Bind(f, memstore.NewStore[deliverer.Deliverer](db), ownership.Deliverers())
	repository.Bind(f, outbox, ownership.Outbox())

	core, logs := observer.New(zapcore.DebugLevel)
	svc := NewService(f, append([]Option{WithLogger(zap.New(core))}, opts...)...)
	return &harness{db: db, factory: f, svc: svc, logs: logs}
}

func newOrder(userID int64) *order.Order {
	return &order.Order{
		UserID:          userID,
		DeliveryAddress: "1 Main St",
		OrderItems: []order.OrderItem{
			{ProductID: 3, Quantity: 2, UnitPrice: decimal.RequireFromString("9.99")},
		},
	}
}

func (h *harness) place(t *testing.T, userID int64) *order.Order {
	t.Helper()
	o, err := h.svc.PlaceOrder(context.Background(), shared.Customer(userID), newOrder(userID))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	return o
}

func (h *harness) move(t *testing.T, id int64, statuses ...order.Status) *order.Order {
	t.Helper()
	var o *order.Order
	for _, st := range statuses {
		var err error
		if o, err = h.svc.UpdateOrderStatus(context.Background(), admin, id, st); err != nil {
			t.Fatalf("UpdateOrderStatus(%s): %v", st, err)
		}
	}
	return o
}

func (h *harness) seedDeliverer(t *testing.T, capacity int) (*deliverer.Deliverer, shared.Caller) {
	t.Helper()
	d := &deliverer.Deliverer{UserID: 42, Status: deliverer.StatusAvailable, MaxConcurrentDeliveries: capacity}
	uow := h.factory.New()
	if err := repository.Of[deliverer.Deliverer](uow).Add(context.Background(), shared.System(), d); err != nil {
		t.Fatalf("Add deliverer: %v", err)
	}
	if err := uow.Commit(context.Background()); err != nil {
		t.Fatalf("Commit deliverer: %v", err)
	}
	return d, shared.DelivererCaller(d.UserID, d.ID)
}

func (h *harness) deliverer(t *testing.T, id int64) *deliverer.Deliverer {
	t.Helper()
	d, err := repository.Of[deliverer.Deliverer](h.factory.New()).GetByID(context.Background(), shared.System(), id)
	if err != nil {
		t.Fatalf("GetByID deliverer: %v", err)
	}
	return d
}

func TestPlaceOrder(t *testing.T) {
	h := newHarness(t)
	in := newOrder(7)
	in.Status = order.StatusDelivered
	in.TotalAmount = decimal.NewFromInt(1000)

	o, err := h.svc.PlaceOrder(context.Background(), customer, in)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if o.ID <= 0 {
		t.Fatalf("ID = %d", o.ID)
	}
	if o.Status != order.StatusPending {
		t.Errorf("Status = %s, want PENDING", o.Status)
	}
	if !o.TotalAmount.Equal(decimal.RequireFromString("19.98")) {
		t.Errorf("TotalAmount = %s, want 19.98", o.TotalAmount)
	}

	got, err := h.svc.GetOrder(context.Background(), customer, o.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if len(got.OrderItems) != 1 || got.OrderItems[0].OrderID != o.ID {
		t.Errorf("items = %+v", got.OrderItems)
	}
	if h.logs.FilterMessage("Order placed").Len() != 1 {
		t.Error("missing placement log")
	}
}

func TestPlaceOrderRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.svc.PlaceOrder(ctx, customer, nil); !errors.Is(err, shared.ErrInvalidInput) {
		t.Errorf("nil order err = %v", err)
	}
	empty := newOrder(7)
	empty.OrderItems = nil
	if _, err := h.svc.PlaceOrder(ctx, customer, empty); !errors.Is(err, order.ErrEmptyOrderItems) {
		t.Errorf("empty order err = %v", err)
	}
	if _, err := h.svc.PlaceOrder(ctx, shared.Customer(8), newOrder(7)); !errors.Is(err, shared.ErrForbidden) {
		t.Errorf("foreign order err = %v, want ErrForbidden", err)
	}
	if h.db.Writes() != 0 {
		t.Errorf("Writes = %d, want 0", h.db.Writes())
	}
}

func TestGetOrderNotFound(t *testing.T) {
	h := newHarness(t)
	o := h.place(t, 7)

	_, err := h.svc.GetOrder(context.Background(), customer, 999)
	if !errors.Is(err, order.ErrOrderNotFound) || !IsNotFound(err) {
		t.Errorf("GetOrder(999) err = %v, want ErrOrderNotFound", err)
	}
	if _, err := h.svc.GetOrder(context.Background(), shared.Customer(8), o.ID); !IsNotFound(err) {
		t.Errorf("foreign GetOrder err = %v, want not found", err)
	}
	if _, err := h.svc.GetOrder(context.Background(), customer, 0); !errors.Is(err, shared.ErrInvalidInput) {
		t.Errorf("GetOrder(0) err = %v, want ErrInvalidInput", err)
	}
}

func TestUpdateOrderStatusStampsMilestones(t *testing.T) {
	frozen := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, WithClock(func() time.Time { return frozen }))
	o := h.place(t, 7)

	confirmed := h.move(t, o.ID, order.StatusConfirmed)
	if confirmed.ConfirmedAt == nil || !confirmed.ConfirmedAt.After(confirmed.CreatedAt) {
		t.Errorf("ConfirmedAt = %v, CreatedAt = %v", confirmed.ConfirmedAt, confirmed.CreatedAt)
	}

	got, err := h.svc.GetOrder(context.Background(), customer, o.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != order.StatusConfirmed || got.ConfirmedAt == nil {
		t.Errorf("stored order = %s/%v", got.Status, got.ConfirmedAt)
	}
}

func TestUpdateOrderStatusRejectsIllegalTransition(t *testing.T) {
	h := newHarness(t)
	o := h.place(t, 7)
	writes := h.db.Writes()

	_, err := h.svc.UpdateOrderStatus(context.Background(), admin, o.ID, order.StatusDelivered)
	if !errors.Is(err, order.ErrInvalidOrderStateTransition) {
		t.Fatalf("err = %v, want ErrInvalidOrderStateTransition", err)
	}
	if h.db.Writes() != writes {
		t.Error("rejected transition reached the store")
	}
	if _, err := h.svc.UpdateOrderStatus(context.Background(), admin, o.ID, order.Status("LOST")); !errors.Is(err, shared.ErrInvalidInput) {
		t.Errorf("unknown status err = %v", err)
	}
	if _, err := h.svc.UpdateOrderStatus(context.Background(), admin, 999, order.StatusConfirmed); !IsNotFound(err) {
		t.Errorf("missing order err = %v", err)
	}
}

func TestPermissiveTransitionsAreLogged(t *testing.T) {
	h := newHarness(t, WithEnforceTransitions(false))
	o := h.place(t, 7)

	got, err := h.svc.UpdateOrderStatus(context.Background(), admin, o.ID, order.StatusDelivered)
	if err != nil {
		t.Fatalf("UpdateOrderStatus: %v", err)
	}
	if got.Status != order.StatusDelivered || got.DeliveredAt == nil {
		t.Errorf("order = %s/%v", got.Status, got.DeliveredAt)
	}
	warnings := h.logs.FilterMessage("Accepting non-lifecycle status change")
	if warnings.Len() != 1 || warnings.All()[0].Level != zapcore.WarnLevel {
		t.Errorf("warnings = %d", warnings.Len())
	}
}

func TestCustomerCannotUpdateForeignOrder(t *testing.T) {
	h := newHarness(t)
	o := h.place(t, 7)
	if _, err := h.svc.CancelOrder(context.Background(), shared.Customer(8), o.ID); !IsNotFound(err) {
		t.Errorf("foreign cancel err = %v, want not found", err)
	}
	if _, err := h.svc.CancelOrder(context.Background(), customer, o.ID); err != nil {
		t.Errorf("own cancel: %v", err)
	}
}

func TestAcceptDeliveryAndRelease(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	d, courier := h.seedDeliverer(t, 1)

	first := h.place(t, 7)
	second := h.place(t, 7)

	// 未确认的订单对配送员不可见
	if _, err := h.svc.AcceptDelivery(ctx, courier, first.ID); !IsNotFound(err) {
		t.Errorf("accept pending err = %v, want not found", err)
	}

	h.move(t, first.ID, order.StatusConfirmed)
	h.move(t, second.ID, order.StatusConfirmed)

	accepted, err := h.svc.AcceptDelivery(ctx, courier, first.ID)
	if err != nil {
		t.Fatalf("AcceptDelivery: %v", err)
	}
	if accepted.DelivererID == nil || *accepted.DelivererID != d.ID {
		t.Errorf("DelivererID = %v, want %d", accepted.DelivererID, d.ID)
	}
	if got := h.deliverer(t, d.ID); got.Status != deliverer.StatusDelivering || got.ActiveDeliveries != 1 {
		t.Errorf("deliverer after accept = %s/%d", got.Status, got.ActiveDeliveries)
	}

	if _, err := h.svc.AcceptDelivery(ctx, courier, second.ID); !errors.Is(err, deliverer.ErrUnavailable) {
		t.Errorf("accept at capacity err = %v, want ErrUnavailable", err)
	}
	if _, err := h.svc.AcceptDelivery(ctx, courier, first.ID); !errors.Is(err, order.ErrDelivererAlreadyAssigned) {
		t.Errorf("accept twice err = %v, want ErrDelivererAlreadyAssigned", err)
	}

	// 已分配的订单对该配送员可见
	if _, err := h.svc.GetOrder(ctx, courier, first.ID); err != nil {
		t.Errorf("courier GetOrder: %v", err)
	}

	h.move(t, first.ID, order.StatusInProgress, order.StatusOnTheWay, order.StatusDelivered)
	got := h.deliverer(t, d.ID)
	if got.Status != deliverer.StatusAvailable || got.ActiveDeliveries != 0 || got.DeliveryCount != 1 {
		t.Errorf("deliverer after delivery = %s/%d/%d", got.Status, got.ActiveDeliveries, got.DeliveryCount)
	}

	if _, err := h.svc.AcceptDelivery(ctx, courier, second.ID); err != nil {
		t.Fatalf("AcceptDelivery after release: %v", err)
	}
	if _, err := h.svc.CancelOrder(ctx, admin, second.ID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	got = h.deliverer(t, d.ID)
	if got.ActiveDeliveries != 0 || got.DeliveryCount != 1 {
		t.Errorf("deliverer after cancel = %d/%d", got.ActiveDeliveries, got.DeliveryCount)
	}
}

func TestPermissiveReentryDoesNotReleaseTwice(t *testing.T) {
	h := newHarness(t, WithEnforceTransitions(false))
	ctx := context.Background()
	d, courier := h.seedDeliverer(t, 2)

	first := h.place(t, 7)
	second := h.place(t, 7)
	h.move(t, first.ID, order.StatusConfirmed)
	h.move(t, second.ID, order.StatusConfirmed)
	for _, id := range []int64{first.ID, second.ID} {
		if _, err := h.svc.AcceptDelivery(ctx, courier, id); err != nil {
			t.Fatalf("AcceptDelivery(%d): %v", id, err)
		}
	}

	h.move(t, first.ID, order.StatusInProgress, order.StatusOnTheWay, order.StatusDelivered)
	if got := h.deliverer(t, d.ID); got.ActiveDeliveries != 1 || got.DeliveryCount != 1 {
		t.Fatalf("deliverer after delivery = %d/%d, want 1/1", got.ActiveDeliveries, got.DeliveryCount)
	}

	// 宽松模式允许离开终态后再次进入
	h.move(t, first.ID, order.StatusPending, order.StatusCancelled)
	h.move(t, first.ID, order.StatusOnTheWay, order.StatusDelivered)

	got := h.deliverer(t, d.ID)
	if got.ActiveDeliveries != 1 || got.DeliveryCount != 1 {
		t.Errorf("deliverer after re-entering terminal states = %d/%d, want 1/1", got.ActiveDeliveries, got.DeliveryCount)
	}
	if got.Status != deliverer.StatusAvailable {
		t.Errorf("deliverer status = %s, want Available", got.Status)
	}
}

func TestAcceptDeliveryRequiresDeliverer(t *testing.T) {
	h := newHarness(t)
	o := h.place(t, 7)
	h.move(t, o.ID, order.StatusConfirmed)

	for _, caller := range []shared.Caller{customer, admin, shared.DelivererCaller(42, 0)} {
		if _, err := h.svc.AcceptDelivery(context.Background(), caller, o.ID); !errors.Is(err, shared.ErrForbidden) {
			t.Errorf("AcceptDelivery(%+v) err = %v, want ErrForbidden", caller, err)
		}
	}
}

func TestDeleteOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	o := h.place(t, 7)

	if err := h.svc.DeleteOrder(ctx, customer, o.ID); !errors.Is(err, order.ErrOrderNotDeletable) {
		t.Fatalf("delete pending err = %v, want ErrOrderNotDeletable", err)
	}
	h.move(t, o.ID, order.StatusCancelled)

	if err := h.svc.DeleteOrder(ctx, customer, o.ID); err != nil {
		t.Fatalf("DeleteOrder: %v", err)
	}
	writes := h.db.Writes()
	if err := h.svc.DeleteOrder(ctx, customer, o.ID); err != nil {
		t.Fatalf("second DeleteOrder: %v", err)
	}
	if h.db.Writes() != writes {
		t.Error("second delete wrote to the store")
	}
	if _, err := h.svc.GetOrder(ctx, customer, o.ID); !IsNotFound(err) {
		t.Errorf("GetOrder after delete err = %v", err)
	}
	if err := h.svc.DeleteOrder(ctx, customer, 999); !IsNotFound(err) {
		t.Errorf("delete missing err = %v", err)
	}

	page, err := h.svc.ListOrders(ctx, customer, ListOrdersQuery{IncludeDeleted: true})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if page.Total != 1 || !page.Items[0].IsDeleted {
		t.Errorf("list including deleted = %+v", page)
	}
}

func TestListOrders(t *testing.T) {
	h := newHarness(t, WithDefaultPageSize(2))
	ctx := context.Background()
	var ids []int64
	for i := 0; i < 3; i++ {
		ids = append(ids, h.place(t, 7).ID)
	}
	h.place(t, 8)
	h.move(t, ids[1], order.StatusConfirmed)

	page, err := h.svc.ListOrders(ctx, customer, ListOrdersQuery{})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if page.Total != 3 || len(page.Items) != 2 || !page.HasNext() {
		t.Errorf("page = total %d, items %d", page.Total, len(page.Items))
	}

	confirmed, err := h.svc.ListOrders(ctx, customer, ListOrdersQuery{Status: order.StatusConfirmed})
	if err != nil {
		t.Fatalf("ListOrders by status: %v", err)
	}
	if confirmed.Total != 1 || confirmed.Items[0].ID != ids[1] {
		t.Errorf("confirmed = %+v", confirmed.Items)
	}

	desc, err := h.svc.ListOrders(ctx, customer, ListOrdersQuery{Desc: true, PageSize: 10})
	if err != nil {
		t.Fatalf("ListOrders desc: %v", err)
	}
	if desc.Items[0].ID != ids[2] {
		t.Errorf("first desc id = %d, want %d", desc.Items[0].ID, ids[2])
	}

	if _, err := h.svc.ListOrders(ctx, customer, ListOrdersQuery{Status: "LOST"}); !errors.Is(err, shared.ErrInvalidInput) {
		t.Errorf("unknown status err = %v", err)
	}
}

func TestGetAllOrdersWalksEveryPage(t *testing.T) {
	h := newHarness(t)
	const n = persistence.MaxPageSize + 5
	for i := 0; i < n; i++ {
		h.place(t, 7)
	}
	h.place(t, 8)

	all, err := h.svc.GetAllOrders(context.Background(), customer)
	if err != nil {
		t.Fatalf("GetAllOrders: %v", err)
	}
	if len(all) != n {
		t.Fatalf("len = %d, want %d", len(all), n)
	}
	for i := 1; i < len(all); i++ {
		if all[i].ID <= all[i-1].ID {
			t.Fatalf("not ordered by id at %d", i)
		}
	}
}

func TestLifecycleWritesOutboxEvents(t *testing.T) {
	h := newHarness(t)
	o := h.place(t, 7)
	h.move(t, o.ID, order.StatusConfirmed)

	page, err := repository.Of[shared.OutboxEvent](h.factory.New()).List(context.Background(), shared.System(), persistence.Query[shared.OutboxEvent]{})
	if err != nil {
		t.Fatalf("List outbox: %v", err)
	}
	if page.Total != 2 {
		t.Fatalf("outbox rows = %d, want 2", page.Total)
	}
	if page.Items[0].EventType != "order.placed" || page.Items[1].EventType != "order.status_changed" {
		t.Errorf("event types = %s, %s", page.Items[0].EventType, page.Items[1].EventType)
	}
}
