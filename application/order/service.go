/*
Package order Application Layer - 订单生命周期编排

职责：
1. 校验入参（在任何存储访问之前）
2. 调用聚合根方法执行业务规则（状态机、金额计算、配送员分配）
3. 每个操作使用一个新的 UnitOfWork，写操作在 Commit 时原子提交
4. 领域事件由 UnitOfWork 在同一事务中写入 outbox，服务层不直接发布事件
*/
package order

import (
	"context"
	"errors"
	"time"

	"ordercore/domain/deliverer"
	"ordercore/domain/order"
	"ordercore/domain/shared"
	"ordercore/infrastructure/persistence"
	"ordercore/infrastructure/persistence/repository"
	"ordercore/pkg/logger"

	"go.uber.org/zap"
)

// UnitOfWorkFactory 每次调用返回一个新的 UnitOfWork
type UnitOfWorkFactory interface {
	New() *repository.UnitOfWork
}

type Service struct {
	uows               UnitOfWorkFactory
	enforceTransitions bool
	pageSize           int
	log                *zap.Logger
	now                func() time.Time
}

type Option func(*Service)

// WithEnforceTransitions false restores the permissive behavior: any known status is
// accepted as a target.
func WithEnforceTransitions(enforce bool) Option {
	return func(s *Service) { s.enforceTransitions = enforce }
}

func WithDefaultPageSize(n int) Option {
	return func(s *Service) { s.pageSize = n }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.log = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(uows UnitOfWorkFactory, opts ...Option) *Service {
	s := &Service{
		uows:               uows,
		enforceTransitions: true,
		pageSize:           persistence.DefaultPageSize,
		log:                logger.L(),
		now:                shared.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListOrdersQuery 分页查询订单
type ListOrdersQuery struct {
	Page           int
	PageSize       int
	Status         order.Status // 空表示不过滤
	IncludeDeleted bool
	SortBy         string
	Desc           bool
}

func (s *Service) logFor(ctx context.Context) *zap.Logger {
	if id := persistence.RequestIDFromContext(ctx); id != "" {
		return s.log.With(zap.String("request_id", id))
	}
	return s.log
}

func notFound(id int64, err error) error {
	if shared.IsNotFound(err) {
		return order.NewOrderNotFoundError(id)
	}
	return err
}

// PlaceOrder 创建订单：状态强制为 PENDING，总金额由订单项重新计算
func (s *Service) PlaceOrder(ctx context.Context, caller shared.Caller, o *order.Order) (*order.Order, error) {
	if o == nil {
		return nil, order.NewValidationError("order", "order is required")
	}
	if err := o.Place(s.now()); err != nil {
		return nil, err
	}

	uow := s.uows.New()
	if err := repository.Of[order.Order](uow).Add(ctx, caller, o); err != nil {
		return nil, err
	}
	if err := uow.Commit(ctx); err != nil {
		return nil, err
	}

	s.logFor(ctx).Info("Order placed",
		zap.Int64("order_id", o.ID),
		zap.Int64("user_id", o.UserID),
		zap.String("total_amount", o.TotalAmount.StringFixed(2)),
		zap.Int("items", len(o.OrderItems)),
	)
	return o, nil
}

// GetOrder returns order.ErrOrderNotFound when the order is absent, deleted or not visible.
func (s *Service) GetOrder(ctx context.Context, caller shared.Caller, id int64) (*order.Order, error) {
	if id <= 0 {
		return nil, order.NewValidationError("id", "order id must be positive")
	}
	o, err := repository.Of[order.Order](s.uows.New()).GetByID(ctx, caller, id)
	if err != nil {
		return nil, notFound(id, err)
	}
	return o, nil
}

// GetAllOrders returns every order visible to caller, oldest first.
func (s *Service) GetAllOrders(ctx context.Context, caller shared.Caller) ([]*order.Order, error) {
	orders := repository.Of[order.Order](s.uows.New())
	out := make([]*order.Order, 0)

	q := persistence.Query[order.Order]{Page: 1, PageSize: persistence.MaxPageSize, SortBy: persistence.SortByID}
	for {
		page, err := orders.List(ctx, caller, q)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Items...)
		if !page.HasNext() {
			return out, nil
		}
		q.Page++
	}
}

// ListOrders 分页，可按状态过滤
func (s *Service) ListOrders(ctx context.Context, caller shared.Caller, lq ListOrdersQuery) (persistence.Page[order.Order], error) {
	q := persistence.Query[order.Order]{
		Page:           lq.Page,
		PageSize:       lq.PageSize,
		IncludeDeleted: lq.IncludeDeleted,
		SortBy:         lq.SortBy,
		Desc:           lq.Desc,
	}
	if q.PageSize <= 0 {
		q.PageSize = s.pageSize
	}
	if lq.Status != "" {
		if !lq.Status.Valid() {
			return persistence.Page[order.Order]{}, order.NewValidationError("status", "unknown order status "+string(lq.Status))
		}
		q.Conditions = append(q.Conditions,
			persistence.Equal("status", lq.Status, func(o *order.Order) order.Status { return o.Status }))
	}
	return repository.Of[order.Order](s.uows.New()).List(ctx, caller, q)
}

// UpdateOrderStatus moves the order to status and stamps the matching milestone.
// Reaching DELIVERED or CANCELLED frees the assigned deliverer in the same commit.
func (s *Service) UpdateOrderStatus(ctx context.Context, caller shared.Caller, id int64, status order.Status) (*order.Order, error) {
	if id <= 0 {
		return nil, order.NewValidationError("id", "order id must be positive")
	}
	if !status.Valid() {
		return nil, order.NewValidationError("status", "unknown order status "+string(status))
	}

	uow := s.uows.New()
	orders := repository.Of[order.Order](uow)

	o, err := orders.GetByID(ctx, caller, id)
	if err != nil {
		return nil, notFound(id, err)
	}

	from := o.Status
	released := o.DelivererReleased()
	now := s.now()
	if !s.enforceTransitions && !order.CanTransition(from, status) {
		s.logFor(ctx).Warn("Accepting non-lifecycle status change",
			zap.Int64("order_id", id),
			zap.Stringer("from", from),
			zap.Stringer("to", status),
		)
	}
	if err := o.TransitionTo(status, now, s.enforceTransitions); err != nil {
		return nil, err
	}
	if err := orders.Update(ctx, caller, o); err != nil {
		return nil, notFound(id, err)
	}

	if order.ReleasesDeliverer(status) && !released && o.DelivererID != nil {
		if err := s.releaseDeliverer(ctx, uow, *o.DelivererID, status == order.StatusDelivered, now); err != nil {
			uow.Discard()
			return nil, err
		}
	}

	if err := uow.Commit(ctx); err != nil {
		return nil, err
	}

	s.logFor(ctx).Info("Order status updated",
		zap.Int64("order_id", id),
		zap.Stringer("from", from),
		zap.Stringer("to", status),
	)
	return o, nil
}

// releaseDeliverer 以 System 身份更新配送员：下单客户看不到已满载的配送员
func (s *Service) releaseDeliverer(ctx context.Context, uow *repository.UnitOfWork, delivererID int64, delivered bool, now time.Time) error {
	deliverers := repository.Of[deliverer.Deliverer](uow)
	d, err := deliverers.GetByID(ctx, shared.System(), delivererID)
	if err != nil {
		if shared.IsNotFound(err) {
			s.logFor(ctx).Warn("Assigned deliverer no longer exists", zap.Int64("deliverer_id", delivererID))
			return nil
		}
		return err
	}
	d.Release(delivered, now)
	return deliverers.Update(ctx, shared.System(), d)
}

// CancelOrder 等价于 UpdateOrderStatus(..., CANCELLED)
func (s *Service) CancelOrder(ctx context.Context, caller shared.Caller, id int64) (*order.Order, error) {
	return s.UpdateOrderStatus(ctx, caller, id, order.StatusCancelled)
}

// AcceptDelivery assigns a confirmed, unassigned order to the calling deliverer.
// The order and the deliverer's capacity are committed together.
func (s *Service) AcceptDelivery(ctx context.Context, caller shared.Caller, orderID int64) (*order.Order, error) {
	if caller.Role != shared.RoleDeliverer || !caller.Valid() {
		return nil, shared.NewForbiddenError("order", "only deliverers can accept deliveries")
	}
	if orderID <= 0 {
		return nil, order.NewValidationError("id", "order id must be positive")
	}

	uow := s.uows.New()
	orders := repository.Of[order.Order](uow)
	deliverers := repository.Of[deliverer.Deliverer](uow)

	o, err := orders.GetByID(ctx, caller, orderID)
	if err != nil {
		return nil, notFound(orderID, err)
	}
	d, err := deliverers.GetByID(ctx, caller, caller.DelivererID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if err := o.AssignDeliverer(d.ID, now); err != nil {
		return nil, err
	}
	if err := d.Accept(now); err != nil {
		return nil, err
	}
	if err := orders.Update(ctx, caller, o); err != nil {
		return nil, notFound(orderID, err)
	}
	if err := deliverers.Update(ctx, caller, d); err != nil {
		uow.Discard()
		return nil, err
	}
	if err := uow.Commit(ctx); err != nil {
		return nil, err
	}

	s.logFor(ctx).Info("Delivery accepted",
		zap.Int64("order_id", orderID),
		zap.Int64("deliverer_id", d.ID),
		zap.Int("active_deliveries", d.ActiveDeliveries),
	)
	return o, nil
}

// DeleteOrder soft-deletes a delivered or cancelled order. Deleting twice succeeds.
func (s *Service) DeleteOrder(ctx context.Context, caller shared.Caller, id int64) error {
	if id <= 0 {
		return order.NewValidationError("id", "order id must be positive")
	}

	uow := s.uows.New()
	orders := repository.Of[order.Order](uow)

	o, err := orders.GetByIDIncludingDeleted(ctx, caller, id)
	if err != nil {
		return notFound(id, err)
	}
	if o.IsDeleted {
		return nil
	}
	if !o.Status.Terminal() {
		return order.NewConflictError(order.ErrOrderNotDeletable, "order "+o.Status.String()+" cannot be deleted")
	}
	if err := orders.SoftDelete(ctx, caller, o); err != nil {
		return notFound(id, err)
	}
	if err := uow.Commit(ctx); err != nil {
		return err
	}

	s.logFor(ctx).Info("Order deleted", zap.Int64("order_id", id))
	return nil
}

// IsNotFound reports whether err means the order does not exist for the caller.
func IsNotFound(err error) bool {
	return errors.Is(err, order.ErrOrderNotFound) || shared.IsNotFound(err)
}
