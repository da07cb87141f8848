// Command ordercore wires the order core against the configured store and walks one
// order through its lifecycle: place, confirm, accept, deliver, then relays the events.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	orderapp "ordercore/application/order"
	"ordercore/cmd"
	"ordercore/config"
	"ordercore/domain/deliverer"
	"ordercore/domain/order"
	"ordercore/domain/shared"
	"ordercore/infrastructure/persistence"
	"ordercore/infrastructure/persistence/repository"
	"ordercore/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Printf("ordercore failed: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := parseConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := logger.Init(&cfg.Log, cfg.App.Env); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx = persistence.ContextWithRequestID(ctx, uuid.NewString())

	app, err := cmd.NewBuilder(cfg).Build(ctx)
	if err != nil {
		return fmt.Errorf("failed to build application: %w", err)
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Error("Failed to close application", zap.Error(err))
		}
	}()

	if cfg.Metrics.Enabled {
		go func() {
			if err := app.ServeMetrics(ctx); err != nil {
				logger.Error("Metrics server stopped", zap.Error(err))
			}
		}()
	}

	return walkthrough(ctx, app)
}

func walkthrough(ctx context.Context, app *cmd.App) error {
	// 注册流程不在本服务内，这里以 System 身份直接写入一名配送员
	d := &deliverer.Deliverer{
		UserID:                  42,
		Location:                "depot",
		Status:                  deliverer.StatusAvailable,
		MaxConcurrentDeliveries: 2,
	}
	uow := app.Factory.New()
	if err := repository.Of[deliverer.Deliverer](uow).Add(ctx, shared.System(), d); err != nil {
		return err
	}
	if err := uow.Commit(ctx); err != nil {
		return fmt.Errorf("seed deliverer: %w", err)
	}

	customer := shared.Customer(7)
	admin := shared.Admin(1)
	courier := shared.DelivererCaller(d.UserID, d.ID)

	placed, err := app.Orders.PlaceOrder(ctx, customer, &order.Order{
		UserID:          7,
		DeliveryAddress: "1 Main St",
		OrderItems: []order.OrderItem{
			{ProductID: 3, Quantity: 2, UnitPrice: decimal.RequireFromString("9.99")},
		},
	})
	if err != nil {
		return fmt.Errorf("place order: %w", err)
	}

	if _, err := app.Orders.UpdateOrderStatus(ctx, admin, placed.ID, order.StatusConfirmed); err != nil {
		return fmt.Errorf("confirm order %d: %w", placed.ID, err)
	}

	if _, err := app.Orders.AcceptDelivery(ctx, courier, placed.ID); err != nil {
		return fmt.Errorf("accept delivery: %w", err)
	}
	for _, status := range []order.Status{order.StatusInProgress, order.StatusOnTheWay, order.StatusDelivered} {
		if _, err := app.Orders.UpdateOrderStatus(ctx, admin, placed.ID, status); err != nil {
			return fmt.Errorf("move order %d to %s: %w", placed.ID, status, err)
		}
	}

	page, err := app.Orders.ListOrders(ctx, customer, orderapp.ListOrdersQuery{Page: 1})
	if err != nil {
		return fmt.Errorf("list orders: %w", err)
	}
	for _, o := range page.Items {
		logger.Info("Order",
			zap.Int64("id", o.ID),
			zap.String("status", o.Status.String()),
			zap.String("total", o.TotalAmount.StringFixed(2)),
		)
	}

	relayed, err := app.Relay.ProcessBatch(ctx)
	if err != nil {
		return fmt.Errorf("relay outbox: %w", err)
	}
	logger.Info("Walkthrough finished", zap.Int64("orders", page.Total), zap.Int("events_relayed", relayed))
	return nil
}

func firstPageQuery() orderapp.ListOrdersQuery {
	return orderapp.ListOrdersQuery{Page: 1}
}

func parseConfigPath() string {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to config file")
	flag.Parse()
	return configPath
}
