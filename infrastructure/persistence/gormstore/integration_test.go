//go:build integration

package gormstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"ordercore/domain/deliverer"
	"ordercore/domain/order"
	"ordercore/domain/shared"
	"ordercore/infrastructure/persistence"
	"ordercore/infrastructure/persistence/ownership"
	"ordercore/infrastructure/persistence/repository"

	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:14-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	cfg := &Config{
		Dialect:  Postgres,
		Host:     host,
		Port:     port.Port(),
		Username: "testuser",
		Password: "testpass",
		Database: "testdb",
		LogLevel: "silent",
	}
	db, err := cfg.Connect()
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = Close(db) })

	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

func newFactory(db *gorm.DB) *repository.Factory {
	outbox := NewStore[shared.OutboxEvent](db)
	f := repository.NewFactory(NewTransactor(db),
		repository.WithLogger(zap.NewNop()),
		repository.WithOutbox(outbox),
	)
	repository.Bind(f, NewStore[order.Order](db), ownership.Orders())
	repository.Bind(f, NewStore[deliverer.Deliverer](db), ownership.Deliverers())
	repository.Bind(f, outbox, ownership.Outbox())
	return f
}

func TestPostgresRepositoryRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	f := newFactory(db)
	ctx := context.Background()
	customer := shared.Customer(7)

	o := &order.Order{
		UserID:          7,
		DeliveryAddress: "1 Main St",
		OrderItems: []order.OrderItem{
			{ProductID: 3, Quantity: 2, UnitPrice: decimal.RequireFromString("9.99")},
		},
	}
	if err := o.Place(shared.Now()); err != nil {
		t.Fatalf("Place: %v", err)
	}
	uow := f.New()
	if err := repository.Of[order.Order](uow).Add(ctx, customer, o); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := uow.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, err := repository.Of[order.Order](f.New()).GetByID(ctx, customer, o.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if len(got.OrderItems) != 1 || got.OrderItems[0].OrderID != o.ID {
		t.Errorf("items = %+v", got.OrderItems)
	}
	if !got.TotalAmount.Equal(decimal.RequireFromString("19.98")) {
		t.Errorf("TotalAmount = %s", got.TotalAmount)
	}
	if !got.CreatedAt.Equal(o.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, o.CreatedAt)
	}

	if _, err := repository.Of[order.Order](f.New()).GetByID(ctx, shared.Customer(8), o.ID); !errors.Is(err, shared.ErrNotFound) {
		t.Errorf("foreign GetByID err = %v, want ErrNotFound", err)
	}

	if err := got.TransitionTo(order.StatusConfirmed, shared.Now(), true); err != nil {
		t.Fatal(err)
	}
	uow = f.New()
	if err := repository.Of[order.Order](uow).Update(ctx, shared.Admin(1), got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := uow.Commit(ctx); err != nil {
		t.Fatalf("Commit update: %v", err)
	}

	page, err := repository.Of[order.Order](f.New()).List(ctx, shared.DelivererCaller(42, 9), persistence.Query[order.Order]{})
	if err != nil {
		t.Fatalf("List as deliverer: %v", err)
	}
	if page.Total != 1 {
		t.Errorf("deliverer sees %d confirmed orders, want 1", page.Total)
	}

	var rows int64
	db.Model(&shared.OutboxEvent{}).Count(&rows)
	if rows != 2 {
		t.Errorf("outbox rows = %d, want 2", rows)
	}
}

func TestPostgresSoftDeleteAndRollback(t *testing.T) {
	db := setupTestDB(t)
	f := newFactory(db)
	ctx := context.Background()
	system := shared.System()

	d := &deliverer.Deliverer{UserID: 42, Status: deliverer.StatusAvailable}
	uow := f.New()
	if err := repository.Of[deliverer.Deliverer](uow).Add(ctx, system, d); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := uow.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	// 唯一约束冲突：整个事务回滚
	dup := &deliverer.Deliverer{UserID: 42, Status: deliverer.StatusAvailable}
	other := &deliverer.Deliverer{UserID: 43, Status: deliverer.StatusAvailable}
	uow = f.New()
	deliverers := repository.Of[deliverer.Deliverer](uow)
	_ = deliverers.Add(ctx, system, other)
	_ = deliverers.Add(ctx, system, dup)
	if err := uow.Commit(ctx); !errors.Is(err, shared.ErrConflict) {
		t.Fatalf("Commit duplicate err = %v, want ErrConflict", err)
	}
	if other.ID != 0 {
		t.Errorf("other.ID = %d, want reset", other.ID)
	}
	var count int64
	db.Model(&deliverer.Deliverer{}).Count(&count)
	if count != 1 {
		t.Errorf("deliverers = %d, want 1", count)
	}

	uow = f.New()
	if err := repository.Of[deliverer.Deliverer](uow).SoftDelete(ctx, system, d); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	if err := uow.Commit(ctx); err != nil {
		t.Fatalf("Commit delete: %v", err)
	}
	if _, err := repository.Of[deliverer.Deliverer](f.New()).GetByID(ctx, system, d.ID); !errors.Is(err, shared.ErrNotFound) {
		t.Errorf("GetByID deleted err = %v", err)
	}
	audit, err := repository.Of[deliverer.Deliverer](f.New()).GetByIDIncludingDeleted(ctx, system, d.ID)
	if err != nil {
		t.Fatalf("GetByIDIncludingDeleted: %v", err)
	}
	if audit.DeletedAt == nil || !audit.DeletedAt.Equal(*d.DeletedAt) {
		t.Errorf("DeletedAt = %v, want %v", audit.DeletedAt, d.DeletedAt)
	}
}
