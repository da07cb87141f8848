package gormstore

import (
	"context"

	"ordercore/infrastructure/persistence"

	"gorm.io/gorm"
)

// Transactor runs a function in one GORM transaction carried through ctx.
type Transactor struct {
	db *gorm.DB
}

func NewTransactor(db *gorm.DB) *Transactor {
	return &Transactor{db: db}
}

// Transaction joins the transaction already in ctx, if any.
func (t *Transactor) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if persistence.TxFromContext(ctx) != nil {
		return fn(ctx)
	}

	tx := t.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return tx.Error
	}

	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(persistence.ContextWithTx(ctx, tx)); err != nil {
		tx.Rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit().Error; err != nil {
		return &persistence.CommitError{Err: err}
	}
	return nil
}

var _ persistence.Transactor = (*Transactor)(nil)
