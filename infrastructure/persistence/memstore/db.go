/*
Package memstore is an in-process implementation of the persistence contract.

It keeps JSON snapshots of every row, assigns auto-increment ids per table and supports
all-or-nothing transactions across tables, so repository and service code can be tested
deterministically without a database. A fault hook lets tests inject store failures at
any operation, including COMMIT.
*/
package memstore

import (
	"context"
	"sync"

	"ordercore/infrastructure/persistence"
)

// Operation names passed to the fault hook.
const (
	OpGet    = "get"
	OpList   = "list"
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
	OpCommit = "commit"
)

// FaultFunc is consulted before every operation; a non-nil error fails it.
type FaultFunc func(op, table string) error

type table struct {
	rows   map[int64][]byte
	nextID int64
}

func (t *table) clone() *table {
	rows := make(map[int64][]byte, len(t.rows))
	for id, row := range t.rows {
		rows[id] = row
	}
	return &table{rows: rows, nextID: t.nextID}
}

// txState 事务的私有工作副本，提交时整体替换已提交的表
type txState struct {
	tables map[string]*table
}

type txKey struct{}

// DB 内存数据库，多个 Store 共享同一个 DB 以获得跨表事务
// 事务外的读取只看到已提交的表
type DB struct {
	txMu   sync.Mutex
	mu     sync.RWMutex
	tables map[string]*table
	fault  FaultFunc
	writes int
}

func New() *DB {
	return &DB{tables: make(map[string]*table)}
}

// SetFault installs (or with nil removes) the fault hook.
func (db *DB) SetFault(fn FaultFunc) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.fault = fn
}

// Writes counts insert/update/delete statements that reached the store, committed or not.
func (db *DB) Writes() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.writes
}

// Rows returns the number of committed rows (deleted included) stored in name.
func (db *DB) Rows(name string) int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if t, ok := db.tables[name]; ok {
		return len(t.rows)
	}
	return 0
}

func (db *DB) check(op, name string) error {
	db.mu.RLock()
	fault := db.fault
	db.mu.RUnlock()
	if fault == nil {
		return nil
	}
	return fault(op, name)
}

func lookup(tables map[string]*table, name string) *table {
	t, ok := tables[name]
	if !ok {
		t = &table{rows: make(map[int64][]byte)}
		tables[name] = t
	}
	return t
}

// view copies the rows of name visible to ctx: the transaction's working copy inside a
// transaction, the committed table outside.
func (db *DB) view(ctx context.Context, name string) map[int64][]byte {
	db.mu.RLock()
	defer db.mu.RUnlock()

	tables := db.tables
	if tx, ok := ctx.Value(txKey{}).(*txState); ok {
		tables = tx.tables
	}
	t, ok := tables[name]
	if !ok {
		return nil
	}
	rows := make(map[int64][]byte, len(t.rows))
	for id, row := range t.rows {
		rows[id] = row
	}
	return rows
}

// write runs fn against the table visible to ctx. Outside a transaction the write
// autocommits and waits for any running transaction to finish.
func (db *DB) write(ctx context.Context, name string, fn func(t *table) error) error {
	if tx, ok := ctx.Value(txKey{}).(*txState); ok {
		db.mu.Lock()
		defer db.mu.Unlock()
		db.writes++
		return fn(lookup(tx.tables, name))
	}

	db.txMu.Lock()
	defer db.txMu.Unlock()
	db.mu.Lock()
	defer db.mu.Unlock()
	db.writes++
	return fn(lookup(db.tables, name))
}

// Transaction serializes transactions. fn writes into a private copy of every table that
// replaces the committed tables only when fn and COMMIT succeed.
func (db *DB) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*txState); ok {
		return fn(ctx)
	}

	db.txMu.Lock()
	defer db.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	db.mu.RLock()
	tx := &txState{tables: make(map[string]*table, len(db.tables))}
	for name, t := range db.tables {
		tx.tables[name] = t.clone()
	}
	db.mu.RUnlock()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := db.check(OpCommit, ""); err != nil {
		return &persistence.CommitError{Err: err}
	}

	db.mu.Lock()
	db.tables = tx.tables
	db.mu.Unlock()
	return nil
}

var _ persistence.Transactor = (*DB)(nil)
