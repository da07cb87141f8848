package resilience

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"

	"ordercore/domain/shared"
	"ordercore/infrastructure/persistence"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

type ErrorClass int

const (
	ClassTerminal ErrorClass = iota
	ClassTransient
	ClassDeadlock
	ClassSerialization
	ClassConnection
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassDeadlock:
		return "deadlock"
	case ClassSerialization:
		return "serialization"
	case ClassConnection:
		return "connection"
	default:
		return "terminal"
	}
}

// Classify 判断存储错误是否值得重试
//
// COMMIT 失败、领域错误、约束冲突与调用方取消一律为终止错误。
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassTerminal
	}

	// 必须先于驱动错误判断：COMMIT 失败时底层往往也是连接错误
	if persistence.IsCommitError(err) {
		return ClassTerminal
	}
	if errors.Is(err, shared.ErrNotFound) ||
		errors.Is(err, shared.ErrConflict) ||
		errors.Is(err, shared.ErrInvalidInput) ||
		errors.Is(err, shared.ErrForbidden) ||
		errors.Is(err, context.Canceled) {
		return ClassTerminal
	}

	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1213:
			return ClassDeadlock
		case 1205:
			return ClassTransient
		case 2006, 2013:
			return ClassConnection
		}
		return ClassTerminal
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "40001":
			return ClassSerialization
		case pgErr.Code == "40P01":
			return ClassDeadlock
		case pgErr.Code == "55P03":
			return ClassTransient
		case pgErr.Code == "57P01", strings.HasPrefix(pgErr.Code, "08"):
			return ClassConnection
		}
		return ClassTerminal
	}

	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, mysqlDriver.ErrInvalidConn) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return ClassConnection
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}

	return ClassTerminal
}

// IsTransient reports whether err is worth another attempt.
func IsTransient(err error) bool {
	return Classify(err) != ClassTerminal
}
