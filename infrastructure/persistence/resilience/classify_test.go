package resilience

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"testing"

	"ordercore/domain/order"
	"ordercore/domain/shared"
	"ordercore/infrastructure/persistence"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ClassTerminal},
		{"mysql deadlock", &mysqlDriver.MySQLError{Number: 1213}, ClassDeadlock},
		{"mysql lock wait", &mysqlDriver.MySQLError{Number: 1205}, ClassTransient},
		{"mysql gone away", &mysqlDriver.MySQLError{Number: 2006}, ClassConnection},
		{"mysql lost connection", &mysqlDriver.MySQLError{Number: 2013}, ClassConnection},
		{"mysql duplicate", &mysqlDriver.MySQLError{Number: 1062}, ClassTerminal},
		{"mysql fk", &mysqlDriver.MySQLError{Number: 1452}, ClassTerminal},
		{"pg serialization", &pgconn.PgError{Code: "40001"}, ClassSerialization},
		{"pg deadlock", &pgconn.PgError{Code: "40P01"}, ClassDeadlock},
		{"pg lock not available", &pgconn.PgError{Code: "55P03"}, ClassTransient},
		{"pg admin shutdown", &pgconn.PgError{Code: "57P01"}, ClassConnection},
		{"pg connection failure", &pgconn.PgError{Code: "08006"}, ClassConnection},
		{"pg unique", &pgconn.PgError{Code: "23505"}, ClassTerminal},
		{"bad conn", driver.ErrBadConn, ClassConnection},
		{"unexpected eof", fmt.Errorf("read: %w", io.ErrUnexpectedEOF), ClassConnection},
		{"net timeout", fmt.Errorf("dial: %w", timeoutErr{}), ClassTransient},
		{"attempt deadline", context.DeadlineExceeded, ClassTransient},
		{"caller cancel", context.Canceled, ClassTerminal},
		{"not found", shared.NewNotFoundError("order"), ClassTerminal},
		{"domain transition", order.NewInvalidTransitionError(order.StatusPending, order.StatusDelivered), ClassTerminal},
		{"commit failure", &persistence.CommitError{Err: driver.ErrBadConn}, ClassTerminal},
		{"plain", errors.New("boom"), ClassTerminal},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Errorf("Classify(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}
