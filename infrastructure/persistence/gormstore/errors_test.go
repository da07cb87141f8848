package gormstore

import (
	"errors"
	"testing"

	"ordercore/domain/shared"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestTranslate(t *testing.T) {
	dup := &mysqlDriver.MySQLError{Number: 1062, Message: "Duplicate entry"}
	deadlock := &mysqlDriver.MySQLError{Number: 1213, Message: "Deadlock found"}
	unique := &pgconn.PgError{Code: "23505"}
	serialization := &pgconn.PgError{Code: "40001"}

	testCases := []struct {
		name     string
		err      error
		conflict bool
	}{
		{"mysql duplicate", dup, true},
		{"mysql deadlock", deadlock, false},
		{"postgres unique", unique, true},
		{"postgres serialization", serialization, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := translate(tc.err)
			if errors.Is(got, shared.ErrConflict) != tc.conflict {
				t.Errorf("conflict = %v, want %v", !tc.conflict, tc.conflict)
			}
			if !errors.Is(got, tc.err) {
				t.Errorf("driver error lost: %v", got)
			}
		})
	}
	if translate(nil) != nil {
		t.Error("translate(nil) != nil")
	}
}
