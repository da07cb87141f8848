package gormstore

import (
	"errors"
	"fmt"
	"strings"

	"ordercore/domain/shared"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
)

// translate 约束冲突额外匹配 shared.ErrConflict，同时保留驱动错误供重试分类
func translate(err error) error {
	if err == nil {
		return nil
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1062, 1451, 1452:
			return fmt.Errorf("%w: %w", shared.ErrConflict, err)
		}
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return fmt.Errorf("%w: %w", shared.ErrConflict, err)
	}
	return err
}
