package gormstore

import (
	"strings"
	"testing"

	"ordercore/pkg/logger"
)

func TestConfigDSN(t *testing.T) {
	testCases := []struct {
		name     string
		cfg      Config
		contains []string
	}{
		{
			name:     "mysql",
			cfg:      Config{Dialect: MySQL, Host: "db", Port: "3306", Username: "app", Password: "pw", Database: "ordercore"},
			contains: []string{"app:pw@tcp(db:3306)/ordercore", "parseTime=true", "loc=UTC", "clientFoundRows=true"},
		},
		{
			name:     "postgres",
			cfg:      Config{Dialect: Postgres, Host: "pg", Port: "5432", Username: "app", Password: "pw", Database: "ordercore"},
			contains: []string{"host=pg", "port=5432", "dbname=ordercore", "sslmode=disable", "TimeZone=UTC"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			dsn := tc.cfg.DSN()
			for _, want := range tc.contains {
				if !strings.Contains(dsn, want) {
					t.Errorf("DSN %q missing %q", dsn, want)
				}
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := Config{MaxOpenConns: 4, MaxIdleConns: 8}
	cfg.applyDefaults()

	if cfg.Dialect != MySQL {
		t.Errorf("Dialect = %q, want mysql", cfg.Dialect)
	}
	if cfg.MaxIdleConns != 4 {
		t.Errorf("MaxIdleConns = %d, want capped to 4", cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime != DefaultConnMaxLifetime {
		t.Errorf("ConnMaxLifetime = %v", cfg.ConnMaxLifetime)
	}
	if cfg.SlowThreshold != logger.DefaultSlowThreshold {
		t.Errorf("SlowThreshold = %v", cfg.SlowThreshold)
	}
}

func TestUnsupportedDialect(t *testing.T) {
	cfg := Config{Dialect: "sqlite"}
	if _, err := cfg.Connect(); err == nil {
		t.Fatal("expected error for unsupported dialect")
	}
}
