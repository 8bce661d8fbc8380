// Package postgres opens a document table provider backed by Postgres through
// the pgx database/sql driver.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"datacontext/internal/infra/store/sqldoc"
)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/datacontext?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Open connects to dsn (defaultDSN when empty), verifies the connection and
// ensures the documents table exists.
func Open(ctx context.Context, dsn string) (*sqldoc.Provider, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	p := sqldoc.NewProvider(db, sqldoc.Postgres)
	if err := p.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
