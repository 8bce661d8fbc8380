// Package sqlite opens a document table provider backed by SQLite through the
// pure Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"datacontext/internal/infra/store/sqldoc"
)

const defaultPath = "datacontext.db"

// Open opens (creating when needed) the database at path and ensures the
// documents table exists. ":memory:" opens a private in-memory database.
func Open(ctx context.Context, path string) (*sqldoc.Provider, error) {
	if path == "" {
		path = defaultPath
	}
	inMemory := path == ":memory:" || strings.Contains(path, "mode=memory")
	if !inMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; a single connection also keeps an in-memory
	// database alive and shared.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure sqlite: %w", err)
	}
	p := sqldoc.NewProvider(db, sqldoc.SQLite)
	if err := p.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return p, nil
}
