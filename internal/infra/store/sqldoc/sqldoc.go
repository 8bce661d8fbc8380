// Package sqldoc stores keyed documents of every table in a single SQL table,
// documents(table_name, hash_key, range_key, body). Keys are stored in their
// canonical text form; body holds the full JSON document.
package sqldoc

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"datacontext/pkg/domain"
)

// Dialect captures the statement differences between SQL engines.
type Dialect struct {
	Name string
	// BodyType is the column type used for document bodies.
	BodyType string
	// Placeholder renders the n-th (1-based) bind parameter.
	Placeholder func(n int) string
}

var (
	// SQLite uses positional "?" parameters and stores bodies as TEXT.
	SQLite = Dialect{Name: "sqlite", BodyType: "TEXT", Placeholder: func(int) string { return "?" }}
	// Postgres uses numbered parameters and stores bodies as JSONB.
	Postgres = Dialect{Name: "postgres", BodyType: "JSONB", Placeholder: func(n int) string { return fmt.Sprintf("$%d", n) }}
)

func (d Dialect) params(n int) []any {
	out := make([]any, n)
	for i := range out {
		out[i] = d.Placeholder(i + 1)
	}
	return out
}

func (d Dialect) createTable() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS documents (
		table_name TEXT NOT NULL,
		hash_key TEXT NOT NULL,
		range_key TEXT NOT NULL,
		body %s NOT NULL,
		PRIMARY KEY (table_name, hash_key, range_key)
	)`, d.BodyType)
}

func (d Dialect) upsert() string {
	return fmt.Sprintf(`INSERT INTO documents (table_name, hash_key, range_key, body) VALUES (%s, %s, %s, %s) ON CONFLICT (table_name, hash_key, range_key) DO UPDATE SET body = excluded.body`, d.params(4)...)
}

func (d Dialect) remove() string {
	return fmt.Sprintf(`DELETE FROM documents WHERE table_name = %s AND hash_key = %s AND range_key = %s`, d.params(3)...)
}

func (d Dialect) selectTable() string {
	return fmt.Sprintf(`SELECT body FROM documents WHERE table_name = %s ORDER BY hash_key, range_key`, d.params(1)...)
}

func (d Dialect) selectPartition() string {
	return fmt.Sprintf(`SELECT body FROM documents WHERE table_name = %s AND hash_key = %s ORDER BY hash_key, range_key`, d.params(2)...)
}

var (
	_ domain.TableProvider = (*Provider)(nil)
	_ domain.Table         = (*Table)(nil)
)

// Provider opens tables over one *sql.DB.
type Provider struct {
	db      *sql.DB
	dialect Dialect

	mu    sync.Mutex
	ready bool
}

// NewProvider wraps db. The documents table is created on first OpenTable.
func NewProvider(db *sql.DB, dialect Dialect) *Provider {
	return &Provider{db: db, dialect: dialect}
}

// DB exposes the underlying handle for integration tests.
func (p *Provider) DB() *sql.DB { return p.db }

// Close closes the database handle.
func (p *Provider) Close() error { return p.db.Close() }

// EnsureSchema creates the documents table when missing. A failed attempt is
// retried on the next call.
func (p *Provider) EnsureSchema(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ready {
		return nil
	}
	if _, err := p.db.ExecContext(ctx, p.dialect.createTable()); err != nil {
		return fmt.Errorf("%s: create documents table: %w", p.dialect.Name, err)
	}
	p.ready = true
	return nil
}

// OpenTable returns a handle for table name.
func (p *Provider) OpenTable(ctx context.Context, name string, schema domain.KeySchema) (domain.Table, error) {
	if name == "" || schema.HashKey == "" {
		return nil, fmt.Errorf("%s: table name and hash key required", p.dialect.Name)
	}
	if err := p.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return &Table{provider: p, name: name, schema: schema}, nil
}

// Table is one logical table inside the documents table.
type Table struct {
	provider *Provider
	name     string
	schema   domain.KeySchema
}

func (t *Table) Name() string                        { return t.name }
func (t *Table) Schema() domain.KeySchema            { return t.schema }
func (t *Table) CreateBatchWrite() domain.BatchWrite { return &batch{table: t} }

// Query pushes a hash-key equality into the WHERE clause and filters the
// remaining conditions in process. Rows are read fully before the first
// record is yielded so the connection is released early.
func (t *Table) Query(ctx context.Context, q domain.Query) domain.RecordStream {
	if err := q.Validate(); err != nil {
		return domain.ErrorStream(err)
	}
	return domain.OnceStream(func(yield func(domain.Document, error) bool) {
		docs, err := t.load(ctx, q)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, doc := range docs {
			if !q.Match(doc) {
				continue
			}
			if !yield(doc, nil) {
				return
			}
		}
	})
}

func (t *Table) load(ctx context.Context, q domain.Query) ([]domain.Document, error) {
	d := t.provider.dialect
	stmt, args := d.selectTable(), []any{t.name}
	if hash, ok := q.EqualityValue(t.schema.HashKey); ok {
		stmt, args = d.selectPartition(), []any{t.name, hash.String()}
	}
	rows, err := t.provider.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: query %s: %w", d.Name, t.name, err)
	}
	defer func() { _ = rows.Close() }()

	var docs []domain.Document
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("%s: scan %s: %w", d.Name, t.name, err)
		}
		doc, err := domain.DecodeDocument(body)
		if err != nil {
			return nil, fmt.Errorf("%s: %s: %w", d.Name, t.name, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: iterate %s: %w", d.Name, t.name, err)
	}
	return docs, nil
}

type batch struct {
	table   *Table
	puts    []domain.Document
	deletes []domain.Document
}

func (b *batch) AddDocumentToPut(doc domain.Document) { b.puts = append(b.puts, doc) }
func (b *batch) AddKeyToDelete(key domain.Document)   { b.deletes = append(b.deletes, key) }

type keyColumns struct {
	hash, rng string
}

func (t *Table) columns(doc domain.Document) (keyColumns, error) {
	key, err := t.schema.KeyOf(doc)
	if err != nil {
		return keyColumns{}, err
	}
	cols := keyColumns{hash: key.Hash().String()}
	if key.HasRange() {
		cols.rng = key.Range().String()
	}
	return cols, nil
}

// Execute applies the batch inside one transaction.
func (b *batch) Execute(ctx context.Context) error {
	t := b.table
	d := t.provider.dialect
	tx, err := t.provider.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", d.Name, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	upsert := d.upsert()
	for _, doc := range b.puts {
		cols, err := t.columns(doc)
		if err != nil {
			return fmt.Errorf("%s: put into %s: %w", d.Name, t.name, err)
		}
		body, err := doc.CanonicalJSON()
		if err != nil {
			return fmt.Errorf("%s: put into %s: %w", d.Name, t.name, err)
		}
		if _, err := tx.ExecContext(ctx, upsert, t.name, cols.hash, cols.rng, string(body)); err != nil {
			return fmt.Errorf("%s: put into %s: %w", d.Name, t.name, err)
		}
	}
	remove := d.remove()
	for _, doc := range b.deletes {
		cols, err := t.columns(doc)
		if err != nil {
			return fmt.Errorf("%s: delete from %s: %w", d.Name, t.name, err)
		}
		if _, err := tx.ExecContext(ctx, remove, t.name, cols.hash, cols.rng); err != nil {
			return fmt.Errorf("%s: delete from %s: %w", d.Name, t.name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit: %w", d.Name, err)
	}
	committed = true
	return nil
}
