// Package testutil provides a recording stub database for postgres provider tests.
// It understands exactly the statement shapes the document table issues.
package testutil

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
)

var stubSeq atomic.Uint64

// StubConn records statements and keeps rows per table.
type StubConn struct {
	mu         sync.Mutex
	Execs      []string
	Tables     map[string][]map[string]any
	FailPing   bool
	FailBegin  bool
	FailCommit bool
	// FailExecContaining fails any statement containing the substring.
	FailExecContaining string
	Commits            int
	Rollbacks          int
}

// NewStubDB registers a sql.DB backed by an in-memory stub connection.
func NewStubDB() (*sql.DB, *StubConn) {
	conn := &StubConn{Tables: make(map[string][]map[string]any)}
	name := fmt.Sprintf("stubpg%d", stubSeq.Add(1))
	sql.Register(name, &stubDriver{conn: conn})
	db, err := sql.Open(name, "stub")
	if err != nil {
		panic(err)
	}
	return db, conn
}

// Rows returns a copy of the rows stored for table.
func (c *StubConn) Rows(table string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.Tables[table]...)
}

type stubDriver struct {
	conn *StubConn
}

func (d *stubDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

// Prepare implements driver.Conn.
func (c *StubConn) Prepare(string) (driver.Stmt, error) { return nil, fmt.Errorf("not implemented") }

// Close implements driver.Conn.
func (c *StubConn) Close() error { return nil }

// Begin implements driver.Conn.
func (c *StubConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

// Ping implements driver.Pinger.
func (c *StubConn) Ping(context.Context) error {
	if c.FailPing {
		return fmt.Errorf("ping fail")
	}
	return nil
}

// BeginTx implements driver.ConnBeginTx. Statements are buffered until commit.
func (c *StubConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if c.FailBegin {
		return nil, fmt.Errorf("begin fail")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make(map[string][]map[string]any, len(c.Tables))
	for table, rows := range c.Tables {
		snapshot[table] = append([]map[string]any(nil), rows...)
	}
	return &stubTx{conn: c, snapshot: snapshot}, nil
}

// ExecContext implements driver.ExecerContext.
func (c *StubConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Execs = append(c.Execs, query)
	if c.FailExecContaining != "" && strings.Contains(query, c.FailExecContaining) {
		return nil, fmt.Errorf("exec fail")
	}
	upper := strings.ToUpper(strings.TrimSpace(query))
	switch {
	case strings.HasPrefix(upper, "INSERT INTO"):
		table, cols, conflict, err := parseInsert(query)
		if err != nil {
			return nil, err
		}
		if len(cols) != len(args) {
			return nil, fmt.Errorf("column/arg mismatch for %s", table)
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = args[i].Value
		}
		if len(conflict) > 0 {
			c.Tables[table] = filterRows(c.Tables[table], func(existing map[string]any) bool {
				return matchesAll(existing, conflict, row)
			})
		}
		c.Tables[table] = append(c.Tables[table], row)
		return driver.RowsAffected(1), nil
	case strings.HasPrefix(upper, "DELETE FROM"):
		table, cols, err := parseWhere(query, "delete from ")
		if err != nil {
			return nil, err
		}
		want := bindArgs(cols, args)
		before := len(c.Tables[table])
		c.Tables[table] = filterRows(c.Tables[table], func(existing map[string]any) bool {
			return matchesAll(existing, cols, want)
		})
		return driver.RowsAffected(int64(before - len(c.Tables[table]))), nil
	}
	return driver.RowsAffected(0), nil
}

// QueryContext implements driver.QueryerContext for "SELECT <col> FROM t WHERE ...".
func (c *StubConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	lower := strings.ToLower(strings.TrimSpace(query))
	if !strings.HasPrefix(lower, "select ") {
		return nil, fmt.Errorf("cannot parse select: %s", query)
	}
	fromIdx := strings.Index(lower, " from ")
	if fromIdx == -1 {
		return nil, fmt.Errorf("cannot parse select: %s", query)
	}
	selected := splitColumns(query[len("select "):fromIdx])
	table, cols, err := parseWhere(query[fromIdx+1:], "from ")
	if err != nil {
		return nil, err
	}
	want := bindArgs(cols, args)
	var values [][]driver.Value
	for _, row := range c.Tables[table] {
		if !matchesAll(row, cols, want) {
			continue
		}
		vals := make([]driver.Value, len(selected))
		for i, col := range selected {
			vals[i] = row[col]
		}
		values = append(values, vals)
	}
	return &stubRows{cols: selected, rows: values}, nil
}

type stubTx struct {
	conn     *StubConn
	snapshot map[string][]map[string]any
}

func (t *stubTx) Commit() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	if t.conn.FailCommit {
		t.conn.Tables = t.snapshot
		return fmt.Errorf("commit fail")
	}
	t.conn.Commits++
	return nil
}

func (t *stubTx) Rollback() error {
	t.conn.mu.Lock()
	defer t.conn.mu.Unlock()
	t.conn.Tables = t.snapshot
	t.conn.Rollbacks++
	return nil
}

type stubRows struct {
	cols []string
	rows [][]driver.Value
	idx  int
}

func (r *stubRows) Columns() []string { return r.cols }
func (r *stubRows) Close() error      { return nil }

func (r *stubRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.rows) {
		return io.EOF
	}
	copy(dest, r.rows[r.idx])
	r.idx++
	return nil
}

func filterRows(rows []map[string]any, drop func(map[string]any) bool) []map[string]any {
	var kept []map[string]any
	for _, row := range rows {
		if !drop(row) {
			kept = append(kept, row)
		}
	}
	return kept
}

func matchesAll(row map[string]any, cols []string, want map[string]any) bool {
	for _, col := range cols {
		if row[col] != want[col] {
			return false
		}
	}
	return true
}

func bindArgs(cols []string, args []driver.NamedValue) map[string]any {
	out := make(map[string]any, len(cols))
	for i, col := range cols {
		if i < len(args) {
			out[col] = args[i].Value
		}
	}
	return out
}

// parseInsert handles "INSERT INTO t (a, b) VALUES (...) [ON CONFLICT (a) ...]".
func parseInsert(query string) (string, []string, []string, error) {
	up := strings.ToUpper(query)
	intoIdx := strings.Index(up, "INTO ")
	if intoIdx == -1 {
		return "", nil, nil, fmt.Errorf("cannot parse insert: %s", query)
	}
	rest := strings.TrimSpace(query[intoIdx+len("INTO "):])
	open := strings.Index(rest, "(")
	closeIdx := strings.Index(rest, ")")
	if open == -1 || closeIdx == -1 || closeIdx <= open {
		return "", nil, nil, fmt.Errorf("cannot parse insert: %s", query)
	}
	table := strings.ToLower(strings.TrimSpace(rest[:open]))
	cols := splitColumns(rest[open+1 : closeIdx])

	var conflict []string
	if idx := strings.Index(up, "ON CONFLICT ("); idx != -1 {
		tail := query[idx+len("ON CONFLICT ("):]
		if end := strings.Index(tail, ")"); end != -1 {
			conflict = splitColumns(tail[:end])
		}
	}
	return table, cols, conflict, nil
}

// parseWhere handles "<prefix>t WHERE a = $1 AND b = $2 [ORDER BY ...]".
func parseWhere(query, prefix string) (string, []string, error) {
	lower := strings.ToLower(query)
	if !strings.HasPrefix(lower, prefix) {
		return "", nil, fmt.Errorf("cannot parse statement: %s", query)
	}
	rest := strings.TrimSpace(query[len(prefix):])
	if idx := strings.Index(strings.ToLower(rest), " order by "); idx != -1 {
		rest = rest[:idx]
	}
	whereIdx := strings.Index(strings.ToLower(rest), " where ")
	if whereIdx == -1 {
		return strings.ToLower(strings.TrimSpace(rest)), nil, nil
	}
	table := strings.ToLower(strings.TrimSpace(rest[:whereIdx]))
	var cols []string
	for _, pred := range strings.Split(rest[whereIdx+len(" where "):], " AND ") {
		parts := strings.SplitN(pred, "=", 2)
		if len(parts) != 2 {
			return "", nil, fmt.Errorf("cannot parse predicate %q", pred)
		}
		cols = append(cols, strings.ToLower(strings.TrimSpace(parts[0])))
	}
	return table, cols, nil
}

func splitColumns(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		out = append(out, strings.ToLower(strings.TrimSpace(part)))
	}
	return out
}
