package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"strings"

	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"
)

// Conn is a single connection acquired by Store.Connect. Not safe for concurrent use.
type Conn struct {
	conn  *sqlx.Conn
	reg   *Registry
	stack []*Savepoint
	seq   int
}

// Savepoint is one open write scope. The outermost scope is the real transaction,
// inner scopes are sqlite savepoints.
type Savepoint struct {
	name  string // empty for the outermost transaction
	level int
}

// Name returns savepoint name, empty for the outermost transaction
func (sp *Savepoint) Name() string { return sp.name }

// Query selects records. With empty SQL all registered columns of the record table are selected,
// filtered by Where and ordered by OrderBy (insertion order by default).
type Query struct {
	SQL     string
	Where   string
	Args    []any
	OrderBy string
	Limit   int
	Offset  int
}

// Transaction runs fn in a write scope. Outermost scope begins and commits the transaction, nested scopes
// make a savepoint. If fn returns an error (or panics) only the writes of this scope are undone and the error
// is returned, the enclosing scope stays usable. A savepoint opened by fn and not closed by it is a misuse,
// the scope is rolled back and an error returned.
func (c *Conn) Transaction(ctx context.Context, fn func(tx *Conn) error) (err error) {
	sp, err := c.Savepoint(ctx)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			if rbErr := c.RollbackTo(ctx, sp); rbErr != nil {
				log.Printf("[WARN] rollback after panic failed: %v", rbErr)
			}
			panic(p)
		}
	}()

	if err = fn(c); err != nil {
		if sp.level == 0 {
			log.Printf("[DEBUG] rolling back transaction, %v", err)
		}
		if rbErr := c.RollbackTo(ctx, sp); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	if len(c.stack) > sp.level+1 {
		// fn left its own savepoint open, nothing of this scope is kept
		err = configErr("transaction", "scope %q left inside transaction", c.stack[len(c.stack)-1].name)
		if rbErr := c.RollbackTo(ctx, sp); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	return c.Release(ctx, sp)
}

// Savepoint opens a new scope explicitly. Each savepoint must be closed with Release or RollbackTo,
// innermost first.
func (c *Conn) Savepoint(ctx context.Context) (*Savepoint, error) {
	sp := &Savepoint{level: len(c.stack)}
	if sp.level == 0 {
		if _, err := c.conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
			return nil, wrapErr("begin", err)
		}
		c.stack = append(c.stack, sp)
		return sp, nil
	}

	c.seq++
	sp.name = fmt.Sprintf("sp_%d", c.seq)
	if _, err := c.conn.ExecContext(ctx, "SAVEPOINT "+sp.name); err != nil {
		return nil, wrapErr("savepoint", err)
	}
	c.stack = append(c.stack, sp)
	return sp, nil
}

// Release keeps the writes of the scope. For the outermost scope it is a durable commit.
func (c *Conn) Release(ctx context.Context, sp *Savepoint) error {
	if err := c.pop(sp, "release", true); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)
	if sp.level > 0 {
		_, err := c.conn.ExecContext(ctx, "RELEASE SAVEPOINT "+sp.name)
		return wrapErr("release "+sp.name, err)
	}

	if _, err := c.conn.ExecContext(ctx, "COMMIT"); err != nil {
		// failed commit keeps transaction open, drop it
		if _, rbErr := c.conn.ExecContext(ctx, "ROLLBACK"); rbErr != nil {
			log.Printf("[DEBUG] rollback after failed commit: %v", rbErr)
		}
		return wrapErr("commit", err)
	}
	return nil
}

// RollbackTo undoes the writes made since sp and closes it together with any scope still open inside it.
// For the outermost scope the whole transaction is rolled back.
func (c *Conn) RollbackTo(ctx context.Context, sp *Savepoint) error {
	if err := c.pop(sp, "rollback", false); err != nil {
		return err
	}
	ctx = context.WithoutCancel(ctx)
	if sp.level == 0 {
		_, err := c.conn.ExecContext(ctx, "ROLLBACK")
		return wrapErr("rollback", err)
	}
	if _, err := c.conn.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sp.name); err != nil {
		return wrapErr("rollback to "+sp.name, err)
	}
	_, err := c.conn.ExecContext(ctx, "RELEASE SAVEPOINT "+sp.name)
	return wrapErr("release "+sp.name, err)
}

// pop closes sp. In strict mode sp must be the innermost scope, otherwise inner scopes are closed with it.
func (c *Conn) pop(sp *Savepoint, op string, strict bool) error {
	if sp.level >= len(c.stack) || c.stack[sp.level] != sp {
		return configErr(op, "scope %q is not open", sp.name)
	}
	if strict && sp.level != len(c.stack)-1 {
		return configErr(op, "scope %q is not the innermost open scope", sp.name)
	}
	c.stack = c.stack[:sp.level]
	return nil
}

// InTransaction reports whether a write scope is open
func (c *Conn) InTransaction() bool { return len(c.stack) > 0 }

// Exec runs a statement changing the database. Requires an open transaction.
func (c *Conn) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if !c.InTransaction() {
		return nil, configErr("exec", "write outside of transaction: %s", query)
	}
	res, err := c.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr("exec", fmt.Errorf("%s: %w", query, err))
	}
	return res, nil
}

// Returning runs a changing statement with RETURNING clause and scans the first returned row into dest.
// Requires an open transaction.
func (c *Conn) Returning(ctx context.Context, dest any, query string, args ...any) error {
	if !c.InTransaction() {
		return configErr("returning", "write outside of transaction: %s", query)
	}
	return c.Get(ctx, dest, query, args...)
}

// CreateTables creates tables and indexes of all registered records within the current transaction
func (c *Conn) CreateTables(ctx context.Context, rules Rules) error {
	descs := c.reg.Descriptors()
	if len(descs) == 0 {
		return configErr("create tables", "no record types registered")
	}
	queries := []string{}
	for _, d := range descs {
		q, err := createTableSQL(d, rules, c.reg.isTable)
		if err != nil {
			return err
		}
		queries = append(queries, q)
		queries = append(queries, createIndexesSQL(d, rules)...)
	}
	for _, q := range queries {
		if _, err := c.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// Select runs a read query and scans all rows into dest (pointer to slice)
func (c *Conn) Select(ctx context.Context, dest any, query string, args ...any) error {
	if err := c.conn.SelectContext(ctx, dest, query, args...); err != nil {
		return wrapErr("select", fmt.Errorf("%s: %w", query, err))
	}
	return nil
}

// Get runs a read query and scans the first row into dest
func (c *Conn) Get(ctx context.Context, dest any, query string, args ...any) error {
	if err := c.conn.GetContext(ctx, dest, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &Error{Kind: KindNotFound, Op: "get", Err: fmt.Errorf("%s: %w", query, ErrNotFound)}
		}
		return wrapErr("get", fmt.Errorf("%s: %w", query, err))
	}
	return nil
}

// Insert adds record as a new row
func (c *Conn) Insert(ctx context.Context, rec any) error {
	d, err := c.reg.lookup(reflect.TypeOf(rec))
	if err != nil {
		return err
	}
	cols := d.ColumnNames()
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (:%s)", d.table, strings.Join(cols, ", "), strings.Join(cols, ", :"))
	_, err = c.named(ctx, "insert into "+d.table, query, rec)
	return err
}

// Update writes given fields of the record, matched by id. Without fields all columns are written.
func (c *Conn) Update(ctx context.Context, rec any, fields ...string) error {
	d, err := c.reg.lookup(reflect.TypeOf(rec))
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		for _, name := range d.ColumnNames() {
			if name != "id" {
				fields = append(fields, name)
			}
		}
	}
	set := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, ok := d.column(f); !ok || f == "id" {
			return configErr("update "+d.table, "can't update field %q", f)
		}
		set = append(set, f+"=:"+f)
	}

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id=:id", d.table, strings.Join(set, ", "))
	res, err := c.named(ctx, "update "+d.table, query, rec)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &Error{Kind: KindNotFound, Op: "update " + d.table, Err: ErrNotFound}
	}
	return nil
}

func (c *Conn) named(ctx context.Context, op, query string, rec any) (sql.Result, error) {
	if !c.InTransaction() {
		return nil, configErr(op, "write outside of transaction")
	}
	q, args, err := sqlx.Named(query, rec)
	if err != nil {
		return nil, configErr(op, "can't bind %T: %v", rec, err)
	}
	res, err := c.conn.ExecContext(ctx, q, args...)
	if err != nil {
		return nil, wrapErr(op, err)
	}
	return res, nil
}

// All returns records of type T matching q
func All[T any](ctx context.Context, c *Conn, q Query) ([]T, error) {
	d, err := c.reg.lookup(reflect.TypeFor[T]())
	if err != nil {
		return nil, err
	}
	query, args := q.build(d)
	res := []T{}
	if err := c.conn.SelectContext(ctx, &res, query, args...); err != nil {
		return nil, wrapErr("select from "+d.table, err)
	}
	return res, nil
}

// First returns the first record of type T matching q, not found error if none
func First[T any](ctx context.Context, c *Conn, q Query) (T, error) {
	var res T
	d, err := c.reg.lookup(reflect.TypeFor[T]())
	if err != nil {
		return res, err
	}
	if q.SQL == "" && q.Limit == 0 {
		q.Limit = 1
	}
	query, args := q.build(d)
	if err := c.conn.GetContext(ctx, &res, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return res, &Error{Kind: KindNotFound, Op: "first from " + d.table, Err: ErrNotFound}
		}
		return res, wrapErr("first from "+d.table, err)
	}
	return res, nil
}

func (q Query) build(d *Descriptor) (query string, args []any) {
	query = q.SQL
	if query == "" {
		query = fmt.Sprintf("SELECT %s FROM %s", strings.Join(d.ColumnNames(), ", "), d.table)
		if q.Where != "" {
			query += " WHERE " + q.Where
		}
		if q.OrderBy == "" {
			q.OrderBy = "rowid"
		}
	}
	if q.OrderBy != "" {
		query += " ORDER BY " + q.OrderBy
	}
	switch {
	case q.Limit > 0:
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	case q.Offset > 0:
		query += " LIMIT -1"
	}
	if q.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", q.Offset)
	}
	return query, q.Args
}
