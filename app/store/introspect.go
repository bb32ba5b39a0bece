package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// IndexInfo describes one column of an index
type IndexInfo struct {
	Table  string `db:"table_name"`
	Name   string `db:"index_name"`
	Column string `db:"column_name"`
	Unique bool   `db:"is_unique"`
	Origin string `db:"origin"` // c for CREATE INDEX, u for UNIQUE constraint, pk for primary key
}

// ListTableNames returns names of user tables, sorted
func (c *Conn) ListTableNames(ctx context.Context) ([]string, error) {
	res := []string{}
	err := c.Select(ctx, &res, "SELECT name FROM sqlite_master WHERE type='table' AND name NOT LIKE 'sqlite_%' ORDER BY name")
	return res, err
}

// ListTablesAndColumns returns table name to its column names in declaration order
func (c *Conn) ListTablesAndColumns(ctx context.Context) (map[string][]string, error) {
	tables, err := c.ListTableNames(ctx)
	if err != nil {
		return nil, err
	}
	res := make(map[string][]string, len(tables))
	for _, t := range tables {
		cols := []string{}
		if err := c.Select(ctx, &cols, "SELECT name FROM pragma_table_info(?) ORDER BY cid", t); err != nil {
			return nil, err
		}
		res[t] = cols
	}
	return res, nil
}

// ListIndexes returns all index columns of user tables, ordered by table, index and column position
func (c *Conn) ListIndexes(ctx context.Context) ([]IndexInfo, error) {
	res := []IndexInfo{}
	err := c.Select(ctx, &res, `
		SELECT m.tbl_name AS table_name, il.name AS index_name, ii.name AS column_name,
			il."unique" AS is_unique, il.origin AS origin
		FROM sqlite_master AS m, pragma_index_list(m.name) AS il, pragma_index_info(il.name) AS ii
		WHERE m.type = 'table' AND m.name NOT LIKE 'sqlite_%'
		ORDER BY m.tbl_name, il.name, ii.seqno`)
	return res, err
}

// Dump returns rows of every registered table keyed by table name, rows in insertion order
func (c *Conn) Dump(ctx context.Context) (map[string][]map[string]any, error) {
	res := map[string][]map[string]any{}
	for _, d := range c.reg.Descriptors() {
		rows, err := c.conn.QueryxContext(ctx, fmt.Sprintf("SELECT %s FROM %s ORDER BY rowid", strings.Join(d.ColumnNames(), ", "), d.table))
		if err != nil {
			return nil, wrapErr("dump "+d.table, err)
		}
		tableRows := []map[string]any{}
		for rows.Next() {
			row := map[string]any{}
			if err := rows.MapScan(row); err != nil {
				_ = rows.Close()
				return nil, wrapErr("dump "+d.table, err)
			}
			tableRows = append(tableRows, row)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return nil, wrapErr("dump "+d.table, err)
		}
		_ = rows.Close()
		res[d.table] = tableRows
	}
	return res, nil
}

// Load inserts dumped rows back, tables are loaded in registration order so foreign keys resolve.
// Requires an open transaction.
func (c *Conn) Load(ctx context.Context, contents map[string][]map[string]any) error {
	for table := range contents {
		if _, err := c.reg.table(table); err != nil {
			return err
		}
	}
	for _, d := range c.reg.Descriptors() {
		rows, ok := contents[d.table]
		if !ok {
			continue
		}
		for _, row := range rows {
			cols := make([]string, 0, len(row))
			for k := range row {
				if _, ok := d.column(k); !ok {
					return configErr("load "+d.table, "unknown column %q", k)
				}
				cols = append(cols, k)
			}
			sort.Strings(cols)
			args := make([]any, 0, len(cols))
			for _, col := range cols {
				args = append(args, row[col])
			}
			query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", d.table, strings.Join(cols, ", "),
				strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))
			if _, err := c.Exec(ctx, query, args...); err != nil {
				return err
			}
		}
	}
	return nil
}
