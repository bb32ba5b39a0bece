package store

import (
	"fmt"
	"reflect"
	"strings"
	"unicode"
)

// ColumnType is a storage class of a column
type ColumnType int

// supported column types
const (
	Text ColumnType = iota
	Integer
	Real
	Bool
)

// Flag marks a column. PrimaryKey and Nullable shape the column itself,
// Unique, Index and ForeignKey are collected into Rules and applied by CreateTables.
type Flag uint8

// column flags
const (
	PrimaryKey Flag = 1 << iota
	Nullable
	Unique
	Index
	ForeignKey
)

const ruleFlags = Unique | Index | ForeignKey

// Column describes a single field of a record
type Column struct {
	Name  string
	Type  ColumnType
	Flags Flag
}

// Descriptor is an explicit schema of one record type. Build it with Describe and the typed column methods,
// fields are stored in declaration order.
type Descriptor struct {
	typ     reflect.Type
	table   string
	columns []Column
}

// Describe starts a descriptor for the record type of v (struct or pointer to struct)
func Describe(v any) *Descriptor {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return &Descriptor{typ: t, table: TableName(t.Name())}
}

// Text adds TEXT column
func (d *Descriptor) Text(name string, flags ...Flag) *Descriptor { return d.add(name, Text, flags) }

// Integer adds INTEGER column
func (d *Descriptor) Integer(name string, flags ...Flag) *Descriptor {
	return d.add(name, Integer, flags)
}

// Real adds REAL column
func (d *Descriptor) Real(name string, flags ...Flag) *Descriptor { return d.add(name, Real, flags) }

// Bool adds boolean column, stored as 0/1 integer with a check constraint
func (d *Descriptor) Bool(name string, flags ...Flag) *Descriptor { return d.add(name, Bool, flags) }

func (d *Descriptor) add(name string, typ ColumnType, flags []Flag) *Descriptor {
	var f Flag
	for _, fl := range flags {
		f |= fl
	}
	d.columns = append(d.columns, Column{Name: name, Type: typ, Flags: f})
	return d
}

// Table returns the table name, snake case of the record type name
func (d *Descriptor) Table() string { return d.table }

// TypeName returns the record type name used in rule keys
func (d *Descriptor) TypeName() string { return d.typ.Name() }

// Columns returns a copy of the columns
func (d *Descriptor) Columns() []Column {
	res := make([]Column, len(d.columns))
	copy(res, d.columns)
	return res
}

// ColumnNames returns column names in declaration order
func (d *Descriptor) ColumnNames() []string {
	res := make([]string, 0, len(d.columns))
	for _, c := range d.columns {
		res = append(res, c.Name)
	}
	return res
}

func (d *Descriptor) column(name string) (Column, bool) {
	for _, c := range d.columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Rules are index, unique and foreign key marks keyed by "RecordType.field"
type Rules map[string]Flag

// RulesOf collects rule flags declared on descriptors
func RulesOf(descs ...*Descriptor) Rules {
	res := Rules{}
	for _, d := range descs {
		for _, c := range d.columns {
			if c.Flags&ruleFlags != 0 {
				res.Add(d.TypeName()+"."+c.Name, c.Flags&ruleFlags)
			}
		}
	}
	return res
}

// Add marks key with flags
func (r Rules) Add(key string, flags Flag) Rules {
	r[key] |= flags
	return r
}

func (r Rules) has(d *Descriptor, column string, flag Flag) bool {
	return r[d.TypeName()+"."+column]&flag != 0
}

// createTableSQL makes CREATE TABLE statement. isTable reports whether a referenced table is known.
func createTableSQL(d *Descriptor, rules Rules, isTable func(string) bool) (string, error) {
	fields := make([]string, 0, len(d.columns))
	var foreign []string
	for _, c := range d.columns {
		fields = append(fields, columnSQL(c))
		if !rules.has(d, c.Name, ForeignKey) {
			continue
		}
		target, ok := strings.CutSuffix(c.Name, "_id")
		if !ok {
			return "", configErr("create table "+d.table, "foreign key field %q must end with _id", c.Name)
		}
		if !isTable(target) {
			return "", configErr("create table "+d.table, "unexpected foreign reference %q for field %s", target, c.Name)
		}
		foreign = append(foreign, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s(id)", c.Name, target))
	}
	fields = append(fields, foreign...)
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s(\n    %s\n)", d.table, strings.Join(fields, ",\n    ")), nil
}

func columnSQL(c Column) string {
	var typ string
	switch c.Type {
	case Integer:
		typ = "INTEGER"
	case Real:
		typ = "REAL"
	case Bool:
		typ = fmt.Sprintf("INTEGER CHECK(%s IN (0, 1))", c.Name)
	default:
		typ = "TEXT"
	}
	res := c.Name + " " + typ
	if c.Flags&Nullable == 0 {
		res += " NOT NULL"
	}
	if c.Flags&PrimaryKey != 0 {
		res += " PRIMARY KEY"
	}
	return res
}

func createIndexesSQL(d *Descriptor, rules Rules) []string {
	var res []string
	for _, c := range d.columns {
		switch {
		case rules.has(d, c.Name, Unique):
			res = append(res, fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s_%s_index ON %s(%s)", d.table, c.Name, d.table, c.Name))
		case rules.has(d, c.Name, Index):
			res = append(res, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_%s_index ON %s(%s)", d.table, c.Name, d.table, c.Name))
		}
	}
	return res
}

// TableName converts CamelCase type name to snake_case table name, i.e. ActionPackage -> action_package
func TableName(typeName string) string {
	var sb strings.Builder
	for i, r := range typeName {
		if unicode.IsUpper(r) {
			if i > 0 {
				sb.WriteByte('_')
			}
			sb.WriteRune(unicode.ToLower(r))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
