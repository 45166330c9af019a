package query

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Dialect adapts SQL generation to a database. Columns are named after
// fields. Time columns hold Unix nanoseconds and array columns hold JSON
// text (sqlite) or jsonb (postgres).
type Dialect interface {
	// Name identifies the dialect ("sqlite", "postgres").
	Name() string

	// Placeholder returns the n-th (1-based) bind parameter.
	Placeholder(n int) string

	// ArrayContains tests whether the JSON array in column holds the string
	// bound at placeholder ph.
	ArrayContains(column, ph string) string

	// JSONValue casts a bound JSON text parameter for comparison with an
	// array column.
	JSONValue(ph string) string

	// Mod returns an expression for column modulo the divisor at ph.
	Mod(column, ph string) string
}

// SQLite is the dialect for modernc.org/sqlite.
type SQLite struct{}

func (SQLite) Name() string           { return "sqlite" }
func (SQLite) Placeholder(int) string { return "?" }
func (SQLite) ArrayContains(column, ph string) string {
	return fmt.Sprintf("EXISTS (SELECT 1 FROM json_each(%s) WHERE json_each.value = %s)", column, ph)
}
func (SQLite) JSONValue(ph string) string { return ph }
func (SQLite) Mod(column, ph string) string {
	return fmt.Sprintf("(CAST(%s AS INTEGER) %% %s)", column, ph)
}

// Postgres is the dialect for pgx through database/sql.
type Postgres struct{}

func (Postgres) Name() string             { return "postgres" }
func (Postgres) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }
func (Postgres) ArrayContains(column, ph string) string {
	return fmt.Sprintf("%s @> jsonb_build_array(%s::text)", column, ph)
}
func (Postgres) JSONValue(ph string) string { return ph + "::jsonb" }
func (Postgres) Mod(column, ph string) string {
	return fmt.Sprintf("(%s::bigint %% %s)", column, ph)
}

// SQL is a compiled WHERE clause with its arguments. Where is "1=1" for the
// empty query.
type SQL struct {
	Where string
	Args  []any
}

type sqlBuilder struct {
	d    Dialect
	args []any
	base int
}

func (b *sqlBuilder) bind(v any) string {
	b.args = append(b.args, v)
	return b.d.Placeholder(b.base + len(b.args))
}

// CompileSQL translates q into a WHERE clause. argOffset is the number of
// parameters already bound before the clause (for $n numbering).
func CompileSQL(q Query, d Dialect, argOffset int) (SQL, error) {
	if q.Empty() {
		return SQL{Where: "1=1"}, nil
	}
	b := &sqlBuilder{d: d, base: argOffset}
	parts := make([]string, 0, len(q.Conds))
	for _, c := range q.Conds {
		expr, err := b.cond(c)
		if err != nil {
			return SQL{}, err
		}
		parts = append(parts, expr)
	}
	return SQL{Where: strings.Join(parts, " AND "), Args: b.args}, nil
}

// sqlValue converts a normalized operand to a driver argument.
func sqlValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UnixNano()
	case []string:
		data, _ := json.Marshal(x)
		return string(data)
	}
	return v
}

func (b *sqlBuilder) cond(c Cond) (string, error) {
	col := c.Field
	switch c.Op {
	case OpEq:
		return b.eq(c, c.Value), nil
	case OpNe:
		if c.Value == nil {
			return col + " IS NOT NULL", nil
		}
		return "NOT COALESCE(" + b.eq(c, c.Value) + ", FALSE)", nil
	case OpLt, OpGt, OpLte, OpGte:
		ops := map[Op]string{OpLt: "<", OpGt: ">", OpLte: "<=", OpGte: ">="}
		return fmt.Sprintf("%s %s %s", col, ops[c.Op], b.bind(sqlValue(c.Value))), nil
	case OpIn:
		return b.in(c), nil
	case OpNin:
		return "NOT COALESCE(" + b.in(c) + ", FALSE)", nil
	case OpAll:
		list := c.Value.([]any)
		if len(list) == 0 {
			return "1=0", nil
		}
		parts := make([]string, 0, len(list))
		for _, item := range list {
			parts = append(parts, b.eq(c, item))
		}
		return "(" + strings.Join(parts, " AND ") + ")", nil
	case OpMod:
		m := c.Value.(Mod)
		mod := b.d.Mod(col, b.bind(m.Divisor))
		return fmt.Sprintf("%s = %s", mod, b.bind(m.Remainder)), nil
	case OpExists:
		if c.Value.(bool) {
			return col + " IS NOT NULL", nil
		}
		return col + " IS NULL", nil
	}
	return "", invalid("operator %s has no SQL form", c.Op)
}

func (b *sqlBuilder) eq(c Cond, v any) string {
	col := c.Field
	if v == nil {
		return col + " IS NULL"
	}
	if c.Kind == KindStrings {
		if s, ok := v.(string); ok {
			return b.d.ArrayContains(col, b.bind(s))
		}
		return fmt.Sprintf("%s = %s", col, b.d.JSONValue(b.bind(sqlValue(v))))
	}
	return fmt.Sprintf("%s = %s", col, b.bind(sqlValue(v)))
}

func (b *sqlBuilder) in(c Cond) string {
	list := c.Value.([]any)
	if len(list) == 0 {
		return "1=0"
	}
	parts := make([]string, 0, len(list))
	for _, item := range list {
		parts = append(parts, b.eq(c, item))
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}
