// Package query implements the record filter language: Mongo-style
// documents such as
//
//	{"completed": {"$ne": nil}, "engine_ident": {"$in": ["q0", "q1"]}}
//
// are parsed once against a field schema into a Query, then evaluated in
// memory (Match) or compiled to a SQL WHERE clause (CompileSQL) or a BSON
// filter (CompileBSON). Fields are AND-ed; a bare value means $eq.
package query

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vinayprograms/taskhub/errors"
)

// Op is a comparison operator.
type Op string

const (
	OpEq     Op = "$eq"
	OpNe     Op = "$ne"
	OpLt     Op = "$lt"
	OpGt     Op = "$gt"
	OpLte    Op = "$lte"
	OpGte    Op = "$gte"
	OpIn     Op = "$in"
	OpNin    Op = "$nin"
	OpAll    Op = "$all"
	OpMod    Op = "$mod"
	OpExists Op = "$exists"
)

var knownOps = map[Op]bool{
	OpEq: true, OpNe: true, OpLt: true, OpGt: true, OpLte: true, OpGte: true,
	OpIn: true, OpNin: true, OpAll: true, OpMod: true, OpExists: true,
}

// Kind is the type of a field.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindTime
	KindStrings
	KindBytes
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindTime:
		return "time"
	case KindStrings:
		return "array"
	case KindBytes:
		return "bytes"
	}
	return "unknown"
}

// Schema maps field names to kinds.
type Schema map[string]Kind

// Mod is the operand of $mod.
type Mod struct {
	Divisor   int64
	Remainder int64
}

// Cond is one field/operator/value test. Value is normalized by Parse:
//
//	KindString  string or nil
//	KindNumber  float64 or nil
//	KindTime    time.Time or nil
//	KindStrings string (membership), []string (exact match) or nil
//	KindBytes   []byte or nil
//
// $in, $nin and $all carry []any of such values, $mod a Mod and $exists a bool.
type Cond struct {
	Field string
	Kind  Kind
	Op    Op
	Value any
}

// Query is a conjunction of conditions. The zero Query matches everything.
type Query struct {
	Conds []Cond
}

// All returns the query matching every record.
func All() Query { return Query{} }

// Empty reports whether the query has no conditions.
func (q Query) Empty() bool { return len(q.Conds) == 0 }

// Fields returns the distinct fields the query tests, sorted.
func (q Query) Fields() []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range q.Conds {
		if !seen[c.Field] {
			seen[c.Field] = true
			out = append(out, c.Field)
		}
	}
	sort.Strings(out)
	return out
}

// Parse builds a Query from a filter document.
func Parse(doc map[string]any, schema Schema) (Query, error) {
	fields := make([]string, 0, len(doc))
	for f := range doc {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var q Query
	for _, field := range fields {
		kind, ok := schema[field]
		if !ok {
			return Query{}, invalid("unknown field %q", field)
		}
		conds, err := parseField(field, kind, doc[field])
		if err != nil {
			return Query{}, err
		}
		q.Conds = append(q.Conds, conds...)
	}
	return q, nil
}

// MustParse is Parse for literals in code; it panics on error.
func MustParse(doc map[string]any, schema Schema) Query {
	q, err := Parse(doc, schema)
	if err != nil {
		panic(err)
	}
	return q
}

// ParseJSON parses a JSON filter document.
func ParseJSON(data []byte, schema Schema) (Query, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return Query{}, invalid("filter is not a JSON object: %v", err)
	}
	return Parse(doc, schema)
}

// ValidateKeys checks a projection list against the schema.
func ValidateKeys(keys []string, schema Schema) error {
	for _, k := range keys {
		if _, ok := schema[k]; !ok {
			return invalid("unknown key %q", k)
		}
	}
	return nil
}

func invalid(format string, args ...any) error {
	return errors.InvalidRequest("query: " + fmt.Sprintf(format, args...))
}

func operatorMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func parseField(field string, kind Kind, spec any) ([]Cond, error) {
	ops, ok := operatorMap(spec)
	if !ok {
		v, err := normalizeEq(kind, spec)
		if err != nil {
			return nil, fieldErr(field, OpEq, err)
		}
		return []Cond{{Field: field, Kind: kind, Op: OpEq, Value: v}}, nil
	}

	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)

	conds := make([]Cond, 0, len(names))
	for _, name := range names {
		op := Op(name)
		if !knownOps[op] {
			return nil, invalid("unsupported operator %s on %q", name, field)
		}
		v, err := normalizeOperand(kind, op, ops[name])
		if err != nil {
			return nil, fieldErr(field, op, err)
		}
		conds = append(conds, Cond{Field: field, Kind: kind, Op: op, Value: v})
	}
	return conds, nil
}

func fieldErr(field string, op Op, err error) error {
	return invalid("%s on %q: %v", op, field, err)
}

func normalizeOperand(kind Kind, op Op, v any) (any, error) {
	switch op {
	case OpEq, OpNe:
		return normalizeEq(kind, v)
	case OpLt, OpGt, OpLte, OpGte:
		if kind == KindStrings || kind == KindBytes {
			return nil, fmt.Errorf("ordering is not defined for %s fields", kind)
		}
		s, err := normalizeScalar(kind, v)
		if err != nil {
			return nil, err
		}
		if s == nil {
			return nil, fmt.Errorf("cannot order against null")
		}
		return s, nil
	case OpIn, OpNin, OpAll:
		list, ok := asList(v)
		if !ok {
			return nil, fmt.Errorf("operand must be a list, got %T", v)
		}
		out := make([]any, 0, len(list))
		for _, item := range list {
			s, err := normalizeScalar(kind, item)
			if err != nil {
				return nil, err
			}
			out = append(out, s)
		}
		return out, nil
	case OpMod:
		list, ok := asList(v)
		if !ok || len(list) != 2 {
			return nil, fmt.Errorf("operand must be [divisor, remainder]")
		}
		if kind != KindNumber {
			return nil, fmt.Errorf("$mod needs a number field")
		}
		d, err := toFloat(list[0])
		if err != nil {
			return nil, err
		}
		r, err := toFloat(list[1])
		if err != nil {
			return nil, err
		}
		if int64(d) == 0 {
			return nil, fmt.Errorf("divisor cannot be zero")
		}
		return Mod{Divisor: int64(d), Remainder: int64(r)}, nil
	case OpExists:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("operand must be a bool, got %T", v)
		}
		return b, nil
	}
	return nil, fmt.Errorf("unsupported operator")
}

// normalizeEq allows whole-array equality on array fields.
func normalizeEq(kind Kind, v any) (any, error) {
	if kind == KindStrings {
		if list, ok := asList(v); ok {
			out := make([]string, 0, len(list))
			for _, item := range list {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("array elements must be strings, got %T", item)
				}
				out = append(out, s)
			}
			return out, nil
		}
	}
	return normalizeScalar(kind, v)
}

func normalizeScalar(kind Kind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case KindString, KindStrings:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("want a string, got %T", v)
		}
		return s, nil
	case KindNumber:
		return toFloat(v)
	case KindTime:
		return toTime(v)
	case KindBytes:
		switch b := v.(type) {
		case []byte:
			return append([]byte(nil), b...), nil
		case string:
			return []byte(b), nil
		}
		return nil, fmt.Errorf("want bytes, got %T", v)
	}
	return nil, fmt.Errorf("unknown kind")
}

func asList(v any) ([]any, bool) {
	switch l := v.(type) {
	case []any:
		return l, true
	case []string:
		out := make([]any, len(l))
		for i, s := range l {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out, true
	case []float64:
		out := make([]any, len(l))
		for i, n := range l {
			out[i] = n
		}
		return out, true
	case []time.Time:
		out := make([]any, len(l))
		for i, t := range l {
			out[i] = t
		}
		return out, true
	}
	return nil, false
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	}
	return 0, fmt.Errorf("want a number, got %T", v)
}

func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case *time.Time:
		if t == nil {
			return time.Time{}, fmt.Errorf("nil time")
		}
		return t.UTC(), nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("want an RFC 3339 time: %v", err)
		}
		return parsed.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("want a time, got %T", v)
}
