package query

import (
	"bytes"
	"time"
)

// Document exposes field values for in-memory matching. Value returns nil
// for unset fields and otherwise the normalized type for the field's kind
// (string, float64, time.Time, []string, []byte).
type Document interface {
	Value(field string) any
}

// Match reports whether doc satisfies every condition of q.
func (q Query) Match(doc Document) bool {
	for _, c := range q.Conds {
		if !c.match(doc.Value(c.Field)) {
			return false
		}
	}
	return true
}

func (c Cond) match(v any) bool {
	switch c.Op {
	case OpEq:
		return equal(v, c.Value)
	case OpNe:
		return !equal(v, c.Value)
	case OpLt, OpGt, OpLte, OpGte:
		cmp, ok := compare(v, c.Value)
		if !ok {
			return false
		}
		switch c.Op {
		case OpLt:
			return cmp < 0
		case OpGt:
			return cmp > 0
		case OpLte:
			return cmp <= 0
		default:
			return cmp >= 0
		}
	case OpIn:
		return in(v, c.Value.([]any))
	case OpNin:
		return !in(v, c.Value.([]any))
	case OpAll:
		list := c.Value.([]any)
		if len(list) == 0 {
			return false
		}
		for _, item := range list {
			if !equal(v, item) {
				return false
			}
		}
		return true
	case OpMod:
		n, ok := v.(float64)
		if !ok {
			return false
		}
		m := c.Value.(Mod)
		return int64(n)%m.Divisor == m.Remainder
	case OpExists:
		return isSet(v) == c.Value.(bool)
	}
	return false
}

func isSet(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case []string:
		return x != nil
	case []byte:
		return x != nil
	}
	return true
}

func in(v any, list []any) bool {
	for _, item := range list {
		if equal(v, item) {
			return true
		}
	}
	return false
}

// equal compares a document value with a normalized operand. Array values
// match a string operand by membership and a []string operand exactly.
func equal(v, want any) bool {
	if want == nil {
		return !isSet(v)
	}
	if !isSet(v) {
		return false
	}
	switch w := want.(type) {
	case string:
		switch x := v.(type) {
		case string:
			return x == w
		case []string:
			for _, s := range x {
				if s == w {
					return true
				}
			}
		}
		return false
	case []string:
		x, ok := v.([]string)
		if !ok || len(x) != len(w) {
			return false
		}
		for i := range x {
			if x[i] != w[i] {
				return false
			}
		}
		return true
	case float64:
		x, ok := v.(float64)
		return ok && x == w
	case time.Time:
		x, ok := v.(time.Time)
		return ok && x.Equal(w)
	case []byte:
		x, ok := v.([]byte)
		return ok && bytes.Equal(x, w)
	}
	return false
}

func compare(v, want any) (int, bool) {
	switch w := want.(type) {
	case float64:
		x, ok := v.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case x < w:
			return -1, true
		case x > w:
			return 1, true
		}
		return 0, true
	case time.Time:
		x, ok := v.(time.Time)
		if !ok {
			return 0, false
		}
		return x.Compare(w), true
	case string:
		x, ok := v.(string)
		if !ok {
			return 0, false
		}
		switch {
		case x < w:
			return -1, true
		case x > w:
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
