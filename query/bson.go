package query

import (
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// CompileBSON translates q into a MongoDB filter. rename maps field names
// to document keys (for example msg_id -> _id). Time values are compared as
// Unix nanoseconds, matching how records are stored.
//
// Unset fields must be absent from stored documents: Mongo treats an
// explicit null as existing.
func CompileBSON(q Query, rename map[string]string) bson.D {
	filter := bson.D{}
	for _, c := range q.Conds {
		key := c.Field
		if r, ok := rename[key]; ok {
			key = r
		}
		filter = append(filter, bson.E{Key: key, Value: bson.D{{Key: string(c.Op), Value: bsonOperand(c)}}})
	}
	return filter
}

func bsonOperand(c Cond) any {
	switch c.Op {
	case OpIn, OpNin, OpAll:
		list := c.Value.([]any)
		out := bson.A{}
		for _, item := range list {
			out = append(out, bsonValue(item))
		}
		return out
	case OpMod:
		m := c.Value.(Mod)
		return bson.A{m.Divisor, m.Remainder}
	case OpExists:
		return c.Value.(bool)
	}
	return bsonValue(c.Value)
}

func bsonValue(v any) any {
	switch x := v.(type) {
	case time.Time:
		return x.UnixNano()
	case []string:
		out := bson.A{}
		for _, s := range x {
			out = append(out, s)
		}
		return out
	case []byte:
		return bson.Binary{Data: x}
	}
	return v
}
