package recordstore

import (
	"bytes"
	"slices"
	"time"

	"github.com/vinayprograms/taskhub/query"
)

// Field names, shared by queries, projections and storage columns.
const (
	FieldMsgID         = "msg_id"
	FieldClientID      = "client_id"
	FieldEngineIdent   = "engine_ident"
	FieldQueue         = "queue"
	FieldStatus        = "status"
	FieldSubmitted     = "submitted"
	FieldStarted       = "started"
	FieldCompleted     = "completed"
	FieldReceived      = "received"
	FieldResubmitted   = "resubmitted"
	FieldRetries       = "retries"
	FieldTargets       = "targets"
	FieldAfter         = "after"
	FieldFollow        = "follow"
	FieldHeader        = "header"
	FieldContent       = "content"
	FieldBuffers       = "buffers"
	FieldResultHeader  = "result_header"
	FieldResultContent = "result_content"
	FieldResultBuffers = "result_buffers"
	FieldErrorName     = "error_name"
	FieldErrorValue    = "error_value"
	FieldStdout        = "stdout"
	FieldStderr        = "stderr"
)

// Record is the stored history of one task. Zero values mean unset: empty
// strings, nil times, nil slices and a nil Retries. Status stays empty while
// the task is pending.
type Record struct {
	MsgID       string
	ClientID    string
	EngineIdent string
	Queue       string
	Status      string

	Submitted *time.Time
	Started   *time.Time
	Completed *time.Time
	Received  *time.Time

	Resubmitted string
	Retries     *int

	Targets []string
	After   []string
	Follow  []string

	Header        []byte
	Content       []byte
	Buffers       [][]byte
	ResultHeader  []byte
	ResultContent []byte
	ResultBuffers [][]byte

	ErrorName  string
	ErrorValue string
	Stdout     string
	Stderr     string
}

// kindBuffers marks the two buffer-list fields, which can be projected but
// not queried.
const kindBuffers query.Kind = -1

type field struct {
	name string
	kind query.Kind

	// get returns the normalized value, or nil when unset.
	get func(r *Record) any

	// set stores a normalized value, as returned by get.
	set func(r *Record, v any)

	// copy deep-copies the field from src into dst.
	copy func(dst, src *Record)
}

func stringField(name string, p func(r *Record) *string) field {
	return field{
		name: name,
		kind: query.KindString,
		get: func(r *Record) any {
			if s := *p(r); s != "" {
				return s
			}
			return nil
		},
		set:  func(r *Record, v any) { *p(r) = v.(string) },
		copy: func(dst, src *Record) { *p(dst) = *p(src) },
	}
}

func timeField(name string, p func(r *Record) **time.Time) field {
	return field{
		name: name,
		kind: query.KindTime,
		get: func(r *Record) any {
			if t := *p(r); t != nil {
				return t.UTC()
			}
			return nil
		},
		set: func(r *Record, v any) {
			t := v.(time.Time)
			*p(r) = &t
		},
		copy: func(dst, src *Record) {
			if t := *p(src); t != nil {
				v := *t
				*p(dst) = &v
			} else {
				*p(dst) = nil
			}
		},
	}
}

func stringsField(name string, p func(r *Record) *[]string) field {
	return field{
		name: name,
		kind: query.KindStrings,
		get: func(r *Record) any {
			if s := *p(r); s != nil {
				return s
			}
			return nil
		},
		set:  func(r *Record, v any) { *p(r) = v.([]string) },
		copy: func(dst, src *Record) { *p(dst) = cloneStrings(*p(src)) },
	}
}

func bytesField(name string, p func(r *Record) *[]byte) field {
	return field{
		name: name,
		kind: query.KindBytes,
		get: func(r *Record) any {
			if b := *p(r); b != nil {
				return b
			}
			return nil
		},
		set:  func(r *Record, v any) { *p(r) = v.([]byte) },
		copy: func(dst, src *Record) { *p(dst) = cloneBytes(*p(src)) },
	}
}

func buffersField(name string, p func(r *Record) *[][]byte) field {
	return field{
		name: name,
		kind: kindBuffers,
		get: func(r *Record) any {
			if b := *p(r); b != nil {
				return b
			}
			return nil
		},
		set:  func(r *Record, v any) { *p(r) = v.([][]byte) },
		copy: func(dst, src *Record) { *p(dst) = cloneBuffers(*p(src)) },
	}
}

var fields = []field{
	stringField(FieldMsgID, func(r *Record) *string { return &r.MsgID }),
	stringField(FieldClientID, func(r *Record) *string { return &r.ClientID }),
	stringField(FieldEngineIdent, func(r *Record) *string { return &r.EngineIdent }),
	stringField(FieldQueue, func(r *Record) *string { return &r.Queue }),
	stringField(FieldStatus, func(r *Record) *string { return &r.Status }),
	timeField(FieldSubmitted, func(r *Record) **time.Time { return &r.Submitted }),
	timeField(FieldStarted, func(r *Record) **time.Time { return &r.Started }),
	timeField(FieldCompleted, func(r *Record) **time.Time { return &r.Completed }),
	timeField(FieldReceived, func(r *Record) **time.Time { return &r.Received }),
	stringField(FieldResubmitted, func(r *Record) *string { return &r.Resubmitted }),
	{
		name: FieldRetries,
		kind: query.KindNumber,
		get: func(r *Record) any {
			if r.Retries != nil {
				return float64(*r.Retries)
			}
			return nil
		},
		set: func(r *Record, v any) {
			n := int(v.(float64))
			r.Retries = &n
		},
		copy: func(dst, src *Record) {
			if src.Retries != nil {
				n := *src.Retries
				dst.Retries = &n
			} else {
				dst.Retries = nil
			}
		},
	},
	stringsField(FieldTargets, func(r *Record) *[]string { return &r.Targets }),
	stringsField(FieldAfter, func(r *Record) *[]string { return &r.After }),
	stringsField(FieldFollow, func(r *Record) *[]string { return &r.Follow }),
	bytesField(FieldHeader, func(r *Record) *[]byte { return &r.Header }),
	bytesField(FieldContent, func(r *Record) *[]byte { return &r.Content }),
	buffersField(FieldBuffers, func(r *Record) *[][]byte { return &r.Buffers }),
	bytesField(FieldResultHeader, func(r *Record) *[]byte { return &r.ResultHeader }),
	bytesField(FieldResultContent, func(r *Record) *[]byte { return &r.ResultContent }),
	buffersField(FieldResultBuffers, func(r *Record) *[][]byte { return &r.ResultBuffers }),
	stringField(FieldErrorName, func(r *Record) *string { return &r.ErrorName }),
	stringField(FieldErrorValue, func(r *Record) *string { return &r.ErrorValue }),
	stringField(FieldStdout, func(r *Record) *string { return &r.Stdout }),
	stringField(FieldStderr, func(r *Record) *string { return &r.Stderr }),
}

var fieldsByName = func() map[string]field {
	m := make(map[string]field, len(fields))
	for _, f := range fields {
		m[f.name] = f
	}
	return m
}()

// Schema is the set of queryable fields. Buffer lists are excluded.
var Schema = func() query.Schema {
	s := query.Schema{}
	for _, f := range fields {
		if f.kind != kindBuffers {
			s[f.name] = f.kind
		}
	}
	return s
}()

// keySchema validates projections, which may name any field.
var keySchema = func() query.Schema {
	s := query.Schema{}
	for _, f := range fields {
		s[f.name] = f.kind
	}
	return s
}()

// FieldNames returns every field name in storage order.
func FieldNames() []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.name
	}
	return names
}

// ParseQuery parses a query document against the record schema.
func ParseQuery(doc map[string]any) (query.Query, error) {
	return query.Parse(doc, Schema)
}

// ValidateKeys checks a projection. Empty keys select every field.
func ValidateKeys(keys []string) error {
	return query.ValidateKeys(keys, keySchema)
}

// Value implements query.Document.
func (r *Record) Value(name string) any {
	f, ok := fieldsByName[name]
	if !ok {
		return nil
	}
	return f.get(r)
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := &Record{}
	for _, f := range fields {
		f.copy(c, r)
	}
	return c
}

// Merge copies every set field of partial into r. MsgID is never changed.
func (r *Record) Merge(partial *Record) {
	if partial == nil {
		return
	}
	for _, f := range fields {
		if f.name == FieldMsgID {
			continue
		}
		if f.get(partial) != nil {
			f.copy(r, partial)
		}
	}
}

// Conflicts lists the fields set in both r and partial with different
// values.
func (r *Record) Conflicts(partial *Record) []string {
	var out []string
	for _, f := range fields {
		a, b := f.get(r), f.get(partial)
		if a == nil || b == nil {
			continue
		}
		if !sameValue(a, b) {
			out = append(out, f.name)
		}
	}
	return out
}

// Without returns a copy of r with the named fields unset.
func (r *Record) Without(names ...string) *Record {
	c := r.Clone()
	empty := &Record{}
	for _, name := range names {
		if f, ok := fieldsByName[name]; ok && name != FieldMsgID {
			f.copy(c, empty)
		}
	}
	return c
}

// Project returns a copy holding only the named fields and the msg_id.
// Empty keys keep everything.
func (r *Record) Project(keys []string) *Record {
	if len(keys) == 0 {
		return r.Clone()
	}
	c := &Record{MsgID: r.MsgID}
	for _, name := range keys {
		if f, ok := fieldsByName[name]; ok {
			f.copy(c, r)
		}
	}
	return c
}

// Map returns the set fields among keys (all when empty) keyed by field
// name. msg_id is always present.
func (r *Record) Map(keys []string) map[string]any {
	if len(keys) == 0 {
		keys = FieldNames()
	}
	out := map[string]any{FieldMsgID: r.MsgID}
	for _, name := range keys {
		f, ok := fieldsByName[name]
		if !ok {
			continue
		}
		v := f.get(r)
		if v == nil {
			continue
		}
		if name == FieldRetries {
			v = *r.Retries
		}
		out[name] = v
	}
	return out
}

// Size approximates the payload bytes held by the record.
func (r *Record) Size() int {
	n := len(r.Header) + len(r.Content) + len(r.ResultHeader) + len(r.ResultContent)
	for _, b := range r.Buffers {
		n += len(b)
	}
	for _, b := range r.ResultBuffers {
		n += len(b)
	}
	return n
}

// Pending reports whether the task has not finished.
func (r *Record) Pending() bool {
	return r.Status == ""
}

func sameValue(a, b any) bool {
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		return ok && x == y
	case float64:
		y, ok := b.(float64)
		return ok && x == y
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case []string:
		y, ok := b.([]string)
		return ok && slices.Equal(x, y)
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	case [][]byte:
		y, ok := b.([][]byte)
		return ok && slices.EqualFunc(x, y, bytes.Equal)
	}
	return false
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	return append(make([]string, 0, len(s)), s...)
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append(make([]byte, 0, len(b)), b...)
}

func cloneBuffers(bufs [][]byte) [][]byte {
	if bufs == nil {
		return nil
	}
	out := make([][]byte, len(bufs))
	for i, b := range bufs {
		out[i] = cloneBytes(b)
	}
	return out
}

// Ptr returns a pointer to v, for filling optional record fields.
func Ptr[T any](v T) *T {
	return &v
}
