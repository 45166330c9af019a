package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"maps"
	"time"
)

// Error is a taskhub failure. It carries the code that travels as ename,
// the engine and task it concerns, and optional key/value context.
type Error struct {
	code      ErrorCode
	category  ErrorCategory
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool // nil: decided by category
	at        time.Time
	engine    string
	task      string
}

var (
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

func (e *Error) Error() string {
	if e.cause == nil {
		return e.message
	}
	return e.message + ": " + e.cause.Error()
}

// Message returns the message without the cause chain. It is the evalue
// of a failed result.
func (e *Error) Message() string { return e.message }

func (e *Error) Code() ErrorCode         { return e.code }
func (e *Error) Category() ErrorCategory { return e.category }
func (e *Error) Unwrap() error           { return e.cause }

// Timestamp is when the error was raised.
func (e *Error) Timestamp() time.Time { return e.at }

// EngineID is the engine the failure concerns, or "".
func (e *Error) EngineID() string { return e.engine }

// MsgID is the task the failure concerns, or "".
func (e *Error) MsgID() string { return e.task }

// Retryable reports whether the scheduler may resubmit the task elsewhere.
func (e *Error) Retryable() bool {
	if e.retryable == nil {
		return e.category.IsRetryable()
	}
	return *e.retryable
}

// Metadata returns a copy of the error context.
func (e *Error) Metadata() map[string]string {
	if e.metadata == nil {
		return map[string]string{}
	}
	return maps.Clone(e.metadata)
}

// errorDoc is the JSON form used in logs and admin responses. ename and
// evalue match the wire pair.
type errorDoc struct {
	Name      ErrorCode         `json:"ename"`
	Value     string            `json:"evalue"`
	Category  ErrorCategory     `json:"category"`
	Retryable bool              `json:"retryable"`
	Cause     string            `json:"cause,omitempty"`
	Engine    string            `json:"engine_id,omitempty"`
	MsgID     string            `json:"msg_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	At        *time.Time        `json:"at,omitempty"`
}

func (e *Error) MarshalJSON() ([]byte, error) {
	doc := errorDoc{
		Name:      e.code,
		Value:     e.message,
		Category:  e.category,
		Retryable: e.Retryable(),
		Engine:    e.engine,
		MsgID:     e.task,
		Metadata:  e.metadata,
	}
	if e.cause != nil {
		doc.Cause = e.cause.Error()
	}
	if !e.at.IsZero() {
		at := e.at.Round(0)
		doc.At = &at
	}
	return json.Marshal(doc)
}

func (e *Error) UnmarshalJSON(data []byte) error {
	var doc errorDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	retryable := doc.Retryable
	*e = Error{
		code:      doc.Name,
		category:  doc.Category,
		message:   doc.Value,
		metadata:  doc.Metadata,
		retryable: &retryable,
		engine:    doc.Engine,
		task:      doc.MsgID,
	}
	if doc.Cause != "" {
		e.cause = stderrors.New(doc.Cause)
	}
	if doc.At != nil {
		e.at = *doc.At
	}
	return nil
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithCategory overrides the default category.
func WithCategory(cat ErrorCategory) Option {
	return func(e *Error) {
		e.category = cat
	}
}

// WithRetryable explicitly sets whether the error is retryable.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithEngineID names the engine the failure concerns.
func WithEngineID(id string) Option {
	return func(e *Error) { e.engine = id }
}

// WithMsgID names the task the failure concerns.
func WithMsgID(id string) Option {
	return func(e *Error) { e.task = id }
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates an Error with the code's default category.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{code: code, category: code.DefaultCategory(), message: message, at: time.Now()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FromCode creates an error with the default description for the code.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// RegistrationConflict reports an identity already claimed by another engine.
func RegistrationConflict(kind, identity string) *Error {
	return New(ErrCodeRegistrationConflict,
		fmt.Sprintf("%s identity %q already in use", kind, identity),
		WithMetadata("identity", identity))
}

// UnknownEngine reports a bad engine id in a query.
func UnknownEngine(message string) *Error {
	return New(ErrCodeUnknownEngine, message)
}

// UnknownTask reports a msg_id neither queued nor recorded.
func UnknownTask(msgID string) *Error {
	return New(ErrCodeUnknownTask, "no such msg_id: "+msgID, WithMsgID(msgID))
}

// InvalidDependency reports a malformed or self-referential dependency.
func InvalidDependency(msgID, reason string) *Error {
	return New(ErrCodeInvalidDependency, reason, WithMsgID(msgID))
}

// ImpossibleDependency reports a dependency that can never be met.
func ImpossibleDependency(msgID, reason string) *Error {
	return New(ErrCodeImpossibleDependency, reason, WithMsgID(msgID))
}

// TaskTimeout reports a task that passed its deadline.
func TaskTimeout(msgID string) *Error {
	return New(ErrCodeTaskTimeout, "task did not finish before its deadline", WithMsgID(msgID))
}

// EngineError reports a task stranded by a dead engine.
func EngineError(msgID, engine string) *Error {
	return New(ErrCodeEngineError,
		fmt.Sprintf("engine %s died while running %s", engine, msgID),
		WithMsgID(msgID), WithEngineID(engine))
}

// TaskAborted reports a task canceled by its client.
func TaskAborted(msgID string) *Error {
	return New(ErrCodeTaskAborted, "task aborted", WithMsgID(msgID))
}

// Culled reports a record evicted from the store.
func Culled(msgID string) *Error {
	return New(ErrCodeCulled, "record was culled: "+msgID, WithMsgID(msgID))
}

// InvalidRequest reports a malformed request.
func InvalidRequest(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidRequest, message, opts...)
}

// Internal creates an internal error.
func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}
