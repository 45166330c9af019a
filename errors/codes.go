package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: an engine died mid-task, a task ran past its deadline.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: malformed dependencies, unknown engine ids, culled records.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates resource exhaustion or storage trouble.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors, bugs, or system failures.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories. Codes double
// as the ename of error replies on the wire.
type ErrorCode string

const (
	// Registration and membership
	ErrCodeRegistrationConflict ErrorCode = "RegistrationConflict" // queue or heart identity in use
	ErrCodeUnknownEngine        ErrorCode = "UnknownEngine"        // bad engine id or no engines
	ErrCodeUnknownTask          ErrorCode = "UnknownTask"          // bad msg_id in a query

	// Scheduling
	ErrCodeInvalidDependency    ErrorCode = "InvalidDependency"    // unknown or self-referential dependency
	ErrCodeImpossibleDependency ErrorCode = "ImpossibleDependency" // provably unsatisfiable
	ErrCodeTaskTimeout          ErrorCode = "TaskTimeout"          // deadline passed while unresolved
	ErrCodeEngineError          ErrorCode = "EngineError"          // engine died with the task outstanding
	ErrCodeTaskAborted          ErrorCode = "TaskAborted"          // canceled by the client

	// Record store
	ErrCodeCulled          ErrorCode = "Culled"          // evicted by the size/count policy
	ErrCodeDuplicateRecord ErrorCode = "DuplicateRecord" // msg_id already stored
	ErrCodeStoreError      ErrorCode = "StoreError"      // backend I/O failure

	// Generic
	ErrCodeInvalidRequest ErrorCode = "InvalidRequest" // malformed request
	ErrCodeUnsupported    ErrorCode = "Unsupported"    // operation not supported
	ErrCodeRemote         ErrorCode = "RemoteError"    // application error raised on an engine
	ErrCodeInternal       ErrorCode = "InternalError"  // unexpected internal error
	ErrCodePanic          ErrorCode = "Panic"          // recovered from panic
	ErrCodeTimeout        ErrorCode = "Timeout"        // local operation timed out
	ErrCodeCanceled       ErrorCode = "Canceled"       // context canceled
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTaskTimeout, ErrCodeEngineError, ErrCodeTimeout:
		return CategoryTransient

	case ErrCodeRegistrationConflict, ErrCodeUnknownEngine, ErrCodeUnknownTask,
		ErrCodeInvalidDependency, ErrCodeImpossibleDependency, ErrCodeTaskAborted,
		ErrCodeCulled, ErrCodeDuplicateRecord, ErrCodeInvalidRequest, ErrCodeUnsupported, ErrCodeRemote,
		ErrCodeCanceled:
		return CategoryPermanent

	case ErrCodeStoreError:
		return CategoryResource

	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

// Known reports whether c is one of the codes defined here.
func (c ErrorCode) Known() bool {
	_, ok := codeDescriptions[c]
	return ok
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeRegistrationConflict: "identity already registered",
	ErrCodeUnknownEngine:        "no such engine",
	ErrCodeUnknownTask:          "no such task",
	ErrCodeInvalidDependency:    "invalid dependency",
	ErrCodeImpossibleDependency: "dependency can never be satisfied",
	ErrCodeTaskTimeout:          "task timed out",
	ErrCodeEngineError:          "engine died while running the task",
	ErrCodeTaskAborted:          "task aborted",
	ErrCodeCulled:               "record was culled",
	ErrCodeDuplicateRecord:      "record already exists",
	ErrCodeStoreError:           "record store failure",
	ErrCodeInvalidRequest:       "invalid request",
	ErrCodeUnsupported:          "operation not supported",
	ErrCodeRemote:               "remote error",
	ErrCodeInternal:             "internal error",
	ErrCodePanic:                "recovered from panic",
	ErrCodeTimeout:              "operation timed out",
	ErrCodeCanceled:             "operation canceled",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
