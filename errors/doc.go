// Package errors provides the structured error taxonomy shared by the hub,
// the scheduler and the record store.
//
// # Error Categories
//
//   - Transient: retry may succeed (TaskTimeout, EngineError)
//   - Permanent: retry will not help (InvalidDependency, ImpossibleDependency, Culled)
//   - Resource: storage trouble (StoreError)
//   - Internal: bugs and recovered panics
//
// # Wire Form
//
// Error replies carry {status: "error", ename, evalue}. The ename of a
// taskhub error is its code:
//
//	ename, evalue := errors.ToWire(err)
//	err := errors.FromWire(ename, evalue)
//
// Application errors raised on an engine keep their own ename and come back
// as RemoteError.
//
// # Usage
//
//	err := errors.ImpossibleDependency(msgID, "follow targets ran on different engines")
//	if errors.Is(err, errors.ErrCodeImpossibleDependency) { ... }
//	if errors.IsRetryable(err) { ... }
package errors
