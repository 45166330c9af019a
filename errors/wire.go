package errors

// ToWire returns the ename/evalue pair carried by error replies and failed
// result envelopes. Plain errors are reported as internal errors.
func ToWire(err error) (ename, evalue string) {
	if err == nil {
		return "", ""
	}
	if coded := As(err); coded != nil {
		return string(coded.code), coded.Error()
	}
	return string(ErrCodeInternal), err.Error()
}

// FromWire rebuilds an error from an ename/evalue pair. Names that are not
// taskhub codes are application errors raised on an engine; they become
// RemoteError with the original name kept in metadata.
func FromWire(ename, evalue string) *Error {
	if ename == "" && evalue == "" {
		return nil
	}
	code := ErrorCode(ename)
	if code.Known() {
		return New(code, evalue)
	}
	return New(ErrCodeRemote, evalue, WithMetadata("ename", ename))
}

// RemoteName returns the ename an application error was raised with,
// falling back to the code.
func RemoteName(err error) string {
	coded := As(err)
	if coded == nil {
		return ""
	}
	if n, ok := coded.metadata["ename"]; ok {
		return n
	}
	return string(coded.code)
}
