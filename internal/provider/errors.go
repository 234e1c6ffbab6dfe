package provider

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindMissingParameter ErrorKind = "MISSING_PARAMETER" // precondition, no I/O attempted
	KindBackendRejected  ErrorKind = "BACKEND_REJECTED"  // non-2xx response
	KindTransport        ErrorKind = "TRANSPORT_ERROR"   // DNS, TLS, reset
	KindStreamDecode     ErrorKind = "STREAM_DECODE"     // recovered locally
	KindStreamRead       ErrorKind = "STREAM_READ"       // fatal
	KindStreamEvent      ErrorKind = "STREAM_EVENT"      // backend error event
	KindCancelled        ErrorKind = "CANCELLED_BY_USER" // terminal, not a failure
)

// Sentinels for errors.Is. Any *Error matches the sentinel of its Kind.
var (
	ErrMissingParameter = &Error{Kind: KindMissingParameter}
	ErrBackendRejected  = &Error{Kind: KindBackendRejected}
	ErrTransport        = &Error{Kind: KindTransport}
	ErrStreamDecode     = &Error{Kind: KindStreamDecode}
	ErrStreamRead       = &Error{Kind: KindStreamRead}
	ErrStreamEvent      = &Error{Kind: KindStreamEvent}
	ErrCancelled        = &Error{Kind: KindCancelled}
)

type Error struct {
	Kind    ErrorKind
	Message string
	// StatusCode and Body are set for BackendRejected.
	StatusCode int
	Body       string
	Cause      error
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindBackendRejected:
		return fmt.Sprintf("backend rejected request (status %d): %s", e.StatusCode, e.Body)
	case e.Cause != nil && e.Message != "":
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	case e.Cause != nil:
		return e.Cause.Error()
	case e.Message != "":
		return e.Message
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Cause == nil && t.StatusCode == 0
}

func MissingParameter(name string) *Error {
	return &Error{Kind: KindMissingParameter, Message: "missing required parameter: " + name}
}

func Transport(err error) *Error {
	return &Error{Kind: KindTransport, Message: "backend unreachable", Cause: err}
}

func StreamRead(err error) *Error {
	return &Error{Kind: KindStreamRead, Message: "reading response stream", Cause: err}
}

func StreamEvent(message string) *Error {
	return &Error{Kind: KindStreamEvent, Message: message}
}

// KindOf returns the Kind of err, or "" when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
