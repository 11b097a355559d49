package models

import (
	"errors"
	"fmt"
)

// ErrorKind is the machine-readable category of a pipeline failure.
type ErrorKind string

const (
	KindNotFound                 ErrorKind = "NotFound"
	KindRetrievalTimeout         ErrorKind = "RetrievalTimeout"
	KindMalformedReasoningOutput ErrorKind = "MalformedReasoningOutput"
	KindReasoningTimeout         ErrorKind = "ReasoningTimeout"
	KindReasoningFailed          ErrorKind = "ReasoningFailed"
	KindIncidentNotObserved      ErrorKind = "IncidentNotObserved"
	KindInvalidFaultSpec         ErrorKind = "InvalidFaultSpec"
	KindInvalidRequest           ErrorKind = "InvalidRequest"
	KindInternal                 ErrorKind = "Internal"
)

// Error carries an ErrorKind alongside a message and an optional cause.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

// NewError builds an Error of the given kind with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError builds an Error of the given kind around cause.
func WrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Msg == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below can be used
// with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNotFound                 = &Error{Kind: KindNotFound}
	ErrRetrievalTimeout         = &Error{Kind: KindRetrievalTimeout}
	ErrMalformedReasoningOutput = &Error{Kind: KindMalformedReasoningOutput}
	ErrReasoningTimeout         = &Error{Kind: KindReasoningTimeout}
	ErrReasoningFailed          = &Error{Kind: KindReasoningFailed}
	ErrIncidentNotObserved      = &Error{Kind: KindIncidentNotObserved}
	ErrInvalidFaultSpec         = &Error{Kind: KindInvalidFaultSpec}
	ErrInvalidRequest           = &Error{Kind: KindInvalidRequest}
)

// KindOf extracts the ErrorKind from err, or KindInternal when err carries none.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
