package envelope

import (
	"errors"
	"fmt"
)

// Error codes carried on the wire and in Go errors.
const (
	CodeTimeout              = "TIMEOUT"
	CodeCancelled            = "CANCELLED"
	CodeNotConnected         = "NOT_CONNECTED"
	CodePeerUnknown          = "PEER_UNKNOWN"
	CodeTransportFailure     = "TRANSPORT_FAILURE"
	CodeNoHandler            = "NO_HANDLER"
	CodeHandlerError         = "HANDLER_ERROR"
	CodeInvalidArgument      = "INVALID_ARGUMENT"
	CodeQueueFull            = "QUEUE_FULL"
	CodeClosed               = "CLOSED"
	CodeDuplicateCorrelation = "DUPLICATE_CORRELATION"
	CodePayloadTooLarge      = "PAYLOAD_TOO_LARGE"
)

// Error is a structured error. It is both a Go error and the error detail of
// a failed Response.
type Error struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	Retryable bool        `json:"retryable"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Code + ": " + e.Message + ": " + e.cause.Error()
	}
	return e.Code + ": " + e.Message
}

// Unwrap exposes the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches another *Error by code, so sentinel values work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// NewError creates an Error; retryability follows the code.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: retryableCode(code)}
}

// Errorf creates an Error with a formatted message.
func Errorf(code, format string, args ...interface{}) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// WrapError creates an Error that unwraps to cause.
func WrapError(code, message string, cause error) *Error {
	e := NewError(code, message)
	e.cause = cause
	return e
}

// AsError converts any error into an *Error, using fallbackCode when err is
// not already structured.
func AsError(err error, fallbackCode string) *Error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	return NewError(fallbackCode, err.Error())
}

// HasCode reports whether err is an *Error with the given code.
func HasCode(err error, code string) bool {
	var be *Error
	return errors.As(err, &be) && be.Code == code
}

func retryableCode(code string) bool {
	switch code {
	case CodeTimeout, CodeNotConnected, CodePeerUnknown, CodeTransportFailure, CodeQueueFull:
		return true
	}
	return false
}
