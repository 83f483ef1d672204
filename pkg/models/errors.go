package models

import (
	"errors"
	"fmt"
)

// ErrorKind is the stable category of a surfaced failure
type ErrorKind string

const (
	ConfigError    ErrorKind = "config_error"
	ConnectError   ErrorKind = "connect_error"
	StreamingError ErrorKind = "streaming_error"
	EncoderError   ErrorKind = "encoder_error"
	HandleNotFound ErrorKind = "handle_not_found"
	RangeError     ErrorKind = "range_error"
	StateError     ErrorKind = "state_error"
)

// Cause narrows an ErrorKind and doubles as the reason of a failed session
type Cause string

const (
	CauseInvalidConfig     Cause = "invalid_config"
	CauseConnectTimeout    Cause = "connect_timeout"
	CauseAuthRejected      Cause = "auth_rejected"
	CauseConnectFailed     Cause = "connect_failed"
	CauseConnectionLost    Cause = "connection_lost"
	CauseEncoderInitFailed Cause = "encoder_init_failed"
	CauseEncoderFailure    Cause = "encoder_failure"
	CauseAlreadyActive     Cause = "already_active"
	CauseSessionEnded      Cause = "session_ended"
)

// Error is the error type surfaced across the control boundary.
// errors.Is matches on Kind, and on Cause when the target sets one.
type Error struct {
	Kind   ErrorKind
	Cause  Cause
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Cause != "" {
		msg += " (" + string(e.Cause) + ")"
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Cause == "" || t.Cause == e.Cause)
}

var (
	ErrInvalidConfig  = &Error{Kind: ConfigError}
	ErrRange          = &Error{Kind: RangeError}
	ErrHandleNotFound = &Error{Kind: HandleNotFound, Detail: "no session for handle"}
	ErrAlreadyActive  = &Error{Kind: StateError, Cause: CauseAlreadyActive, Detail: "session is not idle"}
	ErrSessionEnded   = &Error{Kind: StateError, Cause: CauseSessionEnded, Detail: "session already ended, open a new one"}
)

// NewError builds an Error with a formatted detail
func NewError(kind ErrorKind, cause Cause, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Cause: cause, Detail: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the kind of err, or "" when err is not an *Error
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CauseOf extracts the cause of err, or "" when err is not an *Error
func CauseOf(err error) Cause {
	var e *Error
	if errors.As(err, &e) {
		return e.Cause
	}
	return ""
}
