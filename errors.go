package queryrelay

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes used across the relay. Codes are what handlers switch on;
// the message and op exist for operators reading the logs.
const (
	// EConnection is an I/O failure or peer close. It is contained to the
	// worker that owns the connection.
	EConnection = "connection error"
	// EProtocol is a malformed frame or an undecodable query payload while a
	// filter is active. It is fatal to the process.
	EProtocol = "protocol error"
	// EConfig is a malformed configuration or an unresolvable endpoint.
	// It is fatal at startup.
	EConfig = "config error"
	// EInterrupted is a blocking queue wait cut short by shutdown.
	EInterrupted = "interrupted"
	// EInternal indicates an unexpected error condition.
	EInternal = "internal error"
)

// Error is the error type returned by relay components.
//
// To create a simple error,
//
//	&Error{
//	    Code: EConnection,
//	}
//
// To show where the error happens, add Op.
//
//	&Error{
//	    Code: EProtocol,
//	    Op:   "wire.ReadFrame",
//	}
//
// To show an error wrapped with another error.
//
//	&Error{
//	    Code: EConnection,
//	    Err:  err,
//	}
type Error struct {
	Code string
	Msg  string
	Op   string
	Err  error
}

// Error implements the error interface by writing out the recursive messages.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Msg != "" && e.Err != nil:
		b.WriteString(e.Msg)
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	case e.Msg != "":
		b.WriteString(e.Msg)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		fmt.Fprintf(&b, "<%s>", e.Code)
	}
	return b.String()
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode returns the code of the outermost *Error carrying one. An error
// that is not an *Error anywhere in its chain reports EInternal.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return EInternal
		}
		if e.Code != "" {
			return e.Code
		}
		err = e.Err
	}
	return EInternal
}

// IsFatal reports whether err must bring the process down.
func IsFatal(err error) bool {
	switch ErrorCode(err) {
	case EProtocol, EConfig:
		return true
	}
	return false
}

// ConnectionError wraps an I/O failure observed by op.
func ConnectionError(op string, err error) error {
	return &Error{Code: EConnection, Op: op, Err: err}
}

// ProtocolErrorf builds a fatal protocol error.
func ProtocolErrorf(op string, format string, args ...interface{}) error {
	return &Error{Code: EProtocol, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// ConfigErrorf builds a fatal configuration error.
func ConfigErrorf(format string, args ...interface{}) error {
	return &Error{Code: EConfig, Msg: fmt.Sprintf(format, args...)}
}

// Interrupted wraps a context error returned from a blocking queue wait.
func Interrupted(op string, err error) error {
	return &Error{Code: EInterrupted, Op: op, Err: err}
}
