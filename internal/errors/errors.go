package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Base error types
var (
	ErrTransport            = errors.New("transport failure")
	ErrDecode               = errors.New("decode failure")
	ErrInput                = errors.New("invalid input")
	ErrConfirmationDeclined = errors.New("confirmation declined")
	ErrRemoteExecution      = errors.New("remote execution failed")
	ErrUnauthorized         = errors.New("unauthorized")
)

// Kind represents the category of error
type Kind string

const (
	KindTransport Kind = "transport"
	KindDecode    Kind = "decode"
	KindInput     Kind = "input"
	KindDeclined  Kind = "declined"
	KindRemote    Kind = "remote"
)

// Exit codes returned by the CLI.
const (
	ExitOK             = 0
	ExitFailure        = 1
	ExitPartialFailure = 2
)

// Error is a structured error carrying the operation and the endpoint or host
// it concerns.
type Error struct {
	Kind       Kind
	Op         string // Operation that failed (e.g., "query", "exec")
	Target     string // Endpoint path or host address
	Err        error
	StatusCode int // HTTP status code if applicable
}

func (e *Error) Error() string {
	msg := e.Op + " failed"
	if e.Target != "" {
		msg = fmt.Sprintf("%s failed on %s", e.Op, e.Target)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrTransport:
		return e.Kind == KindTransport
	case ErrDecode:
		return e.Kind == KindDecode
	case ErrInput:
		return e.Kind == KindInput
	case ErrConfirmationDeclined:
		return e.Kind == KindDeclined
	case ErrRemoteExecution:
		return e.Kind == KindRemote
	case ErrUnauthorized:
		if e.StatusCode == 401 || e.StatusCode == 403 {
			return true
		}
	}

	return errors.Is(e.Err, target)
}

// New creates a new Error
func New(kind Kind, op, target string, err error) *Error {
	return &Error{
		Kind:   kind,
		Op:     op,
		Target: target,
		Err:    err,
	}
}

// WithStatusCode adds HTTP status code to the error
func (e *Error) WithStatusCode(code int) *Error {
	e.StatusCode = code
	return e
}

// Transport wraps a network, timeout or auth failure reaching an endpoint or host.
func Transport(op, target string, err error) *Error {
	return New(KindTransport, op, target, err)
}

// Decode wraps a malformed or incomplete API payload.
func Decode(op, target string, err error) *Error {
	return New(KindDecode, op, target, err)
}

// Input reports bad user input detected before any side effect.
func Input(op, format string, args ...any) *Error {
	return New(KindInput, op, "", fmt.Errorf(format, args...))
}

// Remote wraps a per-host failure during fanout.
func Remote(target string, err error) *Error {
	return New(KindRemote, "exec", target, err)
}

// Declined reports that the user refused an interactive confirmation.
func Declined(prompt string) *Error {
	return New(KindDeclined, "confirm", "", fmt.Errorf("user answered no to %q", prompt))
}

// IsAuth reports whether err looks like an authentication failure.
func IsAuth(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnauthorized) {
		return true
	}

	errMsg := strings.ToLower(err.Error())
	return strings.Contains(errMsg, "unable to authenticate") ||
		strings.Contains(errMsg, "authentication failed") ||
		strings.Contains(errMsg, "permission denied")
}

// ExitCode maps an error returned by a command to a process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	if errors.Is(err, ErrRemoteExecution) {
		return ExitPartialFailure
	}
	return ExitFailure
}
