// Package errorcodes defines the terminal's error taxonomy using a
// structured type. TerminalError holds a stable code and a human-readable
// description; business rejections are not errors and are carried as values.
package errorcodes

import "fmt"

// Code identifies a class of terminal failure.
type Code int

const (
	// CodeUnspecified is a transport or otherwise unclassified failure.
	CodeUnspecified Code = iota
	// CodeWrongState means the operation is invalid in the current state.
	// This indicates a caller bug, e.g. check-in while already active.
	CodeWrongState
	// CodeUnexpectedState means an internal consistency check failed,
	// e.g. the usage history desynchronized from the machine state.
	CodeUnexpectedState
	// CodeMalformedResponse means a cloud response did not match the
	// expected schema (missing or ambiguous result variant).
	CodeMalformedResponse
	// CodeNtagFailed means the tag returned a hard protocol error.
	CodeNtagFailed
	// CodeTransport means the cloud request itself failed.
	CodeTransport
	// CodeAborted means an in-flight action was cancelled, typically
	// because the tag left the field.
	CodeAborted
)

// Predefined terminal error instances.
var (
	ErrUnspecified       = TerminalError{CodeUnspecified, "unspecified failure"}
	ErrWrongState        = TerminalError{CodeWrongState, "operation invalid in current state"}
	ErrUnexpectedState   = TerminalError{CodeUnexpectedState, "internal state inconsistency"}
	ErrMalformedResponse = TerminalError{CodeMalformedResponse, "malformed cloud response"}
	ErrNtagFailed        = TerminalError{CodeNtagFailed, "tag protocol failure"}
	ErrTransport         = TerminalError{CodeTransport, "cloud transport failure"}
	ErrAborted           = TerminalError{CodeAborted, "action aborted"}
)

// TerminalError represents a terminal failure with its code and description.
type TerminalError struct {
	Code        Code
	Description string
}

// Error implements the error interface.
func (e TerminalError) Error() string {
	return e.Description
}

// Is lets errors.Is match by code so wrapped instances still compare.
func (e TerminalError) Is(target error) bool {
	other, ok := target.(TerminalError)

	return ok && other.Code == e.Code
}

// Wrap annotates an underlying cause while keeping the code matchable.
func (e TerminalError) Wrap(cause error) error {
	if cause == nil {
		return e
	}

	return fmt.Errorf("%w: %w", e, cause)
}

// String returns the code name for logging.
func (c Code) String() string {
	switch c {
	case CodeUnspecified:
		return "unspecified"
	case CodeWrongState:
		return "wrong_state"
	case CodeUnexpectedState:
		return "unexpected_state"
	case CodeMalformedResponse:
		return "malformed_response"
	case CodeNtagFailed:
		return "ntag_failed"
	case CodeTransport:
		return "transport"
	case CodeAborted:
		return "aborted"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}
