// Package apperrors provides the closed, machine-readable error taxonomy
// shared by the session state machine and its transport surfaces.
package apperrors

import (
	"errors"
	"fmt"
)

// Code is a machine-readable error code.
type Code string

const (
	CodeNotFound       Code = "NOT_FOUND"
	CodeForbidden      Code = "FORBIDDEN"
	CodeInvalidPhase   Code = "INVALID_PHASE"
	CodeAlreadyActed   Code = "ALREADY_ACTED"
	CodeSessionFull    Code = "SESSION_FULL"
	CodeNotParticipant Code = "NOT_PARTICIPANT"
	CodeInvalidConfig  Code = "INVALID_CONFIG"
	CodeConflict       Code = "CONFLICT"
	CodeInfrastructure Code = "INFRASTRUCTURE"
)

// Error pairs a code with a human-readable message.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf returns an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an Error carrying an underlying cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf extracts the code from err, or CodeInfrastructure for errors
// outside the taxonomy.
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInfrastructure
}

// MessageOf extracts the message from err, falling back to err.Error().
func MessageOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Message
	}
	return err.Error()
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}
