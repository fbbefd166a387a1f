// Package engine runs workflow executions: the coordinator owns an
// execution's lifecycle, the dispatcher runs single nodes against
// registered handlers.
package engine

import (
	"errors"
	"fmt"
)

// Code classifies engine errors for API responses and retry decisions.
type Code string

const (
	// Configuration.
	CodeInvalidConfig     Code = "INVALID_CONFIG"
	CodeUnknownNodeType   Code = "UNKNOWN_NODE_TYPE"
	CodeInvalidDefinition Code = "INVALID_DEFINITION"

	// Data.
	CodeFlowNotFound       Code = "FLOW_NOT_FOUND"
	CodeExecutionNotFound  Code = "EXECUTION_NOT_FOUND"
	CodeNoPublishedVersion Code = "NO_PUBLISHED_VERSION"

	// State.
	CodeNotPaused       Code = "NOT_PAUSED"
	CodeAlreadyTerminal Code = "ALREADY_TERMINAL"
	CodeAlreadyActed    Code = "ALREADY_ACTED"
	CodeAlreadyResolved Code = "ALREADY_RESOLVED"
	CodeWaitMismatch    Code = "WAIT_MISMATCH"
	CodeNotRetriable    Code = "NOT_RETRIABLE"
	CodeRetryExhausted  Code = "RETRY_EXHAUSTED"

	// Auth and rate.
	CodeUnauthorized     Code = "UNAUTHORIZED"
	CodeForbidden        Code = "FORBIDDEN"
	CodeSignatureInvalid Code = "SIGNATURE_INVALID"
	CodePayloadTooLarge  Code = "PAYLOAD_TOO_LARGE"
	CodeRateLimited      Code = "RATE_LIMITED"

	// Runtime.
	CodeTimeout           Code = "TIMEOUT"
	CodeHandlerCrash      Code = "HANDLER_CRASH"
	CodeDependencyFailure Code = "DEPENDENCY_FAILURE"

	// Resource.
	CodeCredentialNotFound Code = "CREDENTIAL_NOT_FOUND"
	CodeKeyMismatch        Code = "KEY_MISMATCH"
)

// Error is a coded engine error.
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

// E builds a coded error.
func E(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the Code from an error chain, or empty.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
