package flow

import (
	"errors"
	"fmt"
)

// ErrorCode classifies authorization flow failures so callers can branch
// on them without string matching.
type ErrorCode string

const (
	CodeInvalidStateFormat ErrorCode = "invalid_state_format"
	CodeFlowIDMismatch     ErrorCode = "flow_id_mismatch"
	CodeFlowNotFound       ErrorCode = "flow_not_found"
	CodeInvalidState       ErrorCode = "invalid_state"
	CodeFlowExpired        ErrorCode = "flow_expired"
	CodeTokenExchange      ErrorCode = "token_exchange_failed"
	CodeNoRefreshToken     ErrorCode = "no_refresh_token"
	CodeTokenRefresh       ErrorCode = "token_refresh_failed"
	CodeMissingOAuthConfig ErrorCode = "missing_oauth_config"
	CodeServerNotFound     ErrorCode = "server_not_found"
	CodeLockUnavailable    ErrorCode = "lock_unavailable"
)

// Error is a flow failure with a stable code.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates an Error with the given code.
func NewError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates an Error with the given code and cause.
func WrapError(code ErrorCode, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the ErrorCode from an error chain, or "" when the error
// is not a flow error.
func CodeOf(err error) ErrorCode {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
