package hitl

import (
	"errors"
	"fmt"
)

// Code identifies a gateway error class. Codes are stable and appear in
// audit entries, HTTP error bodies, and alerts.
type Code string

const (
	CodeUnauthenticated Code = "SEC-001" // missing/invalid auth token
	CodeInvalidRequest  Code = "SEC-010" // request validation / duplicate trade
	CodeGuardianLocked  Code = "SEC-020" // capital-protection lock active
	CodeInvalidState    Code = "SEC-030" // invalid or stale state transition
	CodeMissingConfig   Code = "SEC-040" // required configuration absent
	CodeSlippage        Code = "SEC-050" // price stale or slippage breach
	CodeExpired         Code = "SEC-060" // approval window elapsed
	CodeHashMismatch    Code = "SEC-080" // row hash does not match record
	CodeUnauthorized    Code = "SEC-090" // operator not in authorized set
)

// CodedError is the error type crossing every gateway boundary. It carries
// the SEC code so HTTP and audit layers can map it without string matching.
type CodedError struct {
	Code          Code
	Message       string
	CorrelationID string
	Err           error
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CodedError) Unwrap() error { return e.Err }

// Errf builds a CodedError with a formatted message.
func Errf(code Code, format string, args ...interface{}) *CodedError {
	return &CodedError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WrapErr attaches a code to an underlying error.
func WrapErr(code Code, msg string, err error) *CodedError {
	return &CodedError{Code: code, Message: msg, Err: err}
}

// ErrCode extracts the SEC code from err, or "" if err is not coded.
func ErrCode(err error) Code {
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return ""
}

// IsCode reports whether err carries the given SEC code.
func IsCode(err error, code Code) bool {
	return ErrCode(err) == code
}
