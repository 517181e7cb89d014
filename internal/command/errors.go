package command

import (
	"errors"
	"fmt"
)

// Code identifies the class of a command failure.
type Code string

const (
	CodeInvalidIP          Code = "invalid_ip"
	CodeAlreadyRunning     Code = "already_running"
	CodeNotRunning         Code = "not_running"
	CodeTunnelUnavailable  Code = "tunnel_unavailable"
	CodeScanFailed         Code = "scan_failed"
	CodeNetworkUnavailable Code = "network_unavailable"
	CodeInternal           Code = "internal"
)

// Error is the only error type returned by Service.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Message is the human readable part of the error.
func (e *Error) Message() string {
	if e.Err == nil {
		return string(e.Code)
	}
	return e.Err.Error()
}

func newError(code Code, err error) error {
	return &Error{Code: code, Err: err}
}

// ErrorCode returns the code of a Service error, CodeInternal for any other
// non-nil error, and "" for nil.
func ErrorCode(err error) Code {
	if err == nil {
		return ""
	}

	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Code
	}

	return CodeInternal
}
