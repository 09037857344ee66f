package internal

import (
	"errors"
	"fmt"
)

// ErrorCode identifies the category of an install failure
type ErrorCode string

const (
	CodeUnreadableContainer ErrorCode = "UNREADABLE_CONTAINER"
	CodeAlreadyExtracted    ErrorCode = "ALREADY_EXTRACTED"
	CodeMissingBaseRomFS    ErrorCode = "MISSING_BASE_ROMFS"
	CodeAllocation          ErrorCode = "ALLOCATION"
	CodeBaseInstall         ErrorCode = "BASE_INSTALL"
	CodeIO                  ErrorCode = "IO"
	CodeCancelled           ErrorCode = "CANCELLED"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeConfig              ErrorCode = "CONFIG"
)

// InstallError is a coded error. Two InstallErrors match under errors.Is when their codes are equal,
// so the exported sentinels below can be compared against wrapped, detailed instances.
type InstallError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Wrapped error
}

var (
	ErrUnreadableContainer = &InstallError{Code: CodeUnreadableContainer, Message: "container is unreadable"}
	ErrAlreadyExtracted    = &InstallError{Code: CodeAlreadyExtracted, Message: "package is already extracted"}
	ErrMissingBaseRomFS    = &InstallError{Code: CodeMissingBaseRomFS, Message: "base RomFS is missing"}
	ErrAllocation          = &InstallError{Code: CodeAllocation, Message: "unable to reserve space"}
	ErrBaseInstall         = &InstallError{Code: CodeBaseInstall, Message: "base install rejected"}
	ErrIO                  = &InstallError{Code: CodeIO, Message: "i/o error"}
	ErrCancelled           = &InstallError{Code: CodeCancelled, Message: "install cancelled"}
	ErrNotFound            = &InstallError{Code: CodeNotFound, Message: "not found"}
	ErrConfig              = &InstallError{Code: CodeConfig, Message: "invalid configuration"}
)

// Error implements the error interface
func (e *InstallError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements the errors.Unwrap interface
func (e *InstallError) Unwrap() error {
	return e.Wrapped
}

// Is implements the errors.Is interface
func (e *InstallError) Is(target error) bool {
	var targetErr *InstallError
	if errors.As(target, &targetErr) {
		return e.Code == targetErr.Code
	}
	return false
}

// WithDetail attaches a detail to the error
func (e *InstallError) WithDetail(key string, value interface{}) *InstallError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewInstallError creates a coded error with a formatted message
func NewInstallError(code ErrorCode, format string, args ...interface{}) *InstallError {
	return &InstallError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Details: make(map[string]interface{}),
	}
}

// WrapInstallError wraps err with a code and a formatted message. Returns nil for a nil err.
func WrapInstallError(err error, code ErrorCode, format string, args ...interface{}) *InstallError {
	if err == nil {
		return nil
	}
	return &InstallError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Details: make(map[string]interface{}),
		Wrapped: err,
	}
}

// CodeOf returns the code of the first InstallError in err's chain, or "" if there is none
func CodeOf(err error) ErrorCode {
	var installErr *InstallError
	if errors.As(err, &installErr) {
		return installErr.Code
	}
	return ""
}

// ensureCode keeps an already coded error as is and wraps anything else with code
func ensureCode(err error, code ErrorCode, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	if CodeOf(err) != "" {
		return err
	}
	return WrapInstallError(err, code, format, args...)
}
