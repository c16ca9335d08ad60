package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the fleet core.
type ErrorCode string

// Caller errors
const (
	ErrValidation       ErrorCode = "VALIDATION"
	ErrInvalidPartition ErrorCode = "INVALID_PARTITION"
	ErrNotFound         ErrorCode = "NOT_FOUND"
	ErrAccessDenied     ErrorCode = "ACCESS_DENIED"
)

// Agent and task error codes
const (
	ErrInitialization    ErrorCode = "INITIALIZATION"
	ErrTimeout           ErrorCode = "TIMEOUT"
	ErrTask              ErrorCode = "TASK"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
)

// Fleet-wide error codes
const (
	ErrStorage      ErrorCode = "STORAGE"
	ErrFleetFaulted ErrorCode = "FLEET_FAULTED"
	ErrBusClosed    ErrorCode = "BUS_CLOSED"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// NewValidationError 输入校验失败
func NewValidationError(format string, args ...any) *Error {
	return NewError(ErrValidation, fmt.Sprintf(format, args...))
}

// NewAccessDeniedError 访问级别不足
func NewAccessDeniedError(format string, args ...any) *Error {
	return NewError(ErrAccessDenied, fmt.Sprintf(format, args...))
}

// NewNotFoundError 条目不存在
func NewNotFoundError(format string, args ...any) *Error {
	return NewError(ErrNotFound, fmt.Sprintf(format, args...))
}

// NewInitializationError Agent 初始化失败
func NewInitializationError(message string, cause error) *Error {
	return NewError(ErrInitialization, message).WithCause(cause)
}

// NewStorageError 存储引擎故障（fleet 级致命错误）
func NewStorageError(message string, cause error) *Error {
	return NewError(ErrStorage, message).WithCause(cause)
}

// NewTimeoutError 超过截止时间，默认可重试
func NewTimeoutError(message string, cause error) *Error {
	return NewError(ErrTimeout, message).WithCause(cause).WithRetryable(true)
}

// NewTaskError Agent 上报的任务失败
func NewTaskError(message string, cause error, retryable bool) *Error {
	return NewError(ErrTask, message).WithCause(cause).WithRetryable(retryable)
}

// AsError extracts a *Error from the error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsErrorCode reports whether any *Error in the chain carries code.
func IsErrorCode(err error, code ErrorCode) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}
