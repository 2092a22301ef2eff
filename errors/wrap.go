package errors

import (
	"context"
	"errors"
	"fmt"
)

// Wrap adds context to err while preserving the chain.
// A wrapped *Error keeps its code; context errors become TIMEOUT or
// CANCELED; anything else becomes INTERNAL. Wrap(nil) returns nil.
func Wrap(err error, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}

	var agentErr *Error
	if errors.As(err, &agentErr) {
		wrapped := &Error{
			code:      agentErr.code,
			category:  agentErr.category,
			message:   message,
			cause:     err,
			metadata:  agentErr.Metadata(),
			retryable: agentErr.retryable,
			timestamp: agentErr.timestamp,
			agentID:   agentErr.agentID,
		}
		for _, opt := range opts {
			opt(wrapped)
		}
		return wrapped
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return New(ErrCodeTimeout, message, append(opts, WithCause(err))...)
	}
	if errors.Is(err, context.Canceled) {
		return New(ErrCodeCanceled, message, append(opts, WithCause(err))...)
	}
	return New(ErrCodeInternal, message, append(opts, WithCause(err))...)
}

// Wrapf wraps err with a formatted message.
func Wrapf(err error, format string, args ...interface{}) *Error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// WrapWithCode wraps err under an explicit code.
func WrapWithCode(err error, code ErrorCode, message string, opts ...Option) *Error {
	if err == nil {
		return nil
	}
	return New(code, message, append(opts, WithCause(err))...)
}

// As extracts the outermost *Error from the chain.
func As(err error) (*Error, bool) {
	var agentErr *Error
	if errors.As(err, &agentErr) {
		return agentErr, true
	}
	return nil, false
}

// Is reports whether the outermost *Error in the chain has the given code.
func Is(err error, code ErrorCode) bool {
	if agentErr, ok := As(err); ok {
		return agentErr.code == code
	}
	return false
}

// CodeOf returns the code of err, or "" when err carries none.
func CodeOf(err error) ErrorCode {
	if agentErr, ok := As(err); ok {
		return agentErr.code
	}
	return ""
}

// IsRetryable reports whether err is an *Error marked retryable.
func IsRetryable(err error) bool {
	if agentErr, ok := As(err); ok {
		return agentErr.Retryable()
	}
	return false
}

// Join combines errors, dropping nils.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
