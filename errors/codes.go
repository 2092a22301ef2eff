package errors

// ErrorCategory classifies errors by their retry semantics.
type ErrorCategory string

const (
	// CategoryTransient marks failures where a retry may succeed.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent marks failures a retry will not fix.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource marks exhaustion of a limited resource.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal marks bugs and unexpected states.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the category name.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable reports whether errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryTransient || c == CategoryResource
}

// ErrorCode identifies a specific failure.
type ErrorCode string

const (
	ErrCodeTimeout     ErrorCode = "TIMEOUT"     // no response within deadline
	ErrCodeTransport   ErrorCode = "TRANSPORT"   // remote connection failure
	ErrCodeUnavailable ErrorCode = "UNAVAILABLE" // backend temporarily unavailable

	ErrCodeNotFound      ErrorCode = "NOT_FOUND"
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"
	ErrCodeLoadFailed    ErrorCode = "LOAD_FAILED"
	ErrCodeAlreadyExists ErrorCode = "ALREADY_EXISTS"
	ErrCodeUnsupported   ErrorCode = "UNSUPPORTED"
	ErrCodeCanceled      ErrorCode = "CANCELED"
	ErrCodeBlocked       ErrorCode = "BLOCKED" // rejected by a callback or policy

	ErrCodeRateLimit ErrorCode = "RATE_LIMITED"

	ErrCodeInternal ErrorCode = "INTERNAL"
	ErrCodePanic    ErrorCode = "PANIC"
)

// String returns the code name.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the category used when none is given.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTimeout, ErrCodeTransport, ErrCodeUnavailable:
		return CategoryTransient
	case ErrCodeNotFound, ErrCodeInvalidInput, ErrCodeLoadFailed, ErrCodeAlreadyExists,
		ErrCodeUnsupported, ErrCodeCanceled, ErrCodeBlocked:
		return CategoryPermanent
	case ErrCodeRateLimit:
		return CategoryResource
	default:
		return CategoryInternal
	}
}

var codeDescriptions = map[ErrorCode]string{
	ErrCodeTimeout:       "operation timed out",
	ErrCodeTransport:     "remote transport failure",
	ErrCodeUnavailable:   "service temporarily unavailable",
	ErrCodeNotFound:      "resource not found",
	ErrCodeInvalidInput:  "invalid input provided",
	ErrCodeLoadFailed:    "unit failed to load",
	ErrCodeAlreadyExists: "resource already exists",
	ErrCodeUnsupported:   "operation not supported",
	ErrCodeCanceled:      "operation canceled",
	ErrCodeBlocked:       "request blocked",
	ErrCodeRateLimit:     "rate limit exceeded",
	ErrCodeInternal:      "internal error",
	ErrCodePanic:         "recovered from panic",
}

// Description returns a human-readable description for the code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
