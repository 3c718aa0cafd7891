package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unique error identifier
type ErrorCode string

const (
	// Authentication & Authorization
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeForbidden    ErrorCode = "FORBIDDEN"
	ErrCodeAccessDenied ErrorCode = "ACCESS_DENIED"
	ErrCodeNotEnrolled  ErrorCode = "NOT_ENROLLED"

	// Validation
	ErrCodeValidation      ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput    ErrorCode = "INVALID_INPUT"
	ErrCodeMissingRequired ErrorCode = "MISSING_REQUIRED"

	// Resource
	ErrCodeNotFound ErrorCode = "NOT_FOUND"
	ErrCodeConflict ErrorCode = "CONFLICT"

	// Credential lifecycle
	ErrCodeInvalidCode    ErrorCode = "INVALID_CODE"
	ErrCodeAlreadyUsed    ErrorCode = "ALREADY_USED"
	ErrCodeAlreadyPresent ErrorCode = "ALREADY_PRESENT"
	ErrCodeExpiredCode    ErrorCode = "EXPIRED_CODE"
	ErrCodeSessionClosed  ErrorCode = "SESSION_CLOSED"

	// Rate Limiting
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase ErrorCode = "DATABASE_ERROR"
	ErrCodeExternal ErrorCode = "EXTERNAL_SERVICE_ERROR"
)

// AppError is a structured error that can be returned to clients
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.cause
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(err error) *AppError {
	e.cause = err
	return e
}

// WithDetails adds details to the error
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// New creates a new AppError
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError
func Wrap(code ErrorCode, message string, cause error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// Common error constructors

func Unauthorized(message string) *AppError {
	return New(ErrCodeUnauthorized, message)
}

func Forbidden(message string) *AppError {
	return New(ErrCodeForbidden, message)
}

func NotFound(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource))
}

func ValidationError(message string) *AppError {
	return New(ErrCodeValidation, message)
}

func InvalidInput(field string, reason string) *AppError {
	return New(ErrCodeInvalidInput, fmt.Sprintf("Invalid %s: %s", field, reason))
}

func MissingRequired(field string) *AppError {
	return New(ErrCodeMissingRequired, fmt.Sprintf("%s is required", field))
}

func InvalidCode() *AppError {
	return New(ErrCodeInvalidCode, "Invalid attendance code")
}

func AlreadyUsed() *AppError {
	return New(ErrCodeAlreadyUsed, "Attendance code has already been used")
}

func AlreadyPresent() *AppError {
	return New(ErrCodeAlreadyPresent, "Attendance already recorded for this session")
}

func ExpiredCode() *AppError {
	return New(ErrCodeExpiredCode, "Attendance code has expired")
}

func SessionClosed() *AppError {
	return New(ErrCodeSessionClosed, "Attendance session is closed")
}

// AccessDenied reports a department/year mismatch. Both sides are returned so
// the scanning UI can explain which group the code belongs to.
func AccessDenied(studentDept, studentYear, sessionDept, sessionYear string) *AppError {
	return New(ErrCodeAccessDenied,
		fmt.Sprintf("Access denied. This code is for %s %s students only.", sessionDept, sessionYear),
	).WithDetails(map[string]string{
		"studentDepartment": studentDept,
		"studentYear":       studentYear,
		"sessionDepartment": sessionDept,
		"sessionYear":       sessionYear,
	})
}

func NotEnrolled() *AppError {
	return New(ErrCodeNotEnrolled, "Student is not enrolled in this course")
}

func RateLimitExceeded() *AppError {
	return New(ErrCodeRateLimitExceeded, "Rate limit exceeded")
}

func Internal(message string) *AppError {
	return New(ErrCodeInternal, message)
}

func Database(cause error) *AppError {
	return Wrap(ErrCodeDatabase, "Database error", cause)
}

func External(service string, cause error) *AppError {
	return Wrap(ErrCodeExternal, fmt.Sprintf("External service error: %s", service), cause)
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetCode returns the error code if the error is an AppError, otherwise returns ErrCodeInternal
func GetCode(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}
