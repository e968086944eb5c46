package changes

import (
	"errors"
	"fmt"
)

// Error classes. Every ServiceError wraps exactly one of them.
var (
	ErrBadRequest    = errors.New("bad request")
	ErrConflict      = errors.New("conflict")
	ErrAuth          = errors.New("permission denied")
	ErrNotFound      = errors.New("not found")
	ErrUnprocessable = errors.New("unprocessable entity")
	ErrCorruptMeta   = errors.New("corrupt change metadata")
)

// ServiceError carries a user facing message, an operation code and an error class.
type ServiceError struct {
	code    string
	kind    error
	message string
	cause   error
}

func (e *ServiceError) Error() string {
	if e.message != "" {
		return e.message
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.code, e.cause)
	}
	return e.code
}

func (e *ServiceError) Unwrap() []error {
	wrapped := make([]error, 0, 2)
	if e.kind != nil {
		wrapped = append(wrapped, e.kind)
	}
	if e.cause != nil {
		wrapped = append(wrapped, e.cause)
	}
	return wrapped
}

// Code returns "<operation>.<reason>".
func (e *ServiceError) Code() string {
	return e.code
}

// Kind returns the error class.
func (e *ServiceError) Kind() error {
	return e.kind
}

// NewError builds a ServiceError of the given class.
func NewError(kind error, operation, reason, message string, cause error) error {
	return &ServiceError{
		code:    fmt.Sprintf("%s.%s", operation, reason),
		kind:    kind,
		message: message,
		cause:   cause,
	}
}

func newServiceError(operation, reason string, cause error) error {
	return NewError(nil, operation, reason, "", cause)
}

func conflictf(operation, reason, format string, args ...any) error {
	return NewError(ErrConflict, operation, reason, fmt.Sprintf(format, args...), nil)
}

func badRequestf(operation, reason, format string, args ...any) error {
	return NewError(ErrBadRequest, operation, reason, fmt.Sprintf(format, args...), nil)
}

func authf(operation, reason, format string, args ...any) error {
	return NewError(ErrAuth, operation, reason, fmt.Sprintf(format, args...), nil)
}

func notFoundf(operation, reason, format string, args ...any) error {
	return NewError(ErrNotFound, operation, reason, fmt.Sprintf(format, args...), nil)
}

// IsServiceError reports whether err carries a ServiceError and returns it.
func IsServiceError(err error) (*ServiceError, bool) {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr, true
	}
	return nil, false
}
