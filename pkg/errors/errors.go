package errors

import (
	stderrors "errors"
	"fmt"
)

// StoreError represents a store-specific error
type StoreError struct {
	Code    int
	Message string
	Cause   error
}

func (e StoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("store error %d: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("store error %d: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e StoreError) Unwrap() error {
	return e.Cause
}

// Is matches any StoreError carrying the same code, so the sentinels below
// work with errors.Is
func (e StoreError) Is(target error) bool {
	var other StoreError
	if !stderrors.As(target, &other) {
		return false
	}
	return other.Message == "" && other.Code == e.Code
}

// Error codes
const (
	ErrCodeUnknown     = 0
	ErrCodeRange       = 1000
	ErrCodeCapacity    = 1100
	ErrCodeState       = 2000
	ErrCodeIntegrity   = 3000
	ErrCodeUnsupported = 4000
)

// Sentinels for errors.Is
var (
	ErrRange       error = StoreError{Code: ErrCodeRange}
	ErrCapacity    error = StoreError{Code: ErrCodeCapacity}
	ErrState       error = StoreError{Code: ErrCodeState}
	ErrIntegrity   error = StoreError{Code: ErrCodeIntegrity}
	ErrUnsupported error = StoreError{Code: ErrCodeUnsupported}
)

// NewStoreError creates a new store error
func NewStoreError(code int, message string, cause error) error {
	return StoreError{Code: code, Message: message, Cause: cause}
}

// NewRangeError creates a range error
func NewRangeError(format string, args ...any) error {
	return NewStoreError(ErrCodeRange, fmt.Sprintf(format, args...), nil)
}

// NewCapacityError creates a capacity error
func NewCapacityError(format string, args ...any) error {
	return NewStoreError(ErrCodeCapacity, fmt.Sprintf(format, args...), nil)
}

// NewStateError creates a state error
func NewStateError(format string, args ...any) error {
	return NewStoreError(ErrCodeState, fmt.Sprintf(format, args...), nil)
}

// NewIntegrityError creates an integrity error
func NewIntegrityError(format string, args ...any) error {
	return NewStoreError(ErrCodeIntegrity, fmt.Sprintf(format, args...), nil)
}

// NewUnsupportedError creates an unsupported-operation error
func NewUnsupportedError(format string, args ...any) error {
	return NewStoreError(ErrCodeUnsupported, fmt.Sprintf(format, args...), nil)
}

// Code extracts the error code, ErrCodeUnknown for foreign errors
func Code(err error) int {
	var se StoreError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return ErrCodeUnknown
}
