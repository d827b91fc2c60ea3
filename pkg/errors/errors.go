package errors

import (
	"context"
	"errors"
	"fmt"
)

// ErrorType represents different categories of supervisor errors
type ErrorType string

const (
	ErrorTypeContractViolation ErrorType = "contract_violation"
	ErrorTypeInitialization    ErrorType = "initialization"
	ErrorTypeStep              ErrorType = "step"
	ErrorTypeHealthCheck       ErrorType = "health_check"
	ErrorTypeTimeout           ErrorType = "timeout"
	ErrorTypeCancelled         ErrorType = "cancelled"
	ErrorTypeValidation        ErrorType = "validation"
	ErrorTypeNotFound          ErrorType = "not_found"
	ErrorTypeConflict          ErrorType = "conflict"
	ErrorTypeIO                ErrorType = "io"
	ErrorTypeNetwork           ErrorType = "network"
	ErrorTypeInternal          ErrorType = "internal"
)

// DomainError represents a structured error with type and context.
// Fatal marks the error as non-retryable regardless of its type.
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
	Fatal   bool
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is checks if the error is of a specific type
func (e *DomainError) Is(target error) bool {
	if other, ok := target.(*DomainError); ok {
		return e.Type == other.Type
	}
	return false
}

// WithContext adds context information to the error
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// AsFatal marks the error as fatal and returns it
func (e *DomainError) AsFatal() *DomainError {
	e.Fatal = true
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// Lifecycle errors
func NewContractViolationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeContractViolation, message, cause)
}

func NewInitializationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInitialization, message, cause)
}

func NewStepError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeStep, message, cause)
}

func NewHealthCheckError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeHealthCheck, message, cause)
}

// Registry errors
func NewValidationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, cause)
}

func NewNotFoundError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNotFound, message, cause)
}

func NewConflictError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeConflict, message, cause)
}

// System errors
func NewTimeoutError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeTimeout, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCancelled, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeIO, message, cause)
}

func NewNetworkError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNetwork, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInternal, message, cause)
}

// Fatal wraps err so that the supervisor treats it as non-retryable.
// Unit implementations use it to report programming errors or invalid device state.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) && domainErr.Fatal {
		return err
	}
	return &DomainError{
		Type:    ErrorTypeStep,
		Message: "fatal",
		Cause:   err,
		Context: make(map[string]interface{}),
		Fatal:   true,
	}
}

// Error checking helpers
func IsContractViolationError(err error) bool {
	return hasType(err, ErrorTypeContractViolation)
}

func IsInitializationError(err error) bool {
	return hasType(err, ErrorTypeInitialization)
}

func IsStepError(err error) bool {
	return hasType(err, ErrorTypeStep)
}

func IsHealthCheckError(err error) bool {
	return hasType(err, ErrorTypeHealthCheck)
}

func IsTimeoutError(err error) bool {
	return hasType(err, ErrorTypeTimeout)
}

func IsCancelledError(err error) bool {
	return hasType(err, ErrorTypeCancelled)
}

func IsValidationError(err error) bool {
	return hasType(err, ErrorTypeValidation)
}

func IsNotFoundError(err error) bool {
	return hasType(err, ErrorTypeNotFound)
}

func IsConflictError(err error) bool {
	return hasType(err, ErrorTypeConflict)
}

func IsIOError(err error) bool {
	return hasType(err, ErrorTypeIO)
}

func IsNetworkError(err error) bool {
	return hasType(err, ErrorTypeNetwork)
}

func IsInternalError(err error) bool {
	return hasType(err, ErrorTypeInternal)
}

// hasType walks the whole chain, so a step error wrapping a timeout reports both types
func hasType(err error, errorType ErrorType) bool {
	for err != nil {
		if domainErr, ok := err.(*DomainError); ok && domainErr.Type == errorType {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// IsCancellation reports whether err stems from context cancellation rather than a unit failure
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || IsCancelledError(err)
}

// IsFatal reports whether err must not be retried: explicitly marked errors,
// contract violations, validation and internal errors.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if domainErr, ok := e.(*DomainError); ok {
			if domainErr.Fatal {
				return true
			}
			switch domainErr.Type {
			case ErrorTypeContractViolation, ErrorTypeValidation, ErrorTypeInternal:
				return true
			}
		}
	}
	return false
}

// IsRetryable reports whether err is a transient failure worth another attempt
func IsRetryable(err error) bool {
	if err == nil || IsCancellation(err) {
		return false
	}
	return !IsFatal(err)
}

// KindOf returns the outermost domain error type, or an empty type for foreign errors
func KindOf(err error) ErrorType {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Type
	}
	return ""
}

// Error aggregation for bulk operations
type ErrorCollection struct {
	Errors []error
}

func (e *ErrorCollection) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred: %v", len(e.Errors), e.Errors[0])
}

func (e *ErrorCollection) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

func (e *ErrorCollection) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ErrorCollection) ToError() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

// NewErrorCollection creates a new error collection
func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{
		Errors: make([]error, 0),
	}
}
