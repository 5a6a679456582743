package errors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrAlreadyExists     = errors.New("resource already exists")
	ErrValidation        = errors.New("invalid input")
	ErrInsufficientQuota = errors.New("insufficient quota")
	ErrConflict          = errors.New("concurrent update conflict")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrPersistence       = errors.New("database error")
)

// Error codes surfaced to callers that translate errors into responses.
const (
	CodeValidation        = "VALIDATION_ERROR"
	CodeNotFound          = "NOT_FOUND"
	CodeInsufficientQuota = "INSUFFICIENT_QUOTA"
	CodeConflict          = "CONFLICT"
	CodeRateLimited       = "RATE_LIMITED"
	CodeInternal          = "INTERNAL_ERROR"
)

type Error struct {
	Kind    error
	Err     error
	Message string
	Code    string
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Wrap marks err as a persistence failure.
func Wrap(err error, message string) *Error {
	return &Error{
		Kind:    ErrPersistence,
		Err:     err,
		Message: message,
		Code:    CodeInternal,
	}
}

func Validation(format string, args ...interface{}) *Error {
	return &Error{
		Kind:    ErrValidation,
		Message: fmt.Sprintf(format, args...),
		Code:    CodeValidation,
	}
}

func NotFound(format string, args ...interface{}) *Error {
	return &Error{
		Kind:    ErrNotFound,
		Message: fmt.Sprintf(format, args...),
		Code:    CodeNotFound,
	}
}

func Conflict(err error, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    ErrConflict,
		Err:     err,
		Message: fmt.Sprintf(format, args...),
		Code:    CodeConflict,
	}
}

// InsufficientQuotaError reports how much was requested against what was available.
type InsufficientQuotaError struct {
	Requested int64
	Available int64
}

func (e *InsufficientQuotaError) Error() string {
	return fmt.Sprintf("insufficient quota: requested %d, available %d", e.Requested, e.Available)
}

func (e *InsufficientQuotaError) Unwrap() error {
	return ErrInsufficientQuota
}

// RateLimitError is returned when an identifier has exhausted its window.
type RateLimitError struct {
	Endpoint          string
	RetryAfterSeconds int64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %ds", e.Endpoint, e.RetryAfterSeconds)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimitExceeded
}

func Is(err, target error) bool {
	return errors.Is(err, target)
}

func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Code maps any error produced by this module to its response code.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrInsufficientQuota):
		return CodeInsufficientQuota
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrRateLimitExceeded):
		return CodeRateLimited
	default:
		return CodeInternal
	}
}
