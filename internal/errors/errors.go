// Package errors classifies pipeline failures so the HTTP boundary can map
// them to a status code and a generic, client-safe message.
package errors

import (
	"errors"
	"net/http"
)

type Category string

const (
	CategoryValidation  Category = "validation_error"
	CategoryRateLimited Category = "rate_limited"
	CategoryInternal    Category = "internal_error"
	CategoryUnavailable Category = "service_unavailable"
)

const (
	CodeQueryInvalid         = "query_invalid"
	CodeGuardBlocked         = "guard_blocked"
	CodeRateLimited          = "rate_limited"
	CodeStoreUnavailable     = "ratelimit_store_unavailable"
	CodeConfigurationMissing = "configuration_missing"
	CodeDimensionMismatch    = "embedding_dimension_mismatch"
	CodeRetrievalFailed      = "retrieval_failed"
	CodeGenerationFailed     = "generation_failed"
)

type classifiedError struct {
	category  Category
	code      string
	hint      string
	field     string
	retryable bool
	cause     error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return "unknown error"
	}
	return e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

func (e *classifiedError) Category() Category {
	return e.category
}

func (e *classifiedError) Code() string {
	return e.code
}

func (e *classifiedError) Hint() string {
	return e.hint
}

func (e *classifiedError) Retryable() bool {
	return e.retryable
}

// Wrap attaches a category, a machine code and a client-safe hint to cause.
// The hint is the only text that may reach a response body.
func Wrap(cause error, category Category, code, hint string, retryable bool) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{
		category:  category,
		code:      code,
		hint:      hint,
		retryable: retryable,
		cause:     cause,
	}
}

// New builds a classified error whose cause carries msg.
func New(category Category, code, msg string) error {
	return Wrap(errors.New(msg), category, code, msg, false)
}

// Invalid is a validation error bound to a request field.
func Invalid(field, msg string) error {
	return Reject(field, CodeQueryInvalid, msg)
}

// Reject is Invalid with a specific code.
func Reject(field, code, msg string) error {
	return &classifiedError{
		category: CategoryValidation,
		code:     code,
		hint:     msg,
		field:    field,
		cause:    errors.New(msg),
	}
}

func CategoryOf(err error) Category {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.category
	}
	return ""
}

func CodeOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.code
	}
	return ""
}

func HintOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.hint
	}
	return ""
}

func FieldOf(err error) string {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.field
	}
	return ""
}

func RetryableOf(err error) bool {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.retryable
	}
	return false
}

// HTTPStatus maps a category to its response status. Unclassified errors
// are internal.
func HTTPStatus(c Category) int {
	switch c {
	case CategoryValidation:
		return http.StatusBadRequest
	case CategoryRateLimited:
		return http.StatusTooManyRequests
	case CategoryUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
