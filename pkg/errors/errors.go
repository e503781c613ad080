// Package errors provides structured error types for the training engine.
// Errors carry a stable code, a category, key-value context and optional
// remediation hints.
package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// Category classifies errors for consistent handling and display.
type Category string

const (
	CategoryConfig    Category = "config"    // Unknown names, invalid values, empty inputs
	CategoryNumerical Category = "numerical" // NaN/Inf losses
	CategoryResource  Category = "resource"  // Background tasks, queues, timeouts
	CategoryInvariant Category = "invariant" // Defects: broken internal guarantees
	CategoryIO        Category = "io"        // Files, checkpoints, exports
)

// Error is a structured error with context and suggestions.
type Error struct {
	// Code is a unique identifier for this error type (e.g. "UNKNOWN_MONITOR").
	Code string

	// Category classifies this error.
	Category Category

	// Message is the primary description of what went wrong.
	Message string

	// Context provides additional key-value details.
	Context map[string]string

	// Cause is the underlying error, if any.
	Cause error

	// Suggestions are actionable remediation steps.
	Suggestions []string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a new Error with the given code, category and message.
func New(code string, category Category, message string) *Error {
	return &Error{
		Code:     code,
		Category: category,
		Message:  message,
		Context:  make(map[string]string),
	}
}

// WithContext adds a context key-value pair and returns the error for chaining.
func (e *Error) WithContext(key, value string) *Error {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithContextf adds a formatted context value.
func (e *Error) WithContextf(key, format string, args ...interface{}) *Error {
	return e.WithContext(key, fmt.Sprintf(format, args...))
}

// WithCause wraps an underlying error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithSuggestion adds a remediation suggestion.
func (e *Error) WithSuggestion(suggestion string) *Error {
	e.Suggestions = append(e.Suggestions, suggestion)
	return e
}

// ContextString returns the context entries as key="value" pairs sorted by key.
func (e *Error) ContextString() string {
	if len(e.Context) == 0 {
		return ""
	}
	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", k, e.Context[k]))
	}
	return strings.Join(parts, ", ")
}

// Wrap wraps err in a new Error.
func Wrap(err error, code string, category Category, message string) *Error {
	return New(code, category, message).WithCause(err)
}

// As extracts an *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsCode reports whether err's chain holds an *Error with the given code.
func IsCode(err error, code string) bool {
	if e, ok := As(err); ok {
		return e.Code == code
	}
	return false
}

// IsCategory reports whether err's chain holds an *Error of the given category.
func IsCategory(err error, category Category) bool {
	if e, ok := As(err); ok {
		return e.Category == category
	}
	return false
}

// -----------------------------------------------------------------------------
// Helper Constructors
// -----------------------------------------------------------------------------

// ConfigErrorf creates a configuration error with a formatted message.
func ConfigErrorf(code, format string, args ...interface{}) *Error {
	return New(code, CategoryConfig, fmt.Sprintf(format, args...))
}

// NumericalErrorf creates a numerical error with a formatted message.
func NumericalErrorf(code, format string, args ...interface{}) *Error {
	return New(code, CategoryNumerical, fmt.Sprintf(format, args...))
}

// ResourceErrorf creates a resource error with a formatted message.
func ResourceErrorf(code, format string, args ...interface{}) *Error {
	return New(code, CategoryResource, fmt.Sprintf(format, args...))
}

// InvariantErrorf creates an invariant violation with a formatted message.
func InvariantErrorf(code, format string, args ...interface{}) *Error {
	return New(code, CategoryInvariant, fmt.Sprintf(format, args...))
}

// IOErrorf creates an IO error with a formatted message.
func IOErrorf(code, format string, args ...interface{}) *Error {
	return New(code, CategoryIO, fmt.Sprintf(format, args...))
}
