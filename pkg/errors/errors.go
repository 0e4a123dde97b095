// Package errors provides a structured error system for weightfs with error codes, categories, and context.
package errors

import (
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// ErrorCode represents a structured error code for loader operations.
type ErrorCode string

// Error code constants organized by category.
const (
	// Configuration errors
	ErrCodeInvalidConfig    ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	ErrCodeConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Registration-time graph errors
	ErrCodeDuplicateLayer    ErrorCode = "DUPLICATE_LAYER"
	ErrCodeSelfDependency    ErrorCode = "SELF_DEPENDENCY"
	ErrCodeUnknownDependency ErrorCode = "UNKNOWN_DEPENDENCY"

	// Lookup errors
	ErrCodeLayerNotFound ErrorCode = "LAYER_NOT_FOUND"

	// Residency errors
	ErrCodeLayerInUse     ErrorCode = "LAYER_IN_USE"
	ErrCodeBudgetExceeded ErrorCode = "BUDGET_EXCEEDED"

	// Backing store errors
	ErrCodeBackingStore ErrorCode = "BACKING_STORE"

	// State management errors
	ErrCodeInvalidState ErrorCode = "INVALID_STATE"
	ErrCodeClosed       ErrorCode = "LOADER_CLOSED"

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// ErrorCategory represents the general category of an error.
type ErrorCategory string

const (
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryRegistration  ErrorCategory = "registration"
	CategoryLookup        ErrorCategory = "lookup"
	CategoryResidency     ErrorCategory = "residency"
	CategoryBackingStore  ErrorCategory = "backing_store"
	CategoryState         ErrorCategory = "state"
	CategoryInternal      ErrorCategory = "internal"
)

// LoaderError represents a structured error with context and metadata.
type LoaderError struct {
	Code     ErrorCode     `json:"code"`
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`

	// Contextual information
	Details   map[string]interface{} `json:"details,omitempty"`
	Cause     error                  `json:"-"` // not serialized to avoid circular refs
	Timestamp time.Time              `json:"timestamp"`

	// Operational metadata
	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`
	LayerID   int    `json:"layer_id"`

	// Error handling hints
	Retryable bool `json:"retryable"`
}

// Error implements the error interface.
func (e *LoaderError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *LoaderError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error (for errors.Is compatibility).
func (e *LoaderError) Is(target error) bool {
	if lerr, ok := target.(*LoaderError); ok {
		return e.Code == lerr.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *LoaderError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if e.LayerID >= 0 {
		parts = append(parts, fmt.Sprintf("Layer=%d", e.LayerID))
	}
	if e.Retryable {
		parts = append(parts, "Retryable=true")
	}
	if len(e.Details) > 0 {
		details, _ := json.Marshal(e.Details)
		parts = append(parts, fmt.Sprintf("Details=%s", details))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("LoaderError{%s}", strings.Join(parts, ", "))
}

// JSON returns the error as a JSON string.
func (e *LoaderError) JSON() string {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal error: %s"}`, err.Error())
	}
	return string(data)
}

// New creates a new loader error with default values.
func New(code ErrorCode, message string) *LoaderError {
	return &LoaderError{
		Code:      code,
		Category:  GetCategory(code),
		Message:   message,
		Timestamp: time.Now(),
		LayerID:   -1,
		Retryable: IsRetryableByDefault(code),
	}
}

// Newf creates a new loader error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *LoaderError {
	return New(code, fmt.Sprintf(format, args...))
}

// GetCategory determines the category based on the error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeInvalidConfig, ErrCodeConfigLoad, ErrCodeConfigValidation:
		return CategoryConfiguration
	case ErrCodeDuplicateLayer, ErrCodeSelfDependency, ErrCodeUnknownDependency:
		return CategoryRegistration
	case ErrCodeLayerNotFound:
		return CategoryLookup
	case ErrCodeLayerInUse, ErrCodeBudgetExceeded:
		return CategoryResidency
	case ErrCodeBackingStore:
		return CategoryBackingStore
	case ErrCodeInvalidState, ErrCodeClosed:
		return CategoryState
	default:
		return CategoryInternal
	}
}

// IsRetryableByDefault determines if an error is retryable by default.
// A backing-store failure leaves the layer in a stable state, so retry is
// always safe; the residency errors are recoverable by the caller shedding
// load or unloading dependents first.
func IsRetryableByDefault(code ErrorCode) bool {
	switch code {
	case ErrCodeBackingStore, ErrCodeLayerInUse, ErrCodeBudgetExceeded:
		return true
	}
	return false
}

// WithDetail adds detailed information to an error.
func (e *LoaderError) WithDetail(key string, value interface{}) *LoaderError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithComponent sets the component for an error.
func (e *LoaderError) WithComponent(component string) *LoaderError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error.
func (e *LoaderError) WithOperation(operation string) *LoaderError {
	e.Operation = operation
	return e
}

// WithLayer attaches the layer id the error concerns.
func (e *LoaderError) WithLayer(id int) *LoaderError {
	e.LayerID = id
	return e
}

// WithCause sets the underlying cause.
func (e *LoaderError) WithCause(cause error) *LoaderError {
	e.Cause = cause
	return e
}

// CodeOf extracts the error code from err, or ErrCodeInternal when err is not
// a structured loader error.
func CodeOf(err error) ErrorCode {
	if lerr, ok := err.(*LoaderError); ok {
		return lerr.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	lerr, ok := err.(*LoaderError)
	return ok && lerr.Code == code
}
