package config

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigNotFound indicates butler.toml was not found
	ErrConfigNotFound = errors.New("configuration file not found")

	// ErrInvalidTOML indicates TOML parsing failed
	ErrInvalidTOML = errors.New("invalid TOML syntax")

	// ErrValidationFailed indicates configuration validation failed
	ErrValidationFailed = errors.New("configuration validation failed")

	// ErrModuleNotFound indicates a referenced module has no [modules.<name>] table
	ErrModuleNotFound = errors.New("module not found")

	// ErrUnknownModuleField indicates a [modules.<name>] table has a field
	// the module's declared schema does not recognize
	ErrUnknownModuleField = errors.New("unknown module config field")

	// ErrMissingRequiredField indicates a required field is missing
	ErrMissingRequiredField = errors.New("missing required field")

	// ErrInvalidValue indicates a field has an invalid value
	ErrInvalidValue = errors.New("invalid field value")

	// ErrNaiveTimestamp indicates a tz-aware boundary field was supplied
	// without a timezone offset.
	ErrNaiveTimestamp = errors.New("timestamp must be timezone-aware")
)

// ValidationError wraps configuration validation errors with context
type ValidationError struct {
	Component string // Component being validated (module, schedule, butler)
	ID        string // ID/name of the component
	Field     string // Field name (optional)
	Err       error  // Underlying error
}

// Error returns formatted error message
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s '%s': field '%s': %v", e.Component, e.ID, e.Field, e.Err)
	}
	return fmt.Sprintf("%s '%s': %v", e.Component, e.ID, e.Err)
}

// Unwrap returns the underlying error
func (e *ValidationError) Unwrap() error {
	return e.Err
}

// NewValidationError creates a new validation error
func NewValidationError(component, id, field string, err error) *ValidationError {
	return &ValidationError{
		Component: component,
		ID:        id,
		Field:     field,
		Err:       err,
	}
}

// LoadError wraps configuration loading errors with file context
type LoadError struct {
	File string // Configuration file being loaded
	Err  error  // Underlying error
}

// Error returns formatted error message
func (e *LoadError) Error() string {
	return fmt.Sprintf("failed to load %s: %v", e.File, e.Err)
}

// Unwrap returns the underlying error
func (e *LoadError) Unwrap() error {
	return e.Err
}

// NewLoadError creates a new load error
func NewLoadError(file string, err error) *LoadError {
	return &LoadError{
		File: file,
		Err:  err,
	}
}
