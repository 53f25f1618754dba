package engine

import (
	"errors"
	"fmt"
)

// ErrorClass classifies a convergence failure for reporting and recovery.
type ErrorClass string

const (
	// ErrorClassConfig indicates invalid or inconsistent desired state.
	// Config errors abort a batch before any side effect.
	ErrorClassConfig ErrorClass = "config"

	// ErrorClassDriver indicates a hypervisor operation failed.
	// A later converge retries from the recorded stage.
	ErrorClassDriver ErrorClass = "driver"

	// ErrorClassReadiness indicates a health gate exhausted its retry
	// budget while the resource was otherwise converged.
	ErrorClassReadiness ErrorClass = "readiness"

	// ErrorClassHostInvariant indicates a host-level precondition that no
	// amount of retrying will fix, such as a missing identity mapping
	// after a verification start/stop cycle.
	ErrorClassHostInvariant ErrorClass = "host-invariant"
)

// ConvergeError is a classified error with resource and stage context.
type ConvergeError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Resource is the resource identifier, if applicable.
	Resource int `json:"resource,omitempty"`

	// Stage is the pipeline stage being established when the error
	// occurred.
	Stage Stage `json:"stage,omitempty"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *ConvergeError) Error() string {
	if e.Resource != 0 && e.Stage != "" {
		return fmt.Sprintf("[%s] %s (resource=%d, stage=%s)%s",
			e.Class, e.Message, e.Resource, e.Stage, e.unwrapSuffix())
	}
	if e.Resource != 0 {
		return fmt.Sprintf("[%s] %s (resource=%d)%s",
			e.Class, e.Message, e.Resource, e.unwrapSuffix())
	}
	return fmt.Sprintf("[%s] %s%s", e.Class, e.Message, e.unwrapSuffix())
}

// Unwrap returns the underlying error for error chain inspection.
func (e *ConvergeError) Unwrap() error {
	return e.Err
}

func (e *ConvergeError) unwrapSuffix() string {
	if e.Err != nil {
		return ": " + e.Err.Error()
	}
	return ""
}

// NewConfigError creates a configuration error.
func NewConfigError(message string, err error) *ConvergeError {
	return &ConvergeError{Class: ErrorClassConfig, Message: message, Err: err}
}

// NewDriverError creates a hypervisor operation error.
func NewDriverError(message string, err error) *ConvergeError {
	return &ConvergeError{Class: ErrorClassDriver, Message: message, Err: err}
}

// NewReadinessError creates a health gate exhaustion error.
func NewReadinessError(message string, err error) *ConvergeError {
	return &ConvergeError{Class: ErrorClassReadiness, Message: message, Err: err}
}

// NewHostInvariantError creates a host precondition error.
func NewHostInvariantError(message string, err error) *ConvergeError {
	return &ConvergeError{Class: ErrorClassHostInvariant, Message: message, Err: err}
}

// WithResource adds resource context to an error.
func (e *ConvergeError) WithResource(id int) *ConvergeError {
	e.Resource = id
	return e
}

// WithStage adds stage context to an error.
func (e *ConvergeError) WithStage(stage Stage) *ConvergeError {
	e.Stage = stage
	return e
}

// WithDetail adds a detail field to the error context.
func (e *ConvergeError) WithDetail(key string, value interface{}) *ConvergeError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the classification of err, or ErrorClassDriver when the
// error carries no classification of its own.
func ClassOf(err error) ErrorClass {
	var e *ConvergeError
	if errors.As(err, &e) {
		return e.Class
	}
	return ErrorClassDriver
}

// IsConfig returns true if the error is classified as a config error.
func IsConfig(err error) bool {
	var e *ConvergeError
	return errors.As(err, &e) && e.Class == ErrorClassConfig
}

// IsDriver returns true if the error is classified as a driver error.
func IsDriver(err error) bool {
	var e *ConvergeError
	return errors.As(err, &e) && e.Class == ErrorClassDriver
}

// IsReadiness returns true if the error is classified as a readiness error.
func IsReadiness(err error) bool {
	var e *ConvergeError
	return errors.As(err, &e) && e.Class == ErrorClassReadiness
}

// IsHostInvariant returns true if the error is classified as a host
// invariant violation. These are never retried automatically.
func IsHostInvariant(err error) bool {
	var e *ConvergeError
	return errors.As(err, &e) && e.Class == ErrorClassHostInvariant
}
