package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for lifecycle dispatch.
// Callers inspect the class with an explicit switch instead of matching on
// concrete error types.
type ErrorClass string

const (
	// ErrorClassProviderInit indicates an execution provider failed to come up.
	// Non-fatal: the fallback policy disables the affected role.
	ErrorClassProviderInit ErrorClass = "provider_init"

	// ErrorClassTeardown indicates a recoverable error raised during shutdown.
	// Logged and swallowed, never propagated out of the shutdown sequence.
	ErrorClassTeardown ErrorClass = "teardown"

	// ErrorClassAbort indicates the current operation is being abandoned by a
	// higher-priority interruption. It is never suppressed.
	ErrorClassAbort ErrorClass = "abort"

	// ErrorClassTimeout indicates a bounded wait elapsed without confirmation.
	// Treated as a soft failure: the caller proceeds and records the anomaly.
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassConfig indicates invalid or unreadable settings.
	ErrorClassConfig ErrorClass = "config"

	// ErrorClassReservation indicates the address-space reservation failed.
	ErrorClassReservation ErrorClass = "reservation"
)

// ErrAbort is the distinguished abort signal. Any error wrapping it is
// classified as ErrorClassAbort.
var ErrAbort = errors.New("operation aborted")

// LifecycleError represents a classified error with lifecycle context.
type LifecycleError struct {
	// Class is the error classification used for dispatch.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Role is the execution unit role involved, if any.
	Role Role `json:"role,omitempty"`

	// Phase is the lifecycle phase during which the error occurred, if any.
	Phase string `json:"phase,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *LifecycleError) Error() string {
	var msg string
	switch {
	case e.Role != "" && e.Phase != "":
		msg = fmt.Sprintf("[%s] %s (role=%s, phase=%s)", e.Class, e.Message, e.Role, e.Phase)
	case e.Role != "":
		msg = fmt.Sprintf("[%s] %s (role=%s)", e.Class, e.Message, e.Role)
	case e.Phase != "":
		msg = fmt.Sprintf("[%s] %s (phase=%s)", e.Class, e.Message, e.Phase)
	default:
		msg = fmt.Sprintf("[%s] %s", e.Class, e.Message)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *LifecycleError) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *LifecycleError) Is(target error) bool {
	t, ok := target.(*LifecycleError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewProviderInitError creates a new provider initialization error.
func NewProviderInitError(role Role, err error) *LifecycleError {
	return &LifecycleError{
		Class:   ErrorClassProviderInit,
		Message: "provider initialization failed",
		Code:    ErrCodeProviderFailed,
		Role:    role,
		Err:     err,
	}
}

// NewTeardownError creates a new recoverable teardown error.
func NewTeardownError(message string, err error) *LifecycleError {
	return &LifecycleError{
		Class:   ErrorClassTeardown,
		Message: message,
		Err:     err,
	}
}

// NewAbortError creates a new abort error. The result always wraps ErrAbort.
func NewAbortError(message string, err error) *LifecycleError {
	if err == nil {
		err = ErrAbort
	} else if !errors.Is(err, ErrAbort) {
		err = fmt.Errorf("%w: %w", ErrAbort, err)
	}
	return &LifecycleError{
		Class:   ErrorClassAbort,
		Message: message,
		Code:    ErrCodeAborted,
		Err:     err,
	}
}

// NewTimeoutError creates a new timeout error.
func NewTimeoutError(message string, err error) *LifecycleError {
	return &LifecycleError{
		Class:   ErrorClassTimeout,
		Message: message,
		Code:    ErrCodeTimeout,
		Err:     err,
	}
}

// NewConfigError creates a new configuration error.
func NewConfigError(message string, err error) *LifecycleError {
	return &LifecycleError{
		Class:   ErrorClassConfig,
		Message: message,
		Code:    ErrCodeValidation,
		Err:     err,
	}
}

// NewReservationError creates a new memory reservation error.
func NewReservationError(message string, err error) *LifecycleError {
	return &LifecycleError{
		Class:   ErrorClassReservation,
		Message: message,
		Code:    ErrCodeReserveFailed,
		Err:     err,
	}
}

// WithRole adds role context to an error.
func (e *LifecycleError) WithRole(role Role) *LifecycleError {
	e.Role = role
	return e
}

// WithPhase adds phase context to an error.
func (e *LifecycleError) WithPhase(phase string) *LifecycleError {
	e.Phase = phase
	return e
}

// WithCode adds an error code to an error.
func (e *LifecycleError) WithCode(code string) *LifecycleError {
	e.Code = code
	return e
}

// ClassOf returns the class of err. Errors wrapping ErrAbort are always
// ErrorClassAbort regardless of the outer classification. Unclassified errors
// return the empty class.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrAbort) {
		return ErrorClassAbort
	}
	var e *LifecycleError
	if errors.As(err, &e) {
		return e.Class
	}
	return ""
}

// IsAbort returns true if the error is the abort signal.
func IsAbort(err error) bool {
	return ClassOf(err) == ErrorClassAbort
}

// IsTimeout returns true if the error is classified as a timeout.
func IsTimeout(err error) bool {
	return ClassOf(err) == ErrorClassTimeout
}

// IsProviderInit returns true if the error is a provider initialization failure.
func IsProviderInit(err error) bool {
	return ClassOf(err) == ErrorClassProviderInit
}

// IsTeardown returns true if the error is classified as a teardown error.
func IsTeardown(err error) bool {
	return ClassOf(err) == ErrorClassTeardown
}

// Common error codes.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeAborted        = "ABORTED"
	ErrCodeProviderFailed = "PROVIDER_FAILED"
	ErrCodeProviderPanic  = "PROVIDER_PANIC"
	ErrCodeNoProvider     = "NO_PROVIDER"
	ErrCodeMissingFeature = "MISSING_CPU_FEATURE"
	ErrCodeReserveFailed  = "RESERVE_FAILED"
	ErrCodeStepPanic      = "STEP_PANIC"
	ErrCodeInternal       = "INTERNAL_ERROR"
)
