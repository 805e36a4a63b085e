package errors

import (
	"fmt"
)

// TransitError represents an error that can be emitted to realtime clients.
type TransitError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	underlying error
}

func (e *TransitError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *TransitError) Unwrap() error {
	return e.underlying
}

// Is matches by code so singleton conflicts survive WithDetails/Wrap.
func (e *TransitError) Is(target error) bool {
	te, ok := target.(*TransitError)
	return ok && te.Code == e.Code
}

// Domain conflicts and common errors
var (
	ErrBusAlreadyControlled = &TransitError{
		Code:    "BUS_ALREADY_CONTROLLED",
		Message: "Bus is controlled by another driver",
	}

	ErrBusInTransition = &TransitError{
		Code:    "BUS_IN_TRANSITION",
		Message: "Bus ownership is transitioning",
	}

	ErrAlreadyApproved = &TransitError{
		Code:    "ALREADY_APPROVED",
		Message: "Driver is already approved",
	}

	ErrNoBusesAvailable = &TransitError{
		Code:    "NO_BUSES_AVAILABLE",
		Message: "No buses available for assignment",
	}

	ErrUnauthorized = &TransitError{
		Code:    "UNAUTHORIZED",
		Message: "Authentication failed",
	}

	ErrInvalidTransition = &TransitError{
		Code:    "INVALID_TRANSITION",
		Message: "Illegal driver state transition",
	}

	ErrTripInProgress = &TransitError{
		Code:    "TRIP_IN_PROGRESS",
		Message: "A trip is already in progress",
	}

	ErrNoActiveTrip = &TransitError{
		Code:    "NO_ACTIVE_TRIP",
		Message: "No trip in progress",
	}

	ErrNotFound = &TransitError{
		Code:    "NOT_FOUND",
		Message: "Not found",
	}
)

// New creates a new TransitError
func New(code, message string) *TransitError {
	return &TransitError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with additional context
func Wrap(err error, code, message string) *TransitError {
	return &TransitError{
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// WithDetails adds details to the error
func (e *TransitError) WithDetails(details string) *TransitError {
	return &TransitError{
		Code:       e.Code,
		Message:    e.Message,
		Details:    details,
		underlying: e.underlying,
	}
}

// IsTransitError checks if an error is a TransitError
func IsTransitError(err error) (*TransitError, bool) {
	if te, ok := err.(*TransitError); ok {
		return te, true
	}
	return nil, false
}
