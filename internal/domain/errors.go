package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an activity cannot be located.
	ErrNotFound = errors.New("activity not found")
	// ErrForbidden is returned when a user acts on another user's activity.
	ErrForbidden = errors.New("you can only delete your own activities")
	// ErrConflict reports a unit of work aborted by the store because of a concurrent write.
	ErrConflict = errors.New("concurrency conflict")
	// ErrStoreUnavailable reports a store that could not be reached; callers may retry.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrTimeout reports a capture that could not finish within the configured bound.
	ErrTimeout = errors.New("capture timed out")
)

// Validation error codes.
const (
	CodeInvalidActivityType = "INVALID_ACTIVITY_TYPE"
	CodeInvalidCoordinates  = "INVALID_COORDINATES"
	CodeInvalidCoordinate   = "INVALID_COORDINATE"
	CodeInvalidDuration     = "INVALID_DURATION"
)

// ValidationError rejects input before any mutation.
type ValidationError struct {
	Code    string
	Message string
	// Index is the offending coordinate for CodeInvalidCoordinate, -1 otherwise.
	Index int
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func invalid(code, message string) *ValidationError {
	return &ValidationError{Code: code, Message: message, Index: -1}
}

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
