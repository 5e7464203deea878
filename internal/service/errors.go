package service

import "fmt"

// deviceNotFoundError is returned for a device id outside the monitored range.
type deviceNotFoundError struct{ id int }

func (e deviceNotFoundError) Error() string {
	return fmt.Sprintf("device %d not found", e.id)
}

// ErrDeviceNotFound constructs a device-not-found error for the given id.
func ErrDeviceNotFound(id int) error { return deviceNotFoundError{id: id} }

// IsDeviceNotFound reports whether err indicates an unknown device id.
func IsDeviceNotFound(err error) bool {
	_, ok := err.(deviceNotFoundError)
	return ok
}

// noProjectionError is returned when the active profile has too little
// history to fit a trend line.
type noProjectionError struct{ msg string }

func (e noProjectionError) Error() string { return e.msg }

// ErrNoProjection constructs an insufficient-history error.
func ErrNoProjection(msg string) error { return noProjectionError{msg: msg} }

// IsNoProjection reports whether err indicates insufficient history.
func IsNoProjection(err error) bool {
	_, ok := err.(noProjectionError)
	return ok
}

// validationError is returned for malformed request payloads.
type validationError struct{ msg string }

func (e validationError) Error() string { return e.msg }

// ErrValidation constructs a request-validation error.
func ErrValidation(msg string) error { return validationError{msg: msg} }

// IsValidation reports whether err indicates a bad request payload.
func IsValidation(err error) bool {
	_, ok := err.(validationError)
	return ok
}
