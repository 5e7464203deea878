package infer

import "errors"

// oomError tags a device out-of-memory failure so the batcher's single-retry
// policy can reliably distinguish it from other inference errors.
type oomError struct{ msg string }

func (e oomError) Error() string { return e.msg }

// ErrOutOfMemory constructs an OOM-class error.
func ErrOutOfMemory(msg string) error { return oomError{msg: msg} }

// IsOOM reports whether err (or anything it wraps) is an OOM-class error.
func IsOOM(err error) bool {
	var e oomError
	return errors.As(err, &e)
}

// unavailableError signals a missing inference backend (e.g. the binary was
// built without the llama tag) so the HTTP layer can return 503 instead of 500.
type unavailableError struct{ msg string }

func (e unavailableError) Error() string { return e.msg }

// ErrUnavailable constructs an engine-unavailable error.
func ErrUnavailable(msg string) error { return unavailableError{msg: msg} }

// IsUnavailable reports whether err indicates a missing inference backend.
func IsUnavailable(err error) bool {
	var e unavailableError
	return errors.As(err, &e)
}
