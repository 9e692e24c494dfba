package manager

import (
	"errors"

	"runnerd/pkg/types"
)

// ModelNotFoundError reports a key with no catalog entry.
type ModelNotFoundError struct{ Key types.ModelKey }

func (e ModelNotFoundError) Error() string { return "model not found: " + e.Key.String() }

// ErrModelNotFound returns a ModelNotFoundError for key.
func ErrModelNotFound(key types.ModelKey) error { return ModelNotFoundError{Key: key} }

// IsModelNotFound reports whether err indicates a missing model.
func IsModelNotFound(err error) bool {
	var e ModelNotFoundError
	return errors.As(err, &e)
}

// LoadFailureError reports a backend that could not initialize a model.
// Failures are not cached; the next Acquire retries.
type LoadFailureError struct {
	Key types.ModelKey
	Err error
}

func (e LoadFailureError) Error() string { return "load " + e.Key.String() + ": " + e.Err.Error() }

func (e LoadFailureError) Unwrap() error { return e.Err }

// IsLoadFailure reports whether err indicates a failed load.
func IsLoadFailure(err error) bool {
	var e LoadFailureError
	return errors.As(err, &e)
}

// ModelBusyError is returned by Unload while leases on the model are outstanding.
type ModelBusyError struct {
	Key    types.ModelKey
	Active int
}

func (e ModelBusyError) Error() string { return "model in use: " + e.Key.String() }

// IsModelBusy reports whether err indicates an unload refused because of active sessions.
func IsModelBusy(err error) bool {
	var e ModelBusyError
	return errors.As(err, &e)
}

// TooBusyError signals queue timeout/overflow for 429 mapping.
type TooBusyError struct{ Key types.ModelKey }

func (e TooBusyError) Error() string { return "too busy: " + e.Key.String() }

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool {
	var e TooBusyError
	return errors.As(err, &e)
}
