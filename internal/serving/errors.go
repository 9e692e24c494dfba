package serving

import (
	"errors"

	"runnerd/pkg/types"
)

// ErrInvalidRequest marks requests rejected before any model work.
var ErrInvalidRequest = errors.New("invalid request")

// IsInvalidRequest reports whether err was caused by a malformed request.
func IsInvalidRequest(err error) bool { return errors.Is(err, ErrInvalidRequest) }

// GenerationFailureError reports a backend failure during generation. Partial
// output of a non-streaming call is discarded.
type GenerationFailureError struct {
	Key types.ModelKey
	Err error
}

func (e GenerationFailureError) Error() string {
	return "generation with " + e.Key.String() + " failed: " + e.Err.Error()
}

func (e GenerationFailureError) Unwrap() error { return e.Err }

// IsGenerationFailure reports whether err is or wraps a GenerationFailureError.
func IsGenerationFailure(err error) bool {
	var ge GenerationFailureError
	return errors.As(err, &ge)
}
