//go:build !llama

package llamacpp

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"runnerd/internal/backend"
)

// Built reports whether this binary carries the in-process engine.
const Built = false

// Loader refuses to load anything: the binary was built without the 'llama' tag.
type Loader struct {
	ContextSize int
	Threads     int
	Log         zerolog.Logger
}

func NewLoader(ctxSize, threads int, log zerolog.Logger) *Loader {
	return &Loader{ContextSize: ctxSize, Threads: threads, Log: log}
}

func (l *Loader) Load(ctx context.Context, path string, hint backend.DeviceHint) (backend.Handle, error) {
	return nil, fmt.Errorf("%w: in-process llama support not built (missing 'llama' build tag)", backend.ErrUnavailable)
}
