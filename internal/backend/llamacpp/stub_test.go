//go:build !llama

package llamacpp

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"runnerd/internal/backend"
)

func TestStubLoaderUnavailable(t *testing.T) {
	l := NewLoader(2048, 4, zerolog.Nop())
	_, err := l.Load(context.Background(), "/models/x.gguf", backend.DeviceHint{})
	if !errors.Is(err, backend.ErrUnavailable) { t.Fatalf("err=%v", err) }
	if Built { t.Fatalf("stub must report Built=false") }
}
