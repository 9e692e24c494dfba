package manager

import (
	"context"

	"github.com/google/uuid"

	"runnerd/pkg/types"
)

// Preload kicks off an asynchronous load and returns an operation id. The
// load is detached from ctx so it outlives the request that triggered it;
// callers can poll Status to observe it.
func (m *Manager) Preload(ctx context.Context, key types.ModelKey) string {
	op := uuid.NewString()
	go func() {
		l, err := m.Acquire(context.WithoutCancel(ctx), key)
		if err != nil {
			m.log.Warn().Str("event", "preload_failed").Str("op", op).Str("model", key.String()).Err(err).Msg("preload failed")
			return
		}
		l.Release()
		m.log.Debug().Str("event", "preload_done").Str("op", op).Str("model", key.String()).Msg("preload complete")
	}()
	return op
}
