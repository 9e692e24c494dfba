package manager

import (
	"errors"

	"runnerd/pkg/types"
)

// Unload releases the model for key. It is a no-op when the model is not
// resident and fails with ModelBusyError while leases are outstanding.
func (m *Manager) Unload(key types.ModelKey) error {
	m.mu.Lock()
	e := m.entries[key]
	if e == nil {
		m.mu.Unlock()
		return nil
	}
	if n := e.active.Load(); n > 0 {
		m.mu.Unlock()
		m.log.Info().Str("event", EventUnloadRefused).Str("model", key.String()).Int64("active", n).Msg("unload refused; model in use")
		m.pub.Publish(Event{Name: EventUnloadRefused, ModelID: key.String(), Fields: map[string]any{"active": int(n)}})
		return ModelBusyError{Key: key, Active: int(n)}
	}
	m.removeLocked(e)
	m.mu.Unlock()

	if err := e.model.Handle.Close(); err != nil {
		m.log.Warn().Str("event", "unload_close_error").Str("model", key.String()).Err(err).Msg("closing model failed")
	}
	m.log.Info().Str("event", EventUnload).Str("model", key.String()).Msg("model unloaded")
	m.pub.Publish(Event{Name: EventUnload, ModelID: key.String(), Fields: map[string]any{}})
	return nil
}

// UnloadAll unloads every resident model that is not in use.
func (m *Manager) UnloadAll() error {
	var errs []error
	for _, key := range m.ListResident() {
		if err := m.Unload(key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
