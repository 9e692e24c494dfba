package manager

import (
	"time"

	"runnerd/pkg/types"
)

// ListResident returns the keys of resident models without taking the cache
// lock. The result may lag concurrent loads and evictions.
func (m *Manager) ListResident() []types.ModelKey {
	keys := make([]types.ModelKey, 0, m.resident.Size())
	m.resident.Range(func(k types.ModelKey, _ *entry) bool {
		keys = append(keys, k)
		return true
	})
	return keys
}

// Resident returns the resident model for key without pinning it.
func (m *Manager) Resident(key types.ModelKey) (*ResidentModel, int, bool) {
	e, ok := m.resident.Load(key)
	if !ok {
		return nil, 0, false
	}
	return e.model, int(e.active.Load()), true
}

// ResidentModels returns every resident model, most recently acquired first,
// with its number of outstanding leases.
func (m *Manager) ResidentModels() ([]*ResidentModel, []int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	models := make([]*ResidentModel, 0, m.lru.Len())
	active := make([]int, 0, m.lru.Len())
	for el := m.lru.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		models = append(models, e.model)
		active = append(active, int(e.active.Load()))
	}
	return models, active
}

// Ready reports whether the cache can serve: it is not ready only while the
// first load is still in flight.
func (m *Manager) Ready() bool {
	return m.resident.Size() > 0 || m.loading.Load() == 0
}

// Status reports the residency state for /status.
func (m *Manager) Status() types.StatusResponse {
	now := time.Now()
	m.mu.Lock()
	out := make([]types.ResidentStatus, 0, m.lru.Len())
	for el := m.lru.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry)
		out = append(out, types.ResidentStatus{
			Model:          e.model.Key.String(),
			LoadedAt:       e.model.LoadedAt.Unix(),
			LastAcquired:   time.Unix(0, e.lastAcquired.Load()).Unix(),
			ActiveSessions: int(e.active.Load()),
			QueueLen:       len(e.queueCh),
			Inflight:       len(e.genCh),
			MaxQueueDepth:  m.cfg.MaxQueueDepth,
			EstMB:          e.estMB(),
		})
	}
	m.mu.Unlock()

	loading := int(m.loading.Load())
	state := "idle"
	switch {
	case loading > 0:
		state = "loading"
	case len(out) > 0:
		state = "ready"
	}
	resp := types.StatusResponse{
		Resident:          out,
		MaxResident:       m.cfg.MaxResident,
		Loading:           loading,
		LoadsTotal:        m.loadsTotal.Load(),
		LoadFailuresTotal: m.failuresTotal.Load(),
		EvictionsTotal:    m.evictionsTotal.Load(),
		State:             state,
		UptimeSeconds:     int64(now.Sub(m.startTime).Seconds()),
		ServerTimeUnix:    now.Unix(),
	}
	if p := m.lastErr.Load(); p != nil {
		resp.LastError = *p
	}
	return resp
}
