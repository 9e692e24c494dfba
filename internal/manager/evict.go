package manager

import "time"

// evictExcess removes least-recently-acquired idle entries until the cache is
// within capacity. keep is never chosen. If only pinned entries remain the
// cache stays over capacity and evictPending is set so the next unpin retries.
func (m *Manager) evictExcess(keep *entry) []*entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var victims []*entry
	for len(m.entries) > m.cfg.MaxResident {
		var victim *entry
		for el := m.lru.Back(); el != nil; el = el.Prev() {
			e := el.Value.(*entry)
			if e == keep || e.active.Load() > 0 {
				continue
			}
			victim = e
			break
		}
		if victim == nil {
			if !m.evictPending {
				m.log.Info().Str("event", EventEvictDeferred).Int("resident", len(m.entries)).Int("max", m.cfg.MaxResident).Msg("all resident models busy; eviction deferred")
				m.pub.Publish(Event{Name: EventEvictDeferred, Fields: map[string]any{"resident": len(m.entries)}})
			}
			m.evictPending = true
			return victims
		}
		m.removeLocked(victim)
		victims = append(victims, victim)
	}
	m.evictPending = false
	return victims
}

// removeLocked drops e from every index. Caller holds mu.
func (m *Manager) removeLocked(e *entry) {
	e.evicted = true
	m.lru.Remove(e.elem)
	delete(m.entries, e.model.Key)
	m.resident.Delete(e.model.Key)
	m.met.resident.Set(float64(len(m.entries)))
}

// closeVictims releases backend handles of evicted entries.
func (m *Manager) closeVictims(victims []*entry) {
	for _, e := range victims {
		id := e.model.Key.String()
		idle := time.Since(time.Unix(0, e.lastAcquired.Load()))
		if err := e.model.Handle.Close(); err != nil {
			m.log.Warn().Str("event", "evict_close_error").Str("model", id).Err(err).Msg("closing evicted model failed")
		}
		m.evictionsTotal.Add(1)
		m.met.evictions.Inc()
		m.log.Info().Str("event", EventEvict).Str("model", id).Dur("idle", idle).Msg("model evicted")
		m.pub.Publish(Event{Name: EventEvict, ModelID: id, Fields: map[string]any{"idle_ms": int(idle / time.Millisecond)}})
	}
}
