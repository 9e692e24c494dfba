package manager

import (
	"context"
	"fmt"
	"time"

	"runnerd/internal/common/fsutil"
	"runnerd/pkg/types"
)

// Acquire returns a lease on the model for key, loading it if necessary.
//
// Concurrent callers for the same key share a single load and receive the
// same ResidentModel or the same error. A caller whose ctx ends while waiting
// returns ctx.Err(); the shared load continues for the others. Failed loads
// are not cached.
func (m *Manager) Acquire(ctx context.Context, key types.ModelKey) (*Lease, error) {
	if key.IsZero() {
		return nil, ErrModelNotFound(key)
	}
	for {
		if e, ok := m.resident.Load(key); ok && m.pin(e) {
			return &Lease{m: m, e: e}, nil
		}
		ch := m.group.DoChan(key.String(), func() (any, error) { return m.load(key) })
		select {
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
			// The entry may have been evicted between insertion and pinning;
			// in that case go around and load again.
			if e := res.Val.(*entry); m.pin(e) {
				return &Lease{m: m, e: e}, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// pin marks e as acquired. It fails if e is no longer resident.
func (m *Manager) pin(e *entry) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.evicted {
		return false
	}
	e.active.Add(1)
	e.lastAcquired.Store(time.Now().UnixNano())
	m.lru.MoveToFront(e.elem)
	m.met.activeLeases.Inc()
	return true
}

func (m *Manager) unpin(e *entry) {
	m.met.activeLeases.Dec()
	if e.active.Add(-1) > 0 {
		return
	}
	m.mu.Lock()
	pending := m.evictPending
	m.mu.Unlock()
	if pending {
		m.closeVictims(m.evictExcess(nil))
	}
}

// load runs inside the singleflight group, so at most one load per key is in
// flight. It resolves the catalog entry, loads the backend and inserts the
// result, evicting idle models past capacity.
func (m *Manager) load(key types.ModelKey) (*entry, error) {
	if e, ok := m.resident.Load(key); ok {
		return e, nil
	}
	m.loading.Add(1)
	defer m.loading.Add(-1)

	start := time.Now()
	id := key.String()
	m.log.Info().Str("event", EventLoadStart).Str("model", id).Msg("loading model")
	m.pub.Publish(Event{Name: EventLoadStart, ModelID: id, Fields: map[string]any{}})

	ce, ok, err := m.cfg.Catalog.Get(m.baseCtx, key)
	if err != nil {
		return nil, m.loadFailed(key, fmt.Errorf("catalog: %w", err), start)
	}
	if !ok {
		m.met.loads.WithLabelValues("not_found").Inc()
		m.log.Info().Str("event", "load_not_found").Str("model", id).Msg("model not in catalog")
		m.pub.Publish(Event{Name: EventLoadFailed, ModelID: id, Fields: map[string]any{"reason": "not_found"}})
		return nil, ErrModelNotFound(key)
	}
	if !fsutil.FileExists(ce.Path) {
		return nil, m.loadFailed(key, fmt.Errorf("weight file missing: %s", ce.Path), start)
	}
	h, err := m.cfg.Loader.Load(m.baseCtx, ce.Path, m.cfg.Hint)
	if err != nil {
		return nil, m.loadFailed(key, err, start)
	}

	dur := time.Since(start)
	rm := &ResidentModel{Key: key, Entry: ce, Handle: h, LoadedAt: time.Now(), LoadDuration: dur}
	e := newEntry(rm, m.cfg.MaxQueueDepth, m.cfg.Parallel)
	victims := m.insert(e)
	m.closeVictims(victims)

	m.loadsTotal.Add(1)
	m.met.loads.WithLabelValues("ok").Inc()
	m.met.loadDuration.Observe(dur.Seconds())
	m.log.Info().Str("event", EventLoadReady).Str("model", id).Dur("dur", dur).Msg("model resident")
	m.pub.Publish(Event{Name: EventLoadReady, ModelID: id, Fields: map[string]any{"dur_ms": int(dur / time.Millisecond)}})
	return e, nil
}

func (m *Manager) loadFailed(key types.ModelKey, err error, start time.Time) error {
	m.failuresTotal.Add(1)
	msg := err.Error()
	m.lastErr.Store(&msg)
	m.met.loads.WithLabelValues("error").Inc()
	m.log.Warn().Str("event", EventLoadFailed).Str("model", key.String()).Dur("dur", time.Since(start)).Err(err).Msg("model load failed")
	m.pub.Publish(Event{Name: EventLoadFailed, ModelID: key.String(), Fields: map[string]any{"error": msg}})
	return LoadFailureError{Key: key, Err: err}
}

// insert adds e as the most recently acquired entry and returns the entries
// evicted to make room. The caller closes them outside the lock.
func (m *Manager) insert(e *entry) []*entry {
	m.mu.Lock()
	e.elem = m.lru.PushFront(e)
	m.entries[e.model.Key] = e
	m.resident.Store(e.model.Key, e)
	m.met.resident.Set(float64(len(m.entries)))
	m.mu.Unlock()
	return m.evictExcess(e)
}
