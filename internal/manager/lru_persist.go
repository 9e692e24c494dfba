package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"runnerd/internal/common/fsutil"
	"runnerd/pkg/types"
)

type residentRecord struct {
	LastAcquiredUnix int64 `json:"last_acquired_unix"`
	EstMB            int   `json:"est_mb"`
}

// SaveResidentSet writes the current resident set to StatePath so a later
// process can Prewarm it. It is a no-op without a StatePath.
func (m *Manager) SaveResidentSet() error {
	if m.cfg.StatePath == "" {
		return nil
	}
	m.mu.Lock()
	snap := make(map[string]residentRecord, len(m.entries))
	for key, e := range m.entries {
		snap[key.String()] = residentRecord{
			LastAcquiredUnix: time.Unix(0, e.lastAcquired.Load()).Unix(),
			EstMB:            e.estMB(),
		}
	}
	m.mu.Unlock()
	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(m.cfg.StatePath, b, 0o644); err != nil {
		return fmt.Errorf("save resident set: %w", err)
	}
	return nil
}

// loadResidentSet returns the recorded keys, most recently acquired first.
func (m *Manager) loadResidentSet() ([]types.ModelKey, error) {
	if m.cfg.StatePath == "" {
		return nil, nil
	}
	b, err := os.ReadFile(m.cfg.StatePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var data map[string]residentRecord
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("decode %s: %w", m.cfg.StatePath, err)
	}
	type rec struct {
		key types.ModelKey
		at  int64
	}
	recs := make([]rec, 0, len(data))
	for k, r := range data {
		recs = append(recs, rec{key: types.ParseModelKey(k), at: r.LastAcquiredUnix})
	}
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].at != recs[j].at {
			return recs[i].at > recs[j].at
		}
		return recs[i].key.String() < recs[j].key.String()
	})
	keys := make([]types.ModelKey, len(recs))
	for i, r := range recs {
		keys[i] = r.key
	}
	return keys, nil
}

// Prewarm reloads the resident set recorded by SaveResidentSet, up to
// MaxResident models. Loads run one at a time, least recent first, so the
// most recently used model ends up at the front of the eviction order.
// Failures are logged and skipped. It returns the number of models loaded.
func (m *Manager) Prewarm(ctx context.Context) (int, error) {
	keys, err := m.loadResidentSet()
	if err != nil {
		return 0, err
	}
	if len(keys) > m.cfg.MaxResident {
		keys = keys[:m.cfg.MaxResident]
	}
	n := 0
	for i := len(keys) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		l, err := m.Acquire(ctx, keys[i])
		if err != nil {
			m.log.Warn().Str("event", "prewarm_skip").Str("model", keys[i].String()).Err(err).Msg("prewarm load failed")
			continue
		}
		l.Release()
		n++
	}
	return n, nil
}
