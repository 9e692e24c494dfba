package manager

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"runnerd/pkg/types"
)

// Manager is the residency cache. The zero value is not usable; construct
// with New.
type Manager struct {
	cfg Config
	log zerolog.Logger
	pub EventPublisher
	met *metrics

	// mu guards structural changes: entries, lru and entry.evicted.
	// Loads never run while mu is held.
	mu      sync.Mutex
	entries map[types.ModelKey]*entry
	// lru orders entries by last acquisition, most recent at the front.
	lru *list.List
	// evictPending is set when capacity was exceeded but every model was pinned.
	evictPending bool

	// resident mirrors entries for lock-free snapshots.
	resident *xsync.Map[types.ModelKey, *entry]

	group   singleflight.Group
	loading atomic.Int64

	loadsTotal     atomic.Uint64
	failuresTotal  atomic.Uint64
	evictionsTotal atomic.Uint64
	lastErr        atomic.Pointer[string]

	baseCtx   context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// New constructs a Manager from cfg. Catalog and Loader are required.
func New(cfg Config) (*Manager, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("manager: catalog is required")
	}
	if cfg.Loader == nil {
		return nil, errors.New("manager: loader is required")
	}
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg,
		log:       cfg.Log.With().Str("component", "residency").Logger(),
		pub:       cfg.Publisher,
		met:       newMetrics(cfg.Registerer),
		entries:   make(map[types.ModelKey]*entry),
		lru:       list.New(),
		resident:  xsync.NewMap[types.ModelKey, *entry](),
		baseCtx:   ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}, nil
}

// MaxResident returns the configured soft capacity.
func (m *Manager) MaxResident() int { return m.cfg.MaxResident }

// Close aborts in-flight loads and unloads every idle model. Models with
// outstanding leases are reported in the returned error.
func (m *Manager) Close() error {
	m.cancel()
	return m.UnloadAll()
}
