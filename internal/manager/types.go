package manager

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"runnerd/internal/backend"
	"runnerd/pkg/types"
)

// ResidentModel is a loaded model. It is owned by the Manager; holders of a
// Lease may use Handle until they release the lease.
type ResidentModel struct {
	Key          types.ModelKey
	Entry        types.CatalogEntry
	Handle       backend.Handle
	LoadedAt     time.Time
	LoadDuration time.Duration
}

// entry is the cache bookkeeping around a ResidentModel.
type entry struct {
	model *ResidentModel
	// elem and evicted are guarded by Manager.mu.
	elem    *list.Element
	evicted bool

	active       atomic.Int64
	lastAcquired atomic.Int64

	queueCh chan struct{}
	genCh   chan struct{}
}

func newEntry(rm *ResidentModel, queueDepth, parallel int) *entry {
	e := &entry{
		model:   rm,
		queueCh: make(chan struct{}, queueDepth),
		genCh:   make(chan struct{}, parallel),
	}
	e.lastAcquired.Store(rm.LoadedAt.UnixNano())
	return e
}

func (e *entry) estMB() int {
	return int(e.model.Entry.Size / (1024 * 1024))
}

// Lease pins a resident model for the duration of one request.
type Lease struct {
	m    *Manager
	e    *entry
	once sync.Once
}

// Model returns the pinned model.
func (l *Lease) Model() *ResidentModel { return l.e.model }

// Key returns the key of the pinned model.
func (l *Lease) Key() types.ModelKey { return l.e.model.Key }

// Release unpins the model. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() { l.m.unpin(l.e) })
}
