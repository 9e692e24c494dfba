package manager

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"runnerd/internal/backend"
	"runnerd/pkg/types"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxResident   = 3
	defaultMaxQueueDepth = 32
	defaultMaxWait       = 30 * time.Second
	defaultParallel      = 1
)

// Catalog resolves model keys to weight files.
type Catalog interface {
	Get(ctx context.Context, key types.ModelKey) (types.CatalogEntry, bool, error)
}

// Config encapsulates all tunables for Manager construction.
type Config struct {
	Catalog Catalog
	Loader  backend.Loader
	Hint    backend.DeviceHint

	MaxResident   int
	MaxQueueDepth int
	MaxWait       time.Duration
	// Parallel is the number of concurrent generations admitted per model.
	Parallel int

	// StatePath, when set, is where SaveResidentSet records the resident set.
	StatePath string

	Publisher EventPublisher
	Log       zerolog.Logger
	// Registerer receives the cache metrics; nil disables registration.
	Registerer prometheus.Registerer
}

func (c *Config) applyDefaults() {
	if c.MaxResident <= 0 {
		c.MaxResident = defaultMaxResident
	}
	if c.MaxQueueDepth <= 0 {
		c.MaxQueueDepth = defaultMaxQueueDepth
	}
	if c.MaxWait <= 0 {
		c.MaxWait = defaultMaxWait
	}
	if c.Parallel <= 0 {
		c.Parallel = defaultParallel
	}
	if c.Publisher == nil {
		c.Publisher = noopPublisher{}
	}
}
