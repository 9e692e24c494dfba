// Package serving is the single entry point the transports and the CLI use:
// it resolves models through the residency cache, merges session context and
// runs generation sessions.
package serving

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"runnerd/internal/backend"
	"runnerd/internal/contextstore"
	"runnerd/internal/fetcher"
	"runnerd/internal/hardware"
	"runnerd/internal/manager"
	"runnerd/pkg/types"
)

// Catalog is the model catalog as the facade needs it.
type Catalog interface {
	manager.Catalog
	Save(ctx context.Context, e types.CatalogEntry) error
	Delete(ctx context.Context, key types.ModelKey) (bool, error)
	List(ctx context.Context) ([]types.CatalogEntry, error)
}

// Fetcher materializes remote weight files.
type Fetcher interface {
	Resolve(ref string) (fetcher.Source, error)
	Download(ctx context.Context, url, dest string, progress func(fetcher.Progress)) (fetcher.Result, error)
}

// Config wires the facade's collaborators.
type Config struct {
	Manager  *manager.Manager
	Catalog  Catalog
	Contexts *contextstore.Store
	// Fetcher is optional; without it PullModel fails.
	Fetcher   Fetcher
	ModelsDir string
	// Defaults are the generation settings requests override.
	Defaults     backend.GenerationConfig
	StreamBuffer int
	Hardware     hardware.Info
	Log          zerolog.Logger
}

// Service implements the facade.
type Service struct {
	mgr      *manager.Manager
	catalog  Catalog
	contexts *contextstore.Store
	fetch    Fetcher
	dir      string
	defaults backend.GenerationConfig
	buffer   int
	hw       hardware.Info
	log      zerolog.Logger
}

// New validates cfg and returns a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Manager == nil {
		return nil, errors.New("serving: manager is required")
	}
	if cfg.Catalog == nil {
		return nil, errors.New("serving: catalog is required")
	}
	if cfg.Contexts == nil {
		cfg.Contexts = contextstore.New(contextstore.DefaultMaxTokens)
	}
	if cfg.Defaults.MaxOutputTokens == 0 {
		cfg.Defaults = backend.DefaultGenerationConfig()
	}
	if err := cfg.Defaults.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		mgr:      cfg.Manager,
		catalog:  cfg.Catalog,
		contexts: cfg.Contexts,
		fetch:    cfg.Fetcher,
		dir:      cfg.ModelsDir,
		defaults: cfg.Defaults,
		buffer:   cfg.StreamBuffer,
		hw:       cfg.Hardware,
		log:      cfg.Log.With().Str("component", "serving").Logger(),
	}, nil
}

// Defaults returns the generation defaults requests are resolved against.
func (s *Service) Defaults() backend.GenerationConfig { return s.defaults }
