package main

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"runnerd/internal/backend"
	"runnerd/internal/backend/llamacpp"
	"runnerd/internal/backend/llamaserver"
	"runnerd/internal/catalog"
	"runnerd/internal/config"
	"runnerd/internal/contextstore"
	"runnerd/internal/fetcher"
	"runnerd/internal/hardware"
	"runnerd/internal/manager"
	"runnerd/internal/serving"
)

// stack is the wired core: catalog, residency cache and serving facade.
type stack struct {
	catalog *catalog.Store
	manager *manager.Manager
	service *serving.Service
	hw      hardware.Info
	stop    func()
}

func newLoader(cfg config.Config, log zerolog.Logger) (backend.Loader, func()) {
	if cfg.Backend == config.BackendLlamaCpp {
		return llamacpp.NewLoader(cfg.LlamaCtx, cfg.LlamaThreads, log), func() {}
	}
	l := llamaserver.NewLoader(llamaserver.Config{
		Bin:         cfg.LlamaBin,
		ContextSize: cfg.LlamaCtx,
		Threads:     cfg.LlamaThreads,
		ExtraArgs:   cfg.LlamaArgs,
		Log:         log,
	})
	return l, l.StopAll
}

// buildStack opens the catalog, imports hand-copied weights and wires the
// residency cache and facade. reg may be nil to skip metric registration.
func buildStack(ctx context.Context, cfg config.Config, log zerolog.Logger, reg prometheus.Registerer) (*stack, error) {
	cat, err := catalog.Open(cfg.CatalogPath)
	if err != nil {
		return nil, err
	}
	imported, err := cat.ImportDir(ctx, cfg.ModelsDir)
	if err != nil {
		_ = cat.Close()
		return nil, fmt.Errorf("import %s: %w", cfg.ModelsDir, err)
	}
	for _, e := range imported {
		log.Info().Str("event", "model_imported").Str("model", e.Key().String()).Str("path", e.Path).Msg("imported model")
	}

	hw := hardware.Detect()
	hint := hw.DeviceHint(hardware.Overrides{GPULayers: cfg.GPULayers, Threads: cfg.LlamaThreads, ContextSize: cfg.LlamaCtx})
	log.Info().Str("accelerator", hint.Accelerator).Int("gpu_layers", hint.GPULayers).Int("threads", hint.Threads).
		Uint64("memory_mb", hw.TotalMemoryMB).Msg("device detected")

	loader, stopLoader := newLoader(cfg, log)
	mgr, err := manager.New(manager.Config{
		Catalog:       cat,
		Loader:        loader,
		Hint:          hint,
		MaxResident:   cfg.MaxResident,
		MaxQueueDepth: cfg.MaxQueueDepth,
		MaxWait:       cfg.MaxWait.Duration,
		Parallel:      cfg.Parallel,
		StatePath:     cfg.StatePath,
		Log:           log,
		Registerer:    reg,
	})
	if err != nil {
		stopLoader()
		_ = cat.Close()
		return nil, err
	}
	svc, err := serving.New(serving.Config{
		Manager:  mgr,
		Catalog:  cat,
		Contexts: contextstore.New(*cfg.MaxContextTokens),
		Fetcher: fetcher.New(fetcher.Config{
			HubURL:      cfg.HubURL,
			RegistryURL: cfg.RegistryURL,
			UserAgent:   "runnerd/" + version,
			Log:         log,
		}),
		ModelsDir:    cfg.ModelsDir,
		Defaults:     cfg.Generation(),
		StreamBuffer: cfg.StreamBuffer,
		Hardware:     hw,
		Log:          log,
	})
	if err != nil {
		_ = mgr.Close()
		stopLoader()
		_ = cat.Close()
		return nil, err
	}
	return &stack{catalog: cat, manager: mgr, service: svc, hw: hw, stop: stopLoader}, nil
}

// Close unloads idle models and releases every resource.
func (s *stack) Close() error {
	err := s.manager.Close()
	s.stop()
	if cerr := s.catalog.Close(); err == nil {
		err = cerr
	}
	return err
}
