package serving

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"runnerd/internal/catalog"
	"runnerd/internal/common/fsutil"
	"runnerd/internal/fetcher"
	"runnerd/internal/manager"
	"runnerd/pkg/types"
)

func parseRef(ref string) (types.ModelKey, error) {
	key := types.ParseModelKey(ref)
	if key.IsZero() {
		return key, fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}
	return key, nil
}

// ListModels returns every catalogued model.
func (s *Service) ListModels(ctx context.Context) ([]types.CatalogEntry, error) {
	return s.catalog.List(ctx)
}

// ShowModel returns the catalog entry for ref.
func (s *Service) ShowModel(ctx context.Context, ref string) (types.CatalogEntry, error) {
	key, err := parseRef(ref)
	if err != nil {
		return types.CatalogEntry{}, err
	}
	e, ok, err := s.catalog.Get(ctx, key)
	if err != nil {
		return types.CatalogEntry{}, err
	}
	if !ok {
		return types.CatalogEntry{}, manager.ErrModelNotFound(key)
	}
	return e, nil
}

// DeleteModel unloads the model if idle, removes its catalog entry and
// deletes its weight file when it lives under the models directory.
func (s *Service) DeleteModel(ctx context.Context, ref string) error {
	e, err := s.ShowModel(ctx, ref)
	if err != nil {
		return err
	}
	key := e.Key()
	if err := s.mgr.Unload(key); err != nil {
		return err
	}
	if _, err := s.catalog.Delete(ctx, key); err != nil {
		return err
	}
	if s.owns(e.Path) {
		for _, p := range []string{e.Path, e.Path + ".partial"} {
			if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("remove weights: %w", err)
			}
		}
	}
	s.log.Info().Str("event", "model_deleted").Str("model", key.String()).Msg("model deleted")
	return nil
}

// owns reports whether path is inside the models directory.
func (s *Service) owns(path string) bool { return fsutil.Within(s.dir, path) }

// PullModel downloads ref into the models directory and records it in the
// catalog. progress may be nil.
func (s *Service) PullModel(ctx context.Context, ref string, progress func(fetcher.Progress)) (types.CatalogEntry, error) {
	if s.fetch == nil {
		return types.CatalogEntry{}, errors.New("pull is not configured")
	}
	if s.dir == "" {
		return types.CatalogEntry{}, errors.New("models directory is not configured")
	}
	if progress == nil {
		progress = func(fetcher.Progress) {}
	}
	progress(fetcher.Progress{Status: fetcher.StatusResolving})
	src, err := s.fetch.Resolve(ref)
	if err != nil {
		return types.CatalogEntry{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	dest := filepath.Join(s.dir, src.Key.FileStem()+".gguf")
	s.log.Info().Str("event", "pull_start").Str("model", src.Key.String()).Str("url", src.URL).Msg("pulling model")
	res, err := s.fetch.Download(ctx, src.URL, dest, progress)
	if err != nil {
		return types.CatalogEntry{}, err
	}
	format, family, params, quant := catalog.Describe(src.FileName)
	now := time.Now().UTC()
	e := types.CatalogEntry{
		Name:              src.Key.Name,
		Tag:               src.Key.Tag,
		Path:              res.Path,
		Size:              res.Size,
		Digest:            res.Digest,
		Format:            format,
		Family:            family,
		ParameterSize:     params,
		QuantizationLevel: quant,
		CreatedAt:         now,
		ModifiedAt:        now,
	}
	if err := s.catalog.Save(ctx, e); err != nil {
		return types.CatalogEntry{}, err
	}
	return e, nil
}

// Load makes ref resident without generating and returns how long it took.
func (s *Service) Load(ctx context.Context, ref string) (time.Duration, error) {
	key, err := parseRef(ref)
	if err != nil {
		return 0, err
	}
	start := time.Now()
	lease, err := s.mgr.Acquire(ctx, key)
	if err != nil {
		return 0, err
	}
	lease.Release()
	return time.Since(start), nil
}

// Preload starts loading ref in the background and returns an operation id.
// Unknown models fail here rather than in the background.
func (s *Service) Preload(ctx context.Context, ref string) (string, error) {
	e, err := s.ShowModel(ctx, ref)
	if err != nil {
		return "", err
	}
	return s.mgr.Preload(ctx, e.Key()), nil
}

// Resident returns resident models, most recently used first, with their
// outstanding lease counts.
func (s *Service) Resident() ([]*manager.ResidentModel, []int) {
	return s.mgr.ResidentModels()
}

// Unload releases a resident model.
func (s *Service) Unload(ref string) error {
	key, err := parseRef(ref)
	if err != nil {
		return err
	}
	return s.mgr.Unload(key)
}

// Status combines residency, session and host state.
func (s *Service) Status() types.StatusResponse {
	st := s.mgr.Status()
	st.Sessions = s.contexts.Len()
	st.System = s.hw.Status()
	return st
}

// Ready reports whether requests can be served.
func (s *Service) Ready() bool { return s.mgr.Ready() }

// ClearSession forgets a session's stored context.
func (s *Service) ClearSession(id string) { s.contexts.Clear(id) }
