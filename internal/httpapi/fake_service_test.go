package httpapi

import (
	"context"
	"sync"
	"time"

	"runnerd/internal/backend"
	"runnerd/internal/backend/backendtest"
	"runnerd/internal/fetcher"
	"runnerd/internal/manager"
	"runnerd/internal/serving"
	"runnerd/internal/session"
	"runnerd/pkg/types"
)

// fakeService drives real generation sessions over a scripted backend.
type fakeService struct {
	loader *backendtest.Loader

	genErr    error
	models    []types.CatalogEntry
	resident  []*manager.ResidentModel
	active    []int
	status    types.StatusResponse
	ready     bool
	unloadErr error
	deleteErr error
	pullErr   error
	progress  []fetcher.Progress

	mu       sync.Mutex
	requests []serving.Request
	loads    []string
	unloaded []string
	deleted  []string
	cleared  []string
	pulled    []string
	preloaded []string
}

func newFakeService() *fakeService {
	return &fakeService{loader: &backendtest.Loader{}, ready: true}
}

func (f *fakeService) record(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}

func (f *fakeService) GenerateStream(ctx context.Context, req serving.Request) (*serving.Stream, error) {
	if f.genErr != nil {
		return nil, f.genErr
	}
	key := types.ParseModelKey(req.Model)
	if key.IsZero() {
		return nil, serving.ErrInvalidRequest
	}
	f.record(func() { f.requests = append(f.requests, req) })
	h, err := f.loader.Load(ctx, key.FileStem(), backend.DeviceHint{})
	if err != nil {
		return nil, err
	}
	cfg := req.Options.Resolve(backend.DefaultGenerationConfig())
	st := session.Start(ctx, h, backend.Request{Prompt: serving.RenderPrompt(req), Context: req.Context, Config: cfg}, session.Options{})
	return &serving.Stream{Stream: st, Model: key, LoadDuration: time.Millisecond, CreatedAt: time.Unix(1700000000, 0)}, nil
}

func (f *fakeService) Generate(ctx context.Context, req serving.Request) (serving.Response, error) {
	st, err := f.GenerateStream(ctx, req)
	if err != nil {
		return serving.Response{}, err
	}
	defer st.Close()
	res, err := session.Collect(ctx, st.Stream)
	if err != nil {
		return serving.Response{}, serving.GenerationFailureError{Key: st.Model, Err: err}
	}
	return serving.Response{
		Model:           st.Model,
		Text:            res.Text,
		Reason:          res.Reason,
		PromptTokens:    len(res.PromptTokens),
		TokensGenerated: res.TokensGenerated,
		Context:         res.Context,
		CreatedAt:       st.CreatedAt,
	}, nil
}

func (f *fakeService) ListModels(ctx context.Context) ([]types.CatalogEntry, error) {
	return append([]types.CatalogEntry(nil), f.models...), nil
}

func (f *fakeService) ShowModel(ctx context.Context, ref string) (types.CatalogEntry, error) {
	key := types.ParseModelKey(ref)
	for _, e := range f.models {
		if e.Key() == key {
			return e, nil
		}
	}
	return types.CatalogEntry{}, manager.ErrModelNotFound(key)
}

func (f *fakeService) DeleteModel(ctx context.Context, ref string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.record(func() { f.deleted = append(f.deleted, ref) })
	return nil
}

func (f *fakeService) PullModel(ctx context.Context, ref string, progress func(fetcher.Progress)) (types.CatalogEntry, error) {
	f.record(func() { f.pulled = append(f.pulled, ref) })
	if progress != nil {
		for _, p := range f.progress {
			progress(p)
		}
	}
	if f.pullErr != nil {
		return types.CatalogEntry{}, f.pullErr
	}
	key := types.ParseModelKey(ref)
	return types.CatalogEntry{Name: key.Name, Tag: key.Tag}, nil
}

func (f *fakeService) Load(ctx context.Context, ref string) (time.Duration, error) {
	if f.genErr != nil {
		return 0, f.genErr
	}
	f.record(func() { f.loads = append(f.loads, ref) })
	return 2 * time.Millisecond, nil
}

func (f *fakeService) Preload(ctx context.Context, ref string) (string, error) {
	key := types.ParseModelKey(ref)
	for _, m := range f.models {
		if m.Key() == key {
			f.record(func() { f.preloaded = append(f.preloaded, ref) })
			return "op-1", nil
		}
	}
	return "", manager.ErrModelNotFound(key)
}

func (f *fakeService) Resident() ([]*manager.ResidentModel, []int) { return f.resident, f.active }

func (f *fakeService) Unload(ref string) error {
	if f.unloadErr != nil {
		return f.unloadErr
	}
	f.record(func() { f.unloaded = append(f.unloaded, ref) })
	return nil
}

func (f *fakeService) Status() types.StatusResponse { return f.status }
func (f *fakeService) Ready() bool                  { return f.ready }

func (f *fakeService) ClearSession(id string) {
	f.record(func() { f.cleared = append(f.cleared, id) })
}
