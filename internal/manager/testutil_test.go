package manager

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"runnerd/internal/backend/backendtest"
	"runnerd/pkg/types"
)

// memCatalog is an in-memory Catalog backed by real files in a temp dir.
type memCatalog struct {
	mu      sync.Mutex
	dir     string
	entries map[types.ModelKey]types.CatalogEntry
}

func newMemCatalog(t *testing.T) *memCatalog {
	t.Helper()
	return &memCatalog{dir: t.TempDir(), entries: map[types.ModelKey]types.CatalogEntry{}}
}

// add registers ref and creates a small weight file for it.
func (c *memCatalog) add(t *testing.T, ref string) types.CatalogEntry {
	t.Helper()
	k := types.ParseModelKey(ref)
	p := filepath.Join(c.dir, k.FileStem()+".gguf")
	if err := os.WriteFile(p, make([]byte, 3<<20), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	e := types.CatalogEntry{Name: k.Name, Tag: k.Tag, Path: p, Size: 3 << 20, Format: "gguf"}
	c.mu.Lock()
	c.entries[k] = e
	c.mu.Unlock()
	return e
}

func (c *memCatalog) Get(ctx context.Context, key types.ModelKey) (types.CatalogEntry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	return e, ok, nil
}

type fixture struct {
	m   *Manager
	cat *memCatalog
	ld  *backendtest.Loader
	pub *MemoryPublisher
}

func newFixture(t *testing.T, cfg Config, refs ...string) *fixture {
	t.Helper()
	f := &fixture{cat: newMemCatalog(t), pub: NewMemoryPublisher()}
	if ld, ok := cfg.Loader.(*backendtest.Loader); ok {
		f.ld = ld
	} else {
		f.ld = &backendtest.Loader{}
		cfg.Loader = f.ld
	}
	for _, r := range refs {
		f.cat.add(t, r)
	}
	cfg.Catalog = f.cat
	cfg.Publisher = f.pub
	cfg.Log = zerolog.Nop()
	cfg.Registerer = prometheus.NewRegistry()
	m, err := New(cfg)
	if err != nil { t.Fatalf("new: %v", err) }
	t.Cleanup(func() { _ = m.Close() })
	f.m = m
	return f
}

func (f *fixture) path(ref string) string {
	return f.cat.entries[types.ParseModelKey(ref)].Path
}

func (f *fixture) acquire(t *testing.T, ref string) *Lease {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	l, err := f.m.Acquire(ctx, types.ParseModelKey(ref))
	if err != nil { t.Fatalf("acquire %s: %v", ref, err) }
	return l
}

func residentSet(m *Manager) map[string]bool {
	out := map[string]bool{}
	for _, k := range m.ListResident() {
		out[k.String()] = true
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
