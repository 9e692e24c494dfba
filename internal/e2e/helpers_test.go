// Package e2e drives the full in-process stack over HTTP: catalog, residency
// cache, serving facade and router, with a scripted backend.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"runnerd/internal/backend/backendtest"
	"runnerd/internal/catalog"
	"runnerd/internal/contextstore"
	"runnerd/internal/httpapi"
	"runnerd/internal/manager"
	"runnerd/internal/serving"
)

type harness struct {
	srv    *httptest.Server
	mgr    *manager.Manager
	loader *backendtest.Loader
	dir    string
}

// createTempModelsDir creates a models dir holding empty weight files.
func createTempModelsDir(t *testing.T, names ...string) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "models")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), nil, 0o644); err != nil {
			t.Fatalf("write temp model %s: %v", n, err)
		}
	}
	return dir
}

// newHarness imports modelsDir into a fresh catalog and serves it. cfg
// supplies the residency limits; Catalog, Loader and Log are filled in.
func newHarness(t *testing.T, modelsDir string, ld *backendtest.Loader, cfg manager.Config) *harness {
	t.Helper()
	cat, err := catalog.Open(filepath.Join(filepath.Dir(modelsDir), "catalog.db"))
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	t.Cleanup(func() { _ = cat.Close() })
	if _, err := cat.ImportDir(context.Background(), modelsDir); err != nil {
		t.Fatalf("import: %v", err)
	}
	if ld == nil {
		ld = &backendtest.Loader{}
	}
	cfg.Catalog, cfg.Loader, cfg.Log = cat, ld, zerolog.Nop()
	mgr, err := manager.New(cfg)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	t.Cleanup(func() { _ = mgr.Close() })
	svc, err := serving.New(serving.Config{
		Manager:   mgr,
		Catalog:   cat,
		Contexts:  contextstore.New(256),
		ModelsDir: modelsDir,
		Log:       zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("serving: %v", err)
	}
	srv := httptest.NewServer(httpapi.NewMux(svc))
	t.Cleanup(srv.Close)
	return &harness{srv: srv, mgr: mgr, loader: ld, dir: modelsDir}
}

func (h *harness) handle(file string) *backendtest.Handle {
	return h.loader.Handle(filepath.Join(h.dir, file))
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	return httpDo(t, http.MethodGet, url, "")
}

func httpPostJSON(t *testing.T, url, payload string) (*http.Response, []byte) {
	t.Helper()
	return httpDo(t, http.MethodPost, url, payload)
}

func httpDo(t *testing.T, method, url, payload string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), method, url, bytes.NewBufferString(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	if payload != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func decode(t *testing.T, body []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(body, v); err != nil {
		t.Fatalf("json: %v body=%s", err, body)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

var errLoad = errors.New("corrupt weights")
