package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	c := Defaults()
	if c.Addr != "127.0.0.1:11434" || c.MaxResident != 3 || *c.MaxContextTokens != 2048 || c.StreamBuffer != 100 {
		t.Fatalf("unexpected defaults: %+v", c)
	}
	if c.MaxWait.Duration != 30*time.Second || c.Backend != BackendLlamaServer {
		t.Fatalf("unexpected defaults: %+v", c)
	}
	if strings.HasPrefix(c.DataDir, "~") {
		t.Fatalf("data dir not expanded: %s", c.DataDir)
	}
	if c.ModelsDir != filepath.Join(c.DataDir, "models") || c.CatalogPath != filepath.Join(c.DataDir, "catalog.db") {
		t.Fatalf("derived paths wrong: %+v", c)
	}
	g := c.Generation()
	if g.Temperature != 0.8 || g.TopP != 0.95 || g.TopK != 40 || g.RepeatPenalty != 1.1 || g.MaxOutputTokens != 2048 {
		t.Fatalf("generation defaults: %+v", g)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestDerivedPathsFollowDataDir(t *testing.T) {
	c := Config{DataDir: "/srv/runnerd"}
	if err := c.ApplyDefaults(); err != nil {
		t.Fatalf("defaults: %v", err)
	}
	if c.ModelsDir != "/srv/runnerd/models" || c.StatePath != "/srv/runnerd/resident.json" {
		t.Fatalf("derived: %+v", c)
	}
}

func TestValidateRejects(t *testing.T) {
	c := Defaults()
	c.MaxResident = -1
	c.Backend = "onnx"
	c.Temperature = -2
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"max_resident", "onnx"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q missing %q", err, want)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"RUNNERD_ADDR":               ":1234",
		"RUNNERD_MAX_RESIDENT":       "5",
		"RUNNERD_GPU_LAYERS":         "-1",
		"RUNNERD_MAX_WAIT":           "2s",
		"RUNNERD_PREWARM":            "true",
		"RUNNERD_LOG_LEVEL":          " debug ",
		"RUNNERD_MODELS_DIR":         "",
		"RUNNERD_MAX_CONTEXT_TOKENS": "0",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }
	c := Config{ModelsDir: "/keep"}
	if err := applyEnv(&c, lookup); err != nil {
		t.Fatalf("env: %v", err)
	}
	if c.Addr != ":1234" || c.MaxResident != 5 || c.MaxWait.Duration != 2*time.Second || !c.Prewarm || c.LogLevel != "debug" {
		t.Fatalf("unexpected: %+v", c)
	}
	if c.GPULayers == nil || *c.GPULayers != -1 {
		t.Fatalf("gpu layers: %v", c.GPULayers)
	}
	if c.MaxContextTokens == nil || *c.MaxContextTokens != 0 {
		t.Fatalf("max context tokens: %v", c.MaxContextTokens)
	}
	if c.ModelsDir != "/keep" {
		t.Fatalf("empty env value must not override: %s", c.ModelsDir)
	}
}

func TestApplyEnvBadNumber(t *testing.T) {
	lookup := func(k string) (string, bool) {
		if k == "RUNNERD_MAX_RESIDENT" {
			return "many", true
		}
		return "", false
	}
	c := Config{MaxResident: 2}
	if err := applyEnv(&c, lookup); err == nil || !strings.Contains(err.Error(), "RUNNERD_MAX_RESIDENT") {
		t.Fatalf("err=%v", err)
	}
	if c.MaxResident != 2 {
		t.Fatalf("bad value applied: %d", c.MaxResident)
	}
}

func TestBuildPrecedence(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.yaml", "addr: :1\nmax_resident: 2\ndata_dir: "+d+"\n")
	t.Setenv("RUNNERD_MAX_RESIDENT", "4")
	cfg, err := Build(p, func(c *Config) { c.Addr = ":3" })
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if cfg.Addr != ":3" || cfg.MaxResident != 4 || cfg.ModelsDir != filepath.Join(d, "models") {
		t.Fatalf("unexpected: %+v", cfg)
	}
}
