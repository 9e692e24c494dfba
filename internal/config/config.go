// Package config loads runnerd's configuration from a file, the environment
// and defaults, in that order of increasing precedence below CLI flags.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"runnerd/internal/backend"
	"runnerd/internal/common/fsutil"
	"runnerd/internal/contextstore"
)

// Backend names.
const (
	BackendLlamaServer = "llamaserver"
	BackendLlamaCpp    = "llamacpp"
)

// Config holds runtime parameters for the service.
// Zero values mean "unspecified" and are replaced by ApplyDefaults.
type Config struct {
	Addr        string `json:"addr" yaml:"addr" toml:"addr"`
	DataDir     string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
	ModelsDir   string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	CatalogPath string `json:"catalog_path" yaml:"catalog_path" toml:"catalog_path"`
	StatePath   string `json:"state_path" yaml:"state_path" toml:"state_path"`

	MaxResident      int      `json:"max_resident" yaml:"max_resident" toml:"max_resident"`
	// MaxContextTokens bounds each session's stored context; an explicit 0
	// disables session context.
	MaxContextTokens *int     `json:"max_context_tokens" yaml:"max_context_tokens" toml:"max_context_tokens"`
	StreamBuffer     int      `json:"stream_buffer" yaml:"stream_buffer" toml:"stream_buffer"`
	MaxQueueDepth    int      `json:"max_queue_depth" yaml:"max_queue_depth" toml:"max_queue_depth"`
	MaxWait          Duration `json:"max_wait" yaml:"max_wait" toml:"max_wait"`
	Parallel         int      `json:"parallel" yaml:"parallel" toml:"parallel"`
	Prewarm          bool     `json:"prewarm" yaml:"prewarm" toml:"prewarm"`

	Backend      string   `json:"backend" yaml:"backend" toml:"backend"`
	LlamaBin     string   `json:"llama_bin" yaml:"llama_bin" toml:"llama_bin"`
	LlamaArgs    []string `json:"llama_args" yaml:"llama_args" toml:"llama_args"`
	LlamaCtx     int      `json:"llama_ctx" yaml:"llama_ctx" toml:"llama_ctx"`
	LlamaThreads int      `json:"llama_threads" yaml:"llama_threads" toml:"llama_threads"`
	// GPULayers overrides detection when set; -1 offloads every layer.
	GPULayers *int `json:"gpu_layers" yaml:"gpu_layers" toml:"gpu_layers"`

	HubURL      string `json:"hub_url" yaml:"hub_url" toml:"hub_url"`
	RegistryURL string `json:"registry_url" yaml:"registry_url" toml:"registry_url"`

	LogLevel string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFile  string `json:"log_file" yaml:"log_file" toml:"log_file"`

	CORSEnabled  bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins  []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	MaxBodyBytes int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`

	Temperature   float64 `json:"temperature" yaml:"temperature" toml:"temperature"`
	TopP          float64 `json:"top_p" yaml:"top_p" toml:"top_p"`
	TopK          int     `json:"top_k" yaml:"top_k" toml:"top_k"`
	RepeatPenalty float64 `json:"repeat_penalty" yaml:"repeat_penalty" toml:"repeat_penalty"`
	MaxTokens     int     `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
}

// Duration is a time.Duration written as "30s" in every config format.
type Duration struct{ time.Duration }

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Defaults returns the fully populated default configuration.
func Defaults() Config {
	var c Config
	_ = c.ApplyDefaults()
	return c
}

// ApplyDefaults fills every unset field. Paths under data_dir are derived
// after data_dir itself is resolved, and a leading '~' is expanded.
func (c *Config) ApplyDefaults() error {
	gen := backend.DefaultGenerationConfig()
	if c.Addr == "" {
		c.Addr = "127.0.0.1:11434"
	}
	if c.DataDir == "" {
		c.DataDir = "~/.runnerd"
	}
	var err error
	if c.DataDir, err = fsutil.ExpandHome(c.DataDir); err != nil {
		return err
	}
	if c.ModelsDir == "" {
		c.ModelsDir = filepath.Join(c.DataDir, "models")
	}
	if c.ModelsDir, err = fsutil.ExpandHome(c.ModelsDir); err != nil {
		return err
	}
	if c.CatalogPath == "" {
		c.CatalogPath = filepath.Join(c.DataDir, "catalog.db")
	}
	if c.StatePath == "" {
		c.StatePath = filepath.Join(c.DataDir, "resident.json")
	}
	setInt(&c.MaxResident, 3)
	if c.MaxContextTokens == nil {
		n := contextstore.DefaultMaxTokens
		c.MaxContextTokens = &n
	}
	setInt(&c.StreamBuffer, 100)
	setInt(&c.MaxQueueDepth, 32)
	setInt(&c.Parallel, 1)
	if c.MaxWait.Duration == 0 {
		c.MaxWait.Duration = 30 * time.Second
	}
	if c.Backend == "" {
		c.Backend = BackendLlamaServer
	}
	if c.LlamaBin == "" {
		c.LlamaBin = "llama-server"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.MaxBodyBytes == 0 {
		c.MaxBodyBytes = 1 << 20
	}
	if c.Temperature == 0 {
		c.Temperature = gen.Temperature
	}
	if c.TopP == 0 {
		c.TopP = gen.TopP
	}
	setInt(&c.TopK, gen.TopK)
	if c.RepeatPenalty == 0 {
		c.RepeatPenalty = gen.RepeatPenalty
	}
	setInt(&c.MaxTokens, gen.MaxOutputTokens)
	return nil
}

func setInt(p *int, def int) {
	if *p == 0 {
		*p = def
	}
}

// Validate rejects settings the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, v))
		}
	}
	positive("max_resident", c.MaxResident)
	positive("stream_buffer", c.StreamBuffer)
	positive("max_queue_depth", c.MaxQueueDepth)
	positive("parallel", c.Parallel)
	if c.MaxContextTokens != nil && *c.MaxContextTokens < 0 {
		errs = append(errs, fmt.Errorf("max_context_tokens must not be negative, got %d", *c.MaxContextTokens))
	}
	if c.MaxWait.Duration <= 0 {
		errs = append(errs, fmt.Errorf("max_wait must be positive, got %s", c.MaxWait))
	}
	if c.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_body_bytes must be positive, got %d", c.MaxBodyBytes))
	}
	switch c.Backend {
	case BackendLlamaServer, BackendLlamaCpp:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if err := c.Generation().Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Generation returns the configured generation defaults.
func (c Config) Generation() backend.GenerationConfig {
	g := backend.DefaultGenerationConfig()
	g.Temperature = c.Temperature
	g.TopP = c.TopP
	g.TopK = c.TopK
	g.RepeatPenalty = c.RepeatPenalty
	g.MaxOutputTokens = c.MaxTokens
	return g
}
