package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// EnvPrefix is the prefix of every environment override.
const EnvPrefix = "RUNNERD_"

// ApplyEnv applies RUNNERD_* overrides from the process environment.
func ApplyEnv(c *Config) error { return applyEnv(c, os.LookupEnv) }

func applyEnv(c *Config, lookup func(string) (string, bool)) error {
	var firstErr error
	fail := func(name string, err error) {
		if firstErr == nil {
			firstErr = fmt.Errorf("%s%s: %w", EnvPrefix, name, err)
		}
	}
	get := func(name string) (string, bool) {
		v, ok := lookup(EnvPrefix + name)
		return strings.TrimSpace(v), ok && strings.TrimSpace(v) != ""
	}
	str := func(name string, dst *string) {
		if v, ok := get(name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				fail(name, err)
				return
			}
			*dst = n
		}
	}
	optNum := func(name string, dst **int) {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				fail(name, err)
				return
			}
			*dst = &n
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := get(name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				fail(name, err)
				return
			}
			*dst = b
		}
	}

	str("ADDR", &c.Addr)
	str("DATA_DIR", &c.DataDir)
	str("MODELS_DIR", &c.ModelsDir)
	str("CATALOG_PATH", &c.CatalogPath)
	str("BACKEND", &c.Backend)
	str("LLAMA_BIN", &c.LlamaBin)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FILE", &c.LogFile)
	str("REGISTRY_URL", &c.RegistryURL)
	num("MAX_RESIDENT", &c.MaxResident)
	optNum("MAX_CONTEXT_TOKENS", &c.MaxContextTokens)
	num("MAX_QUEUE_DEPTH", &c.MaxQueueDepth)
	num("PARALLEL", &c.Parallel)
	num("LLAMA_CTX", &c.LlamaCtx)
	num("LLAMA_THREADS", &c.LlamaThreads)
	flag("PREWARM", &c.Prewarm)
	flag("CORS", &c.CORSEnabled)
	optNum("GPU_LAYERS", &c.GPULayers)
	if v, ok := get("MAX_WAIT"); ok {
		if d, err := time.ParseDuration(v); err != nil {
			fail("MAX_WAIT", err)
		} else {
			c.MaxWait.Duration = d
		}
	}
	return firstErr
}
