package backend

import (
	"errors"
	"fmt"
)

// Defaults applied when a request leaves a sampling option unset.
const (
	DefaultTemperature     = 0.8
	DefaultTopP            = 0.95
	DefaultTopK            = 40
	DefaultRepeatPenalty   = 1.1
	DefaultMaxOutputTokens = 2048
)

// GenerationConfig is the fully resolved sampling configuration of one
// session. It is built once by Resolve and not modified afterwards.
type GenerationConfig struct {
	Temperature     float64
	TopP            float64
	TopK            int
	RepeatPenalty   float64
	// Seed 0 lets the engine choose.
	Seed            int64
	MaxOutputTokens int
	Stop            []string
	Stream          bool
}

// DefaultGenerationConfig returns the server-wide defaults.
func DefaultGenerationConfig() GenerationConfig {
	return GenerationConfig{
		Temperature:     DefaultTemperature,
		TopP:            DefaultTopP,
		TopK:            DefaultTopK,
		RepeatPenalty:   DefaultRepeatPenalty,
		MaxOutputTokens: DefaultMaxOutputTokens,
	}
}

// Validate rejects configurations no engine can honor.
func (c GenerationConfig) Validate() error {
	var errs []error
	if c.MaxOutputTokens <= 0 {
		errs = append(errs, fmt.Errorf("max output tokens must be positive, got %d", c.MaxOutputTokens))
	}
	if c.Temperature < 0 {
		errs = append(errs, fmt.Errorf("temperature must not be negative, got %g", c.Temperature))
	}
	if c.TopP <= 0 || c.TopP > 1 {
		errs = append(errs, fmt.Errorf("top_p must be in (0, 1], got %g", c.TopP))
	}
	if c.TopK < 0 {
		errs = append(errs, fmt.Errorf("top_k must not be negative, got %d", c.TopK))
	}
	if c.RepeatPenalty < 0 {
		errs = append(errs, fmt.Errorf("repeat penalty must not be negative, got %g", c.RepeatPenalty))
	}
	return errors.Join(errs...)
}

// GenerationOptions are per-request overrides as they arrive from a
// transport. Nil means "use the default".
type GenerationOptions struct {
	Temperature     *float64
	TopP            *float64
	TopK            *int
	RepeatPenalty   *float64
	Seed            *int64
	MaxOutputTokens *int
	Stop            []string
	Stream          bool
}

// Resolve overlays o on def and returns an independent config.
func (o GenerationOptions) Resolve(def GenerationConfig) GenerationConfig {
	c := def
	if o.Temperature != nil {
		c.Temperature = *o.Temperature
	}
	if o.TopP != nil {
		c.TopP = *o.TopP
	}
	if o.TopK != nil {
		c.TopK = *o.TopK
	}
	if o.RepeatPenalty != nil {
		c.RepeatPenalty = *o.RepeatPenalty
	}
	if o.Seed != nil {
		c.Seed = *o.Seed
	}
	if o.MaxOutputTokens != nil && *o.MaxOutputTokens > 0 {
		c.MaxOutputTokens = *o.MaxOutputTokens
	}
	stop := def.Stop
	if len(o.Stop) > 0 {
		stop = o.Stop
	}
	c.Stop = nil
	for _, s := range stop {
		if s != "" {
			c.Stop = append(c.Stop, s)
		}
	}
	c.Stream = o.Stream
	return c
}
