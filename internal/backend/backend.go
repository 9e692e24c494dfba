// Package backend defines the contract between runnerd and the engines that
// actually run a model. The residency and session layers only ever see these
// interfaces; engines live in subpackages (llamacpp, llamaserver).
package backend

import (
	"context"
	"errors"
)

// ErrUnavailable is returned by loaders whose engine is not compiled in or
// whose runtime dependency is missing.
var ErrUnavailable = errors.New("backend unavailable")

// DeviceHint tells a loader where and how to place a model.
type DeviceHint struct {
	// Accelerator is "cpu", "cuda" or "metal".
	Accelerator string
	// GPULayers is the number of layers to offload; -1 offloads everything.
	GPULayers int
	Threads   int
	// ContextSize is the engine context window in tokens; 0 uses the engine default.
	ContextSize int
}

// Loader materializes a model weight file into a Handle.
type Loader interface {
	Load(ctx context.Context, path string, hint DeviceHint) (Handle, error)
}

// Handle is a loaded model. A Handle may be shared by concurrent callers of
// Run; any per-run decode state must live in the returned TokenStream.
type Handle interface {
	Run(ctx context.Context, req Request) (TokenStream, error)
	Close() error
}

// Request is one generation against a Handle.
type Request struct {
	Prompt string
	// Context holds tokens of prior turns that precede Prompt.
	Context []int
	Config  GenerationConfig
}

// Fragment is one decoded piece of output.
type Fragment struct {
	Text   string
	Tokens []int
}

// TokenStream is a lazy, finite, non-restartable sequence of fragments.
//
// Next performs at most one decode step. It returns io.EOF once the model
// signals end of sequence. Close may be called at any time, including
// concurrently with a blocked Next, and releases the per-run state.
type TokenStream interface {
	Next() (Fragment, error)
	// PromptTokens returns the tokens the engine evaluated for Context+Prompt.
	PromptTokens() []int
	Close() error
}

// ErrMaxTokens is returned by Next when the engine stopped because it hit its
// own output limit rather than an end-of-sequence token.
var ErrMaxTokens = errors.New("engine output limit reached")
