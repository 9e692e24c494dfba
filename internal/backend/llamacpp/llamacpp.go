//go:build llama

package llamacpp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"
	"github.com/rs/zerolog"

	"runnerd/internal/backend"
)

// Built reports whether this binary carries the in-process engine.
const Built = true

// Loader loads GGUF files into the process with go-llama.cpp.
type Loader struct {
	ContextSize int
	Threads     int
	Log         zerolog.Logger
}

func NewLoader(ctxSize, threads int, log zerolog.Logger) *Loader {
	return &Loader{ContextSize: ctxSize, Threads: threads, Log: log}
}

func (l *Loader) Load(ctx context.Context, path string, hint backend.DeviceHint) (backend.Handle, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("model path is empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ctxSize := hint.ContextSize
	if ctxSize <= 0 {
		ctxSize = l.ContextSize
	}
	threads := hint.Threads
	if threads <= 0 {
		threads = l.Threads
	}
	mo := []llama.ModelOption{
		llama.SetContext(ctxSize),
		llama.EnableMemoryMapping,
	}
	if hint.GPULayers != 0 {
		layers := hint.GPULayers
		if layers < 0 {
			layers = 999
		}
		mo = append(mo, llama.SetGPULayers(layers))
	}
	m, err := llama.New(path, mo...)
	if err != nil {
		return nil, fmt.Errorf("llama load %s: %w", path, err)
	}
	l.Log.Debug().Str("event", "llama_loaded").Str("path", path).Int("ctx", ctxSize).Int("gpu_layers", hint.GPULayers).Msg("model loaded")
	return &handle{model: m, threads: max(1, threads), log: l.Log, transcripts: newTranscripts(256)}, nil
}

// handle owns the model. go-llama.cpp keeps one decode context per model, so
// Predict calls are serialized by mu; each run still gets its own stream.
type handle struct {
	mu          sync.Mutex
	model       *llama.LLama
	threads     int
	log         zerolog.Logger
	transcripts *transcripts
}

func (h *handle) Run(ctx context.Context, req backend.Request) (backend.TokenStream, error) {
	prefix, ok := h.transcripts.text(req.Context)
	if !ok && len(req.Context) > 0 {
		h.log.Debug().Str("event", "context_unresolved").Int("tokens", len(req.Context)).Msg("prior context not found; generating without it")
	}
	prompt := prefix + req.Prompt
	h.mu.Lock()
	if h.model == nil {
		h.mu.Unlock()
		return nil, errors.New("llama model not initialized")
	}
	_, ids, err := h.model.TokenizeString(prompt, llama.SetThreads(h.threads))
	h.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("tokenize: %w", err)
	}
	s := &stream{
		h:      h,
		prompt: prompt,
		ptoks:  toInts(ids),
		pieces: make(chan backend.Fragment),
		stop:   make(chan struct{}),
		result: make(chan error, 1),
	}
	go s.predict(ctx, req.Config)
	return s, nil
}

func (h *handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.model != nil {
		h.model.Free()
		h.model = nil
	}
	return nil
}

// stream turns the callback-driven Predict into a pull-based sequence. The
// callback blocks on an unbuffered channel, so the engine does not decode the
// next token until the consumer asks for it.
type stream struct {
	h      *handle
	prompt string
	ptoks  []int
	pieces chan backend.Fragment
	stop   chan struct{}
	result chan error

	once sync.Once
	err  error
	out  strings.Builder
	toks []int
}

func (s *stream) predict(ctx context.Context, cfg backend.GenerationConfig) {
	s.h.mu.Lock()
	defer s.h.mu.Unlock()
	defer close(s.pieces)
	if s.h.model == nil {
		s.result <- errors.New("llama model closed")
		return
	}
	po := predictOptions(cfg, s.h.threads)
	po = append(po, llama.SetTokenCallback(func(tok string) bool {
		// Tokenize while Predict still holds the model between decode steps.
		var ids []int
		if _, raw, err := s.h.model.TokenizeString(tok, llama.SetThreads(1)); err == nil {
			ids = toInts(raw)
		}
		select {
		case s.pieces <- backend.Fragment{Text: tok, Tokens: ids}:
			s.out.WriteString(tok)
			s.toks = append(s.toks, ids...)
			return true
		case <-s.stop:
			return false
		case <-ctx.Done():
			return false
		}
	}))
	_, err := s.h.model.Predict(s.prompt, po...)
	if err != nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err == nil && ctx.Err() == nil {
		all := append(append([]int(nil), s.ptoks...), s.toks...)
		s.h.transcripts.put(all, s.prompt+s.out.String())
	}
	s.result <- err
}

func (s *stream) Next() (backend.Fragment, error) {
	if s.err != nil {
		return backend.Fragment{}, s.err
	}
	select {
	case f, ok := <-s.pieces:
		if !ok {
			s.err = io.EOF
			if err := <-s.result; err != nil {
				s.err = err
			}
			return backend.Fragment{}, s.err
		}
		return f, nil
	case <-s.stop:
		return backend.Fragment{}, io.ErrClosedPipe
	}
}

func (s *stream) PromptTokens() []int { return append([]int(nil), s.ptoks...) }

func (s *stream) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

func predictOptions(cfg backend.GenerationConfig, threads int) []llama.PredictOption {
	po := []llama.PredictOption{
		llama.SetTokens(max(1, cfg.MaxOutputTokens)),
		llama.SetThreads(max(1, threads)),
		llama.SetTopP(float32(cfg.TopP)),
		llama.SetTopK(cfg.TopK),
		llama.SetTemperature(float32(cfg.Temperature)),
		llama.SetPenalty(float32(cfg.RepeatPenalty)),
	}
	if cfg.Seed != 0 {
		po = append(po, llama.SetSeed(int(cfg.Seed)))
	}
	if len(cfg.Stop) > 0 {
		po = append(po, llama.SetStopWords(cfg.Stop...))
	}
	return po
}

func toInts(ids []int32) []int {
	out := make([]int, len(ids))
	for i, v := range ids {
		out[i] = int(v)
	}
	return out
}
