// Package llamaserver runs each model in its own llama-server child process
// and streams completions from its HTTP API.
package llamaserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"runnerd/internal/backend"
)

// Config controls how llama-server processes are started.
type Config struct {
	Bin       string
	Host      string
	PortStart int
	PortEnd   int
	// ContextSize and Threads apply when the device hint leaves them unset.
	ContextSize  int
	Threads      int
	ExtraArgs    []string
	ReadyTimeout time.Duration
	StopGrace    time.Duration
	Log          zerolog.Logger
}

// Loader spawns one llama-server per loaded model.
type Loader struct {
	cfg    Config
	client *http.Client

	mu    sync.Mutex
	procs map[*process]struct{}
}

func NewLoader(cfg Config) *Loader {
	if strings.TrimSpace(cfg.Bin) == "" {
		cfg.Bin = "llama-server"
	}
	if strings.TrimSpace(cfg.Host) == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 2 * time.Minute
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 2 * time.Second
	}
	// No client timeout: every call carries a context.
	return &Loader{cfg: cfg, client: &http.Client{}, procs: make(map[*process]struct{})}
}

func (l *Loader) args(path string, hint backend.DeviceHint) []string {
	args := []string{"-m", path}
	ctxSize := hint.ContextSize
	if ctxSize <= 0 {
		ctxSize = l.cfg.ContextSize
	}
	if ctxSize > 0 {
		args = append(args, "-c", strconv.Itoa(ctxSize))
	}
	if hint.GPULayers != 0 {
		layers := hint.GPULayers
		if layers < 0 {
			layers = 999
		}
		args = append(args, "-ngl", strconv.Itoa(layers))
	}
	threads := hint.Threads
	if threads <= 0 {
		threads = l.cfg.Threads
	}
	if threads > 0 {
		args = append(args, "-t", strconv.Itoa(threads))
	}
	return append(args, l.cfg.ExtraArgs...)
}

func (l *Loader) Load(ctx context.Context, path string, hint backend.DeviceHint) (backend.Handle, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("model path is empty")
	}
	p, err := l.spawn(ctx, l.args(path, hint))
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.procs[p] = struct{}{}
	l.mu.Unlock()
	return &handle{loader: l, proc: p, client: l.client, baseURL: p.baseURL}, nil
}

// StopAll terminates every process this loader started.
func (l *Loader) StopAll() {
	l.mu.Lock()
	procs := make([]*process, 0, len(l.procs))
	for p := range l.procs {
		procs = append(procs, p)
	}
	l.procs = make(map[*process]struct{})
	l.mu.Unlock()
	for _, p := range procs {
		p.stop(l.cfg.StopGrace)
	}
}

type handle struct {
	loader  *Loader
	proc    *process
	client  *http.Client
	baseURL string
}

type completionRequest struct {
	Prompt        any      `json:"prompt"`
	NPredict      int      `json:"n_predict"`
	Temperature   float64  `json:"temperature"`
	TopP          float64  `json:"top_p"`
	TopK          int      `json:"top_k"`
	RepeatPenalty float64  `json:"repeat_penalty"`
	Seed          *int64   `json:"seed,omitempty"`
	Stop          []string `json:"stop,omitempty"`
	Stream        bool     `json:"stream"`
	ReturnTokens  bool     `json:"return_tokens"`
	CachePrompt   bool     `json:"cache_prompt"`
}

type completionChunk struct {
	Content  string      `json:"content"`
	Tokens   []int       `json:"tokens"`
	Stop     bool        `json:"stop"`
	StopType string      `json:"stop_type"`
	Error    *chunkError `json:"error"`
}

// chunkError is the error object llama-server sends in place of a chunk when
// generation fails mid-stream. Older builds send a bare string.
type chunkError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

func (e *chunkError) UnmarshalJSON(b []byte) error {
	var msg string
	if json.Unmarshal(b, &msg) == nil {
		e.Message = msg
		return nil
	}
	type plain chunkError
	return json.Unmarshal(b, (*plain)(e))
}

func (e *chunkError) Error() string {
	if e.Type != "" {
		return "llama-server: " + e.Type + ": " + e.Message
	}
	return "llama-server: " + e.Message
}

func (h *handle) post(ctx context.Context, path string, body any) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("llama-server %s: %s: %s", path, resp.Status, strings.TrimSpace(string(msg)))
	}
	return resp, nil
}

func (h *handle) tokenize(ctx context.Context, text string) ([]int, error) {
	resp, err := h.post(ctx, "/tokenize", map[string]any{"content": text})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var out struct {
		Tokens []int `json:"tokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode tokenize: %w", err)
	}
	return out.Tokens, nil
}

func (h *handle) Run(ctx context.Context, req backend.Request) (backend.TokenStream, error) {
	ptoks, err := h.tokenize(ctx, req.Prompt)
	if err != nil {
		return nil, err
	}
	cfg := req.Config
	body := completionRequest{
		NPredict:      cfg.MaxOutputTokens,
		Temperature:   cfg.Temperature,
		TopP:          cfg.TopP,
		TopK:          cfg.TopK,
		RepeatPenalty: cfg.RepeatPenalty,
		Stop:          cfg.Stop,
		Stream:        true,
		ReturnTokens:  true,
		CachePrompt:   true,
	}
	if cfg.Seed != 0 {
		seed := cfg.Seed
		body.Seed = &seed
	}
	if len(req.Context) > 0 {
		mixed := make([]any, 0, len(req.Context)+1)
		for _, t := range req.Context {
			mixed = append(mixed, t)
		}
		body.Prompt = append(mixed, req.Prompt)
	} else {
		body.Prompt = req.Prompt
	}
	resp, err := h.post(ctx, "/completion", body)
	if err != nil {
		return nil, err
	}
	prompt := append(append([]int(nil), req.Context...), ptoks...)
	return &stream{ctx: ctx, body: resp.Body, r: bufio.NewReader(resp.Body), prompt: prompt}, nil
}

func (h *handle) Close() error {
	if h.proc == nil {
		return nil
	}
	h.loader.mu.Lock()
	delete(h.loader.procs, h.proc)
	h.loader.mu.Unlock()
	h.proc.stop(h.loader.cfg.StopGrace)
	h.loader.cfg.Log.Info().Str("event", "spawn_stop").Int("pid", h.proc.pid).Msg("llama-server stopped")
	return nil
}

// stream reads server-sent events from one /completion response.
type stream struct {
	ctx    context.Context
	body   io.ReadCloser
	r      *bufio.Reader
	prompt []int
	err    error
	once   sync.Once
}

func (s *stream) Next() (backend.Fragment, error) {
	for s.err == nil {
		line, err := s.r.ReadString('\n')
		if l := strings.TrimSpace(line); strings.HasPrefix(l, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(l, "data:"))
			if data == "[DONE]" {
				s.err = io.EOF
				break
			}
			var c completionChunk
			if jerr := json.Unmarshal([]byte(data), &c); jerr != nil {
				s.err = fmt.Errorf("decode completion chunk: %w", jerr)
				break
			}
			if c.Error != nil {
				s.err = c.Error
				break
			}
			if c.Stop {
				s.err = io.EOF
				if c.StopType == "limit" {
					s.err = backend.ErrMaxTokens
				}
				if c.Content != "" {
					return backend.Fragment{Text: c.Content, Tokens: c.Tokens}, nil
				}
				break
			}
			if c.Content != "" || len(c.Tokens) > 0 {
				return backend.Fragment{Text: c.Content, Tokens: c.Tokens}, nil
			}
		}
		if err != nil {
			switch {
			case s.ctx.Err() != nil:
				s.err = s.ctx.Err()
			case errors.Is(err, io.EOF):
				s.err = io.ErrUnexpectedEOF
			default:
				s.err = err
			}
		}
	}
	return backend.Fragment{}, s.err
}

func (s *stream) PromptTokens() []int { return append([]int(nil), s.prompt...) }

func (s *stream) Close() error {
	var err error
	s.once.Do(func() { err = s.body.Close() })
	return err
}
