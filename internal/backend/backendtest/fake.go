// Package backendtest provides a scripted in-memory backend for tests.
package backendtest

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"runnerd/internal/backend"
)

// ErrClosed is returned by Next after the stream or its handle was closed.
var ErrClosed = errors.New("backendtest: stream closed")

// Loader is a fake backend.Loader. The zero value loads instantly and every
// run emits the words of its prompt echoed back, then end of sequence.
type Loader struct {
	// Gate, when non-nil, blocks Load until it is closed or ctx is done.
	Gate chan struct{}
	// Err makes every Load fail.
	Err error
	// Script returns the fragments emitted for a request.
	Script func(req backend.Request) []string
	// Endless streams never reach end of sequence.
	Endless bool
	// FailAfter, when positive, makes Next return StepErr after that many fragments.
	FailAfter int
	StepErr   error
	// Step, when non-nil, makes every decode step wait for a value.
	Step chan struct{}

	loads atomic.Int64

	mu      sync.Mutex
	perPath map[string]int
	failFor map[string]error
	handles map[string]*Handle
}

var _ backend.Loader = (*Loader)(nil)

// FailPath makes loads of path fail with err until cleared with a nil err.
func (l *Loader) FailPath(path string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failFor == nil {
		l.failFor = make(map[string]error)
	}
	if err == nil {
		delete(l.failFor, path)
		return
	}
	l.failFor[path] = err
}

func (l *Loader) Load(ctx context.Context, path string, hint backend.DeviceHint) (backend.Handle, error) {
	l.loads.Add(1)
	l.mu.Lock()
	if l.perPath == nil {
		l.perPath = make(map[string]int)
	}
	l.perPath[path]++
	failErr := l.failFor[path]
	l.mu.Unlock()

	if l.Gate != nil {
		select {
		case <-l.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if l.Err != nil {
		return nil, l.Err
	}
	if failErr != nil {
		return nil, failErr
	}
	h := &Handle{loader: l, Path: path, Hint: hint}
	l.mu.Lock()
	if l.handles == nil {
		l.handles = make(map[string]*Handle)
	}
	l.handles[path] = h
	l.mu.Unlock()
	return h, nil
}

// Loads returns the total number of Load calls.
func (l *Loader) Loads() int { return int(l.loads.Load()) }

// LoadsFor returns the number of Load calls for path.
func (l *Loader) LoadsFor(path string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.perPath[path]
}

// Handle returns the most recent handle loaded for path.
func (l *Loader) Handle(path string) *Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.handles[path]
}

// Handle is the fake loaded model.
type Handle struct {
	loader *Loader
	Path   string
	Hint   backend.DeviceHint

	runs   atomic.Int64
	steps  atomic.Int64
	closed atomic.Bool

	mu       sync.Mutex
	requests []backend.Request
}

func (h *Handle) Run(ctx context.Context, req backend.Request) (backend.TokenStream, error) {
	if h.closed.Load() {
		return nil, ErrClosed
	}
	h.runs.Add(1)
	h.mu.Lock()
	h.requests = append(h.requests, req)
	h.mu.Unlock()
	var frags []string
	if h.loader.Script != nil {
		frags = h.loader.Script(req)
	} else {
		frags = strings.Fields(req.Prompt)
	}
	prompt := append([]int(nil), req.Context...)
	for i := range strings.Fields(req.Prompt) {
		prompt = append(prompt, 1000+i)
	}
	return &stream{ctx: ctx, h: h, frags: frags, prompt: prompt, done: make(chan struct{})}, nil
}

func (h *Handle) Close() error {
	h.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (h *Handle) Closed() bool { return h.closed.Load() }

// Runs returns the number of Run calls.
func (h *Handle) Runs() int { return int(h.runs.Load()) }

// Steps returns the number of decode steps performed across all runs.
func (h *Handle) Steps() int { return int(h.steps.Load()) }

// Requests returns a copy of every request seen by Run.
func (h *Handle) Requests() []backend.Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]backend.Request(nil), h.requests...)
}

type stream struct {
	ctx    context.Context
	h      *Handle
	frags  []string
	prompt []int
	n      int

	once sync.Once
	done chan struct{}
}

func (s *stream) Next() (backend.Fragment, error) {
	select {
	case <-s.done:
		return backend.Fragment{}, ErrClosed
	case <-s.ctx.Done():
		return backend.Fragment{}, s.ctx.Err()
	default:
	}
	l := s.h.loader
	if l.Step != nil {
		select {
		case <-l.Step:
		case <-s.done:
			return backend.Fragment{}, ErrClosed
		case <-s.ctx.Done():
			return backend.Fragment{}, s.ctx.Err()
		}
	}
	if l.FailAfter > 0 && s.n >= l.FailAfter {
		return backend.Fragment{}, l.StepErr
	}
	if !l.Endless && s.n >= len(s.frags) {
		return backend.Fragment{}, io.EOF
	}
	s.h.steps.Add(1)
	text := "tok"
	if s.n < len(s.frags) {
		text = s.frags[s.n]
	}
	s.n++
	return backend.Fragment{Text: text, Tokens: []int{s.n}}, nil
}

func (s *stream) PromptTokens() []int { return append([]int(nil), s.prompt...) }

func (s *stream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}
