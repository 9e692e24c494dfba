// Package session runs one generation against a loaded model and delivers its
// output as an ordered, bounded, cancellable event stream.
package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"runnerd/internal/backend"
)

// DefaultBuffer is the number of events buffered between producer and consumer.
const DefaultBuffer = 100

// Reason is why a session ended.
type Reason string

const (
	ReasonStop   Reason = "stop"
	ReasonLength Reason = "length"
	ReasonError  Reason = "error"
)

// EventKind tells fragments from the terminal event.
type EventKind int

const (
	KindFragment EventKind = iota
	KindDone
)

// Event is either a fragment of output or the terminal event carrying Done.
// Exactly one terminal event is sent per session unless the consumer closed
// the stream first.
type Event struct {
	Kind   EventKind
	Text   string
	Tokens []int
	Done   *Summary
}

// Summary describes a finished session.
type Summary struct {
	Reason Reason
	// TokensGenerated counts fragments produced by the backend.
	TokensGenerated int
	PromptTokens    []int
	// Context is PromptTokens followed by every generated token; it is what a
	// follow-up turn should pass back as context.
	Context  []int
	Err      error
	Duration time.Duration
	// Canceled is set when the consumer left before the terminal event.
	Canceled bool
}

// Options tune a session.
type Options struct {
	// Buffer bounds the event channel; zero means DefaultBuffer.
	Buffer int
	Log    zerolog.Logger
	// OnComplete runs on the producer just before the terminal event is
	// delivered, so its effects are visible to a consumer that has seen it.
	OnComplete func(Summary)
	// OnFinish runs exactly once on the producer goroutine after it stops,
	// whether it completed, failed or was canceled.
	OnFinish func(Summary)
	// WrapErr, if set, rewrites a failure before it is reported.
	WrapErr func(error) error
}

// Stream is the consumer side of a running session.
type Stream struct {
	events chan Event
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Start begins generating on its own goroutine and returns immediately. The
// handle is only borrowed: Start never closes it. Canceling ctx has the same
// effect as Close.
func Start(ctx context.Context, h backend.Handle, req backend.Request, opts Options) *Stream {
	buf := opts.Buffer
	if buf <= 0 {
		buf = DefaultBuffer
	}
	s := &Stream{
		events: make(chan Event, buf),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.produce(ctx, h, req, opts)
	return s
}

// Events returns the event channel. It is closed after the terminal event, or
// after the producer observed cancellation.
func (s *Stream) Events() <-chan Event { return s.events }

// Close tells the producer to stop. The producer performs at most one more
// decode step. Close does not wait; use Done for that.
func (s *Stream) Close() {
	s.once.Do(func() { close(s.stop) })
}

// Done is closed once the producer has stopped and released the backend stream.
func (s *Stream) Done() <-chan struct{} { return s.done }

func (s *Stream) dropped(ctx context.Context) bool {
	select {
	case <-s.stop:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// send delivers ev, blocking while the buffer is full. It reports false if the
// consumer went away first.
func (s *Stream) send(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *Stream) produce(ctx context.Context, h backend.Handle, req backend.Request, opts Options) {
	start := time.Now()
	cfg := req.Config
	sum := Summary{}
	var generated []int
	defer close(s.done)
	defer close(s.events)
	defer func() {
		sum.Duration = time.Since(start)
		sum.Context = append(append([]int(nil), sum.PromptTokens...), generated...)
		observe(sum)
		if opts.OnFinish != nil {
			opts.OnFinish(sum)
		}
	}()
	terminate := func(reason Reason, err error) {
		if err != nil && opts.WrapErr != nil {
			err = opts.WrapErr(err)
		}
		sum.Reason = reason
		sum.Err = err
		done := sum
		done.Context = append(append([]int(nil), sum.PromptTokens...), generated...)
		done.Duration = time.Since(start)
		if opts.OnComplete != nil {
			opts.OnComplete(done)
		}
		if !s.send(ctx, Event{Kind: KindDone, Done: &done}) {
			sum.Canceled = true
		}
	}

	sessionsActive.Inc()
	defer sessionsActive.Dec()

	if s.dropped(ctx) {
		sum.Canceled = true
		return
	}
	// The backend only sees runCtx, which Close cancels, so a decode step
	// blocked inside the engine is interrupted too.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-runCtx.Done():
		}
	}()
	ts, err := h.Run(runCtx, req)
	if err != nil {
		if s.dropped(ctx) {
			sum.Canceled = true
			return
		}
		opts.Log.Warn().Str("event", "generation_error").Err(err).Msg("backend run failed")
		terminate(ReasonError, err)
		return
	}
	defer ts.Close()
	sum.PromptTokens = ts.PromptTokens()
	stops := newStopMatcher(cfg.Stop)

	for {
		// Checked before every decode step so a dropped consumer costs at
		// most the step already in progress.
		if s.dropped(ctx) {
			sum.Canceled = true
			return
		}
		if sum.TokensGenerated >= cfg.MaxOutputTokens {
			terminate(ReasonLength, nil)
			return
		}
		frag, err := ts.Next()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			terminate(ReasonStop, nil)
			return
		case errors.Is(err, backend.ErrMaxTokens):
			terminate(ReasonLength, nil)
			return
		case s.dropped(ctx):
			sum.Canceled = true
			return
		default:
			opts.Log.Warn().Str("event", "generation_error").Int("tokens", sum.TokensGenerated).Err(err).Msg("backend failed mid-generation")
			terminate(ReasonError, err)
			return
		}
		sum.TokensGenerated++
		generated = append(generated, frag.Tokens...)
		text, hit := stops.feed(frag.Text)
		if text != "" || len(frag.Tokens) > 0 {
			if !s.send(ctx, Event{Kind: KindFragment, Text: text, Tokens: frag.Tokens}) {
				sum.Canceled = true
				return
			}
		}
		if hit {
			terminate(ReasonStop, nil)
			return
		}
	}
}

// stopMatcher finds stop sequences across fragment boundaries. Output already
// delivered is never withheld or retracted, so a stop sequence that straddles
// fragments truncates only the part still undelivered.
type stopMatcher struct {
	stops  []string
	keep   int
	window string
}

func newStopMatcher(stops []string) *stopMatcher {
	m := &stopMatcher{}
	for _, s := range stops {
		if s == "" {
			continue
		}
		m.stops = append(m.stops, s)
		if len(s)-1 > m.keep {
			m.keep = len(s) - 1
		}
	}
	return m
}

// feed returns the part of frag to emit and whether a stop sequence matched.
func (m *stopMatcher) feed(frag string) (string, bool) {
	if len(m.stops) == 0 {
		return frag, false
	}
	combined := m.window + frag
	at := -1
	for _, s := range m.stops {
		if i := strings.Index(combined, s); i >= 0 && (at < 0 || i < at) {
			at = i
		}
	}
	if at >= 0 {
		cut := at - len(m.window)
		if cut <= 0 {
			return "", true
		}
		return frag[:cut], true
	}
	if len(combined) > m.keep {
		combined = combined[len(combined)-m.keep:]
	}
	m.window = combined
	return frag, false
}
