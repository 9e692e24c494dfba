package serving

import (
	"context"
	"fmt"
	"strings"
	"time"

	"runnerd/internal/backend"
	"runnerd/internal/manager"
	"runnerd/internal/session"
	"runnerd/pkg/types"
)

// Message is one chat turn.
type Message struct {
	Role    string
	Content string
}

// Request is one generation.
type Request struct {
	// Model is a "name[:tag]" reference.
	Model  string
	Prompt string
	System string
	// Messages, when set, replace Prompt; they are rendered one
	// "role: content" line per turn.
	Messages []Message
	// SessionID selects stored context to continue and update.
	SessionID string
	// Context, when non-empty, is used instead of the stored session context.
	Context []int
	Options backend.GenerationOptions
	// Raw sends Prompt verbatim, ignoring System.
	Raw bool
}

// Response is the result of a blocking generation.
type Response struct {
	Model           types.ModelKey
	Text            string
	Reason          session.Reason
	PromptTokens    int
	TokensGenerated int
	Context         []int
	LoadDuration    time.Duration
	TotalDuration   time.Duration
	CreatedAt       time.Time
}

// Stream is a running streaming generation.
type Stream struct {
	*session.Stream
	Model        types.ModelKey
	LoadDuration time.Duration
	CreatedAt    time.Time
}

// RenderPrompt turns a request into the prompt text sent to the backend.
func RenderPrompt(req Request) string {
	if len(req.Messages) > 0 {
		lines := make([]string, 0, len(req.Messages))
		for _, m := range req.Messages {
			lines = append(lines, m.Role+": "+m.Content)
		}
		return strings.Join(lines, "\n")
	}
	if req.Raw || req.System == "" {
		return req.Prompt
	}
	return "system: " + req.System + "\n" + req.Prompt
}

type prepared struct {
	key     types.ModelKey
	lease   *manager.Lease
	release func()
	req     backend.Request
	loadDur time.Duration
	start   time.Time
}

func (p *prepared) done() {
	p.release()
	p.lease.Release()
}

// prepare acquires the model and an execution slot and builds the backend
// request. Errors from the residency cache are returned unchanged.
func (s *Service) prepare(ctx context.Context, req Request, stream bool) (*prepared, error) {
	key := types.ParseModelKey(req.Model)
	if key.IsZero() {
		return nil, fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}
	cfg := req.Options.Resolve(s.defaults)
	cfg.Stream = stream
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	start := time.Now()
	lease, err := s.mgr.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	loadDur := time.Since(start)
	release, err := s.mgr.Admit(ctx, lease)
	if err != nil {
		lease.Release()
		return nil, err
	}
	prior := req.Context
	if len(prior) == 0 && req.SessionID != "" {
		prior = s.contexts.Get(req.SessionID)
	}
	return &prepared{
		key:     key,
		lease:   lease,
		release: release,
		req:     backend.Request{Prompt: RenderPrompt(req), Context: prior, Config: cfg},
		loadDur: loadDur,
		start:   start,
	}, nil
}

func (s *Service) sessionOptions(p *prepared, sessionID string) session.Options {
	return session.Options{
		Buffer: s.buffer,
		Log:    s.log.With().Str("model", p.key.String()).Logger(),
		OnComplete: func(sum session.Summary) {
			if sessionID != "" && sum.Reason != session.ReasonError {
				s.contexts.Put(sessionID, sum.Context)
			}
		},
		OnFinish: func(session.Summary) { p.done() },
		WrapErr:  func(err error) error { return GenerationFailureError{Key: p.key, Err: err} },
	}
}

// Generate runs a request to completion. Residency errors are returned as is;
// backend failures become GenerationFailureError and the partial text is
// dropped. The session context, if any, is updated before returning.
func (s *Service) Generate(ctx context.Context, req Request) (Response, error) {
	p, err := s.prepare(ctx, req, false)
	if err != nil {
		return Response{}, err
	}
	res, err := session.Run(ctx, p.lease.Model().Handle, p.req, s.sessionOptions(p, req.SessionID))
	if err != nil {
		if ctx.Err() != nil {
			return Response{}, ctx.Err()
		}
		if !IsGenerationFailure(err) {
			err = GenerationFailureError{Key: p.key, Err: err}
		}
		return Response{}, err
	}
	return Response{
		Model:           p.key,
		Text:            res.Text,
		Reason:          res.Reason,
		PromptTokens:    len(res.PromptTokens),
		TokensGenerated: res.TokensGenerated,
		Context:         res.Context,
		LoadDuration:    p.loadDur,
		TotalDuration:   time.Since(p.start),
		CreatedAt:       time.Now().UTC(),
	}, nil
}

// GenerateStream starts a streaming generation. The caller must drain the
// stream or Close it; either releases the model. Fragments already delivered
// stay delivered when the backend fails; the failure arrives as the terminal
// event with reason "error" and a GenerationFailureError.
func (s *Service) GenerateStream(ctx context.Context, req Request) (*Stream, error) {
	p, err := s.prepare(ctx, req, true)
	if err != nil {
		return nil, err
	}
	st := session.Start(ctx, p.lease.Model().Handle, p.req, s.sessionOptions(p, req.SessionID))
	return &Stream{Stream: st, Model: p.key, LoadDuration: p.loadDur, CreatedAt: time.Now().UTC()}, nil
}
