package session

import (
	"context"
	"strings"

	"runnerd/internal/backend"
)

// Result is the collected output of a blocking run.
type Result struct {
	Text string
	Summary
}

// Run drives a session to completion and buffers its output. When the session
// ends with ReasonError the partial text is discarded and the backend error is
// returned. If ctx ends first the session is canceled and ctx.Err() returned.
func Run(ctx context.Context, h backend.Handle, req backend.Request, opts Options) (Result, error) {
	s := Start(ctx, h, req, opts)
	defer s.Close()
	return Collect(ctx, s)
}

// Collect drains s into a Result.
func Collect(ctx context.Context, s *Stream) (Result, error) {
	var b strings.Builder
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				// Producer stopped without a terminal event: it was canceled.
				if err := ctx.Err(); err != nil {
					return Result{}, err
				}
				return Result{}, context.Canceled
			}
			if ev.Done == nil {
				b.WriteString(ev.Text)
				continue
			}
			if ev.Done.Reason == ReasonError {
				return Result{}, ev.Done.Err
			}
			return Result{Text: b.String(), Summary: *ev.Done}, nil
		case <-ctx.Done():
			s.Close()
			return Result{}, ctx.Err()
		}
	}
}
