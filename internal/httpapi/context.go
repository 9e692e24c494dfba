package httpapi

import (
	"context"
)

// serverBaseCtx is a process-level context that is canceled on shutdown.
var serverBaseCtx = context.Background()

// SetBaseContext sets the process-level base context used by handlers.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		serverBaseCtx = context.Background()
		return
	}
	serverBaseCtx = ctx
}

// requestContext derives the context a generation runs under: it ends when
// the client goes away, the server shuts down or the request timeout fires.
func requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := joinContexts(parent, serverBaseCtx)
	if requestTimeout <= 0 {
		return ctx, cancel
	}
	tctx, tcancel := context.WithTimeout(ctx, requestTimeout)
	return tctx, func() {
		tcancel()
		cancel()
	}
}

// joinContexts returns a context that keeps a's values and is canceled when
// either a or b is done.
func joinContexts(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
