package httpapi

import (
	"bytes"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// zlog is the HTTP layer's logger. The zero value discards everything.
var zlog = zerolog.Nop()

// SetLogger installs the logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = l.With().Str("component", "http").Logger() }

// parseLevel accepts zerolog level names plus "off" and the legacy "1"
// (debug). Unknown values fall back to info.
func parseLevel(s string) zerolog.Level {
	switch s = strings.ToLower(strings.TrimSpace(s)); s {
	case "off":
		return zerolog.Disabled
	case "1":
		return zerolog.DebugLevel
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// requestLogLevel returns the level for r: ?log= wins over X-Log-Level, and
// both override the installed logger's level.
func requestLogLevel(r *http.Request) zerolog.Level {
	if v := r.URL.Query().Get("log"); v != "" {
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return zlog.GetLevel()
}

// AccessLog attaches a per-request logger to the context and writes one line
// per request once the handler returns.
func AccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l := zlog.Level(requestLogLevel(r))
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			l = l.With().Str("request_id", rid).Logger()
		}
		r = r.WithContext(l.WithContext(r.Context()))

		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sr, r)
		l.Info().
			Str("method", r.Method).
			Str("path", routePatternOrPath(r)).
			Int("status", sr.status).
			Dur("dur", time.Since(start)).
			Msg("request")
	})
}

// reqLog returns the logger AccessLog attached to r.
func reqLog(r *http.Request) *zerolog.Logger {
	return zerolog.Ctx(r.Context())
}

// loggingLineWriter logs complete streamed lines at debug level.
type loggingLineWriter struct {
	log *zerolog.Logger
	buf []byte
}

func (lw *loggingLineWriter) Write(p []byte) (int, error) {
	lw.buf = append(lw.buf, p...)
	for {
		idx := bytes.IndexByte(lw.buf, '\n')
		if idx < 0 {
			break
		}
		if line := bytes.TrimSpace(lw.buf[:idx]); len(line) > 0 {
			lw.log.Debug().Bytes("line", line).Msg("stream>")
		}
		lw.buf = lw.buf[idx+1:]
	}
	return len(p), nil
}
