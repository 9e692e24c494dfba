// Package httpapi exposes the serving facade over HTTP: an OpenAI-compatible
// surface, an Ollama-compatible surface and the operational endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"runnerd/internal/fetcher"
	"runnerd/internal/manager"
	"runnerd/internal/serving"
	"runnerd/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Generate(ctx context.Context, req serving.Request) (serving.Response, error)
	GenerateStream(ctx context.Context, req serving.Request) (*serving.Stream, error)

	ListModels(ctx context.Context) ([]types.CatalogEntry, error)
	ShowModel(ctx context.Context, ref string) (types.CatalogEntry, error)
	DeleteModel(ctx context.Context, ref string) error
	PullModel(ctx context.Context, ref string, progress func(fetcher.Progress)) (types.CatalogEntry, error)

	Load(ctx context.Context, ref string) (time.Duration, error)
	Preload(ctx context.Context, ref string) (string, error)
	Resident() ([]*manager.ResidentModel, []int)
	Unload(ref string) error
	Status() types.StatusResponse
	Ready() bool
	ClearSession(id string)
}

var _ Service = (*serving.Service)(nil)

type server struct {
	svc Service
}

// NewMux builds the router for svc.
func NewMux(svc Service) http.Handler {
	s := &server{svc: svc}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(MetricsMiddleware)
	r.Use(AccessLog)
	r.Use(middleware.Recoverer)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/", s.handleRoot)
	r.Head("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/status", s.handleStatus)
	r.Post("/admin/preload", s.handlePreload)
	r.Post("/admin/unload", s.handleUnload)
	r.Delete("/admin/sessions/{id}", s.handleClearSession)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", s.handleChatCompletions)
		r.Post("/completions", s.handleCompletions)
		r.Get("/models", s.handleOpenAIModels)
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/generate", s.handleGenerate)
		r.Post("/chat", s.handleChat)
		r.Get("/tags", s.handleTags)
		r.Post("/show", s.handleShow)
		r.Delete("/delete", s.handleDelete)
		r.Post("/pull", s.handlePull)
		r.Get("/ps", s.handlePs)
		r.Get("/version", s.handleVersion)
	})

	MountSwagger(r)
	return r
}

var (
	errUnsupportedMedia = errors.New("Content-Type must be application/json")
	errInvalidBody      = errors.New("invalid JSON body")
)

// decodeJSON reads a size-limited JSON body into v. A missing Content-Type is
// accepted, as is the form type curl sends for -d.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) (int, error) {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil || (mt != "application/json" && mt != "application/x-www-form-urlencoded") {
			return http.StatusUnsupportedMediaType, errUnsupportedMedia
		}
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		// Oversized bodies also land here; report them as plain bad input.
		return http.StatusBadRequest, errInvalidBody
	}
	return 0, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zlog.Warn().Err(err).Msg("encode response")
	}
}

// flusher returns a flush func for w; it is a no-op when w cannot flush.
func flusher(w http.ResponseWriter) func() {
	if f, ok := w.(http.Flusher); ok {
		return f.Flush
	}
	return func() {}
}

func (s *server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("runnerd is running"))
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.HealthResponse{Status: "ok", Version: version})
}

func (s *server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.svc.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("loading"))
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Status())
}

// handlePreload godoc
// @Summary      Load a model in the background
// @Tags         admin
// @Accept       json
// @Produce      json
// @Param        body  body      types.PreloadRequest  true  "Model to load"
// @Success      202   {object}  types.PreloadResponse
// @Failure      404   {object}  types.ErrorResponse
// @Router       /admin/preload [post]
func (s *server) handlePreload(w http.ResponseWriter, r *http.Request) {
	var req types.PreloadRequest
	if status, err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, status, err.Error())
		return
	}
	op, err := s.svc.Preload(r.Context(), req.Model)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, types.PreloadResponse{Model: req.Model, Operation: op})
}

func (s *server) handleUnload(w http.ResponseWriter, r *http.Request) {
	var req types.UnloadRequest
	if status, err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, status, err.Error())
		return
	}
	if err := s.svc.Unload(req.Model); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	s.svc.ClearSession(chi.URLParam(r, "id"))
	w.WriteHeader(http.StatusNoContent)
}
