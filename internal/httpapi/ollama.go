package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"runnerd/internal/fetcher"
	"runnerd/internal/serving"
	"runnerd/internal/session"
	"runnerd/pkg/types"
)

func ollamaOptions(o *types.Options) sampling {
	if o == nil {
		return sampling{}
	}
	return sampling{
		Temperature:   o.Temperature,
		TopP:          o.TopP,
		TopK:          o.TopK,
		RepeatPenalty: o.RepeatPenalty,
		Seed:          o.Seed,
		MaxTokens:     o.NumPredict,
		Stop:          o.Stop,
	}
}

// streaming reports the Ollama stream flag, which defaults to true.
func streaming(flag *bool) bool { return flag == nil || *flag }

// ndjsonWriter writes one JSON object per line and flushes after each.
type ndjsonWriter struct {
	enc   *json.Encoder
	flush func()
}

func newNDJSONWriter(w http.ResponseWriter, r *http.Request) *ndjsonWriter {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	return &ndjsonWriter{enc: json.NewEncoder(streamOut(w, r)), flush: flusher(w)}
}

func (n *ndjsonWriter) line(v any) error {
	if err := n.enc.Encode(v); err != nil {
		return err
	}
	n.flush()
	return nil
}

func (n *ndjsonWriter) fail(err error) {
	_ = n.line(map[string]string{"error": err.Error()})
}

func details(e types.CatalogEntry) types.ModelDetails {
	return types.ModelDetails{
		Format:            e.Format,
		Family:            e.Family,
		ParameterSize:     e.ParameterSize,
		QuantizationLevel: e.QuantizationLevel,
	}
}

// handleGenerate godoc
// @Summary      Ollama generate
// @Description  Streams NDJSON lines unless "stream": false. An empty prompt only loads the model.
// @Tags         ollama
// @Accept       json
// @Produce      application/x-ndjson
// @Param        request  body      types.GenerateRequest  true  "Generate request"
// @Success      200      {object}  types.GenerateResponse
// @Failure      400      {object}  types.ErrorResponse
// @Failure      404      {object}  types.ErrorResponse
// @Failure      429      {object}  types.ErrorResponse
// @Failure      500      {object}  types.ErrorResponse
// @Router       /api/generate [post]
func (s *server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var req types.GenerateRequest
	if status, err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, status, err.Error())
		return
	}
	ctx, cancel := requestContext(r.Context())
	defer cancel()

	if strings.TrimSpace(req.Prompt) == "" && req.System == "" {
		d, err := s.svc.Load(ctx, req.Model)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, types.GenerateResponse{
			Model:        types.ParseModelKey(req.Model).String(),
			CreatedAt:    time.Now().UTC(),
			Done:         true,
			DoneReason:   "load",
			LoadDuration: d.Nanoseconds(),
		})
		return
	}

	sreq := serving.Request{
		Model:     req.Model,
		Prompt:    req.Prompt,
		System:    req.System,
		Raw:       req.Raw,
		Context:   req.Context,
		SessionID: req.SessionID,
		Options:   ollamaOptions(req.Options).options(),
	}
	start := time.Now()

	if !streaming(req.Stream) {
		resp, err := s.svc.Generate(ctx, sreq)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, types.GenerateResponse{
			Model:           resp.Model.String(),
			CreatedAt:       resp.CreatedAt,
			Response:        resp.Text,
			Done:            true,
			DoneReason:      string(resp.Reason),
			Context:         resp.Context,
			TotalDuration:   resp.TotalDuration.Nanoseconds(),
			LoadDuration:    resp.LoadDuration.Nanoseconds(),
			PromptEvalCount: resp.PromptTokens,
			EvalCount:       resp.TokensGenerated,
		})
		return
	}

	st, err := s.svc.GenerateStream(ctx, sreq)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	defer st.Close()
	model := st.Model.String()
	out := newNDJSONWriter(w, r)
	for ev := range st.Events() {
		if ev.Kind == session.KindFragment {
			if err := out.line(types.GenerateResponse{Model: model, CreatedAt: time.Now().UTC(), Response: ev.Text}); err != nil {
				return
			}
			continue
		}
		sum := ev.Done
		if sum.Reason == session.ReasonError {
			reqLog(r).Warn().Err(sum.Err).Str("model", model).Msg("stream failed")
			out.fail(sum.Err)
			return
		}
		_ = out.line(types.GenerateResponse{
			Model:           model,
			CreatedAt:       time.Now().UTC(),
			Done:            true,
			DoneReason:      string(sum.Reason),
			Context:         sum.Context,
			TotalDuration:   time.Since(start).Nanoseconds(),
			LoadDuration:    st.LoadDuration.Nanoseconds(),
			PromptEvalCount: len(sum.PromptTokens),
			EvalCount:       sum.TokensGenerated,
		})
	}
}

// handleChat godoc
// @Summary      Ollama chat
// @Tags         ollama
// @Accept       json
// @Produce      application/x-ndjson
// @Param        request  body      types.ChatRequest  true  "Chat request"
// @Success      200      {object}  types.ChatResponse
// @Failure      400      {object}  types.ErrorResponse
// @Failure      404      {object}  types.ErrorResponse
// @Router       /api/chat [post]
func (s *server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req types.ChatRequest
	if status, err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, status, err.Error())
		return
	}
	ctx, cancel := requestContext(r.Context())
	defer cancel()

	if len(req.Messages) == 0 {
		d, err := s.svc.Load(ctx, req.Model)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, types.ChatResponse{
			Model:        types.ParseModelKey(req.Model).String(),
			CreatedAt:    time.Now().UTC(),
			Message:      types.ChatMessage{Role: "assistant"},
			Done:         true,
			DoneReason:   "load",
			LoadDuration: d.Nanoseconds(),
		})
		return
	}

	sreq := serving.Request{
		Model:     req.Model,
		Messages:  toMessages(req.Messages),
		SessionID: req.SessionID,
		Options:   ollamaOptions(req.Options).options(),
	}
	start := time.Now()

	if !streaming(req.Stream) {
		resp, err := s.svc.Generate(ctx, sreq)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, types.ChatResponse{
			Model:           resp.Model.String(),
			CreatedAt:       resp.CreatedAt,
			Message:         types.ChatMessage{Role: "assistant", Content: resp.Text},
			Done:            true,
			DoneReason:      string(resp.Reason),
			TotalDuration:   resp.TotalDuration.Nanoseconds(),
			LoadDuration:    resp.LoadDuration.Nanoseconds(),
			PromptEvalCount: resp.PromptTokens,
			EvalCount:       resp.TokensGenerated,
		})
		return
	}

	st, err := s.svc.GenerateStream(ctx, sreq)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	defer st.Close()
	model := st.Model.String()
	out := newNDJSONWriter(w, r)
	for ev := range st.Events() {
		if ev.Kind == session.KindFragment {
			msg := types.ChatMessage{Role: "assistant", Content: ev.Text}
			if err := out.line(types.ChatResponse{Model: model, CreatedAt: time.Now().UTC(), Message: msg}); err != nil {
				return
			}
			continue
		}
		sum := ev.Done
		if sum.Reason == session.ReasonError {
			out.fail(sum.Err)
			return
		}
		_ = out.line(types.ChatResponse{
			Model:           model,
			CreatedAt:       time.Now().UTC(),
			Message:         types.ChatMessage{Role: "assistant"},
			Done:            true,
			DoneReason:      string(sum.Reason),
			TotalDuration:   time.Since(start).Nanoseconds(),
			LoadDuration:    st.LoadDuration.Nanoseconds(),
			PromptEvalCount: len(sum.PromptTokens),
			EvalCount:       sum.TokensGenerated,
		})
	}
}

// handleTags godoc
// @Summary      List local models
// @Tags         ollama
// @Produce      json
// @Success      200  {object}  types.TagsResponse
// @Router       /api/tags [get]
func (s *server) handleTags(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.ListModels(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resp := types.TagsResponse{Models: make([]types.ListModelResponse, 0, len(entries))}
	for _, e := range entries {
		name := e.Key().String()
		resp.Models = append(resp.Models, types.ListModelResponse{
			Name:       name,
			Model:      name,
			ModifiedAt: e.ModifiedAt,
			Size:       e.Size,
			Digest:     e.Digest,
			Details:    details(e),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleShow godoc
// @Summary      Show a model
// @Tags         ollama
// @Accept       json
// @Produce      json
// @Param        request  body      types.ModelRequest  true  "Model"
// @Success      200      {object}  types.ShowResponse
// @Failure      404      {object}  types.ErrorResponse
// @Router       /api/show [post]
func (s *server) handleShow(w http.ResponseWriter, r *http.Request) {
	var req types.ModelRequest
	if status, err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, status, err.Error())
		return
	}
	e, err := s.svc.ShowModel(r.Context(), req.Ref())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	resident := false
	models, _ := s.svc.Resident()
	for _, m := range models {
		if m.Key == e.Key() {
			resident = true
			break
		}
	}
	writeJSON(w, http.StatusOK, types.ShowResponse{
		Name:       e.Key().String(),
		Path:       e.Path,
		Size:       e.Size,
		Digest:     e.Digest,
		Details:    details(e),
		ModifiedAt: e.ModifiedAt,
		Resident:   resident,
	})
}

// handleDelete godoc
// @Summary      Delete a model
// @Tags         ollama
// @Accept       json
// @Param        request  body  types.ModelRequest  true  "Model"
// @Success      200
// @Failure      404  {object}  types.ErrorResponse
// @Failure      409  {object}  types.ErrorResponse
// @Router       /api/delete [delete]
func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req types.ModelRequest
	if status, err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, status, err.Error())
		return
	}
	if err := s.svc.DeleteModel(r.Context(), req.Ref()); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handlePull godoc
// @Summary      Pull a model
// @Description  Streams NDJSON progress lines unless "stream": false.
// @Tags         ollama
// @Accept       json
// @Produce      application/x-ndjson
// @Param        request  body      types.PullRequest  true  "Pull request"
// @Success      200      {object}  types.ProgressResponse
// @Failure      400      {object}  types.ErrorResponse
// @Router       /api/pull [post]
func (s *server) handlePull(w http.ResponseWriter, r *http.Request) {
	var req types.PullRequest
	if status, err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, status, err.Error())
		return
	}
	ref := req.Ref()
	if strings.TrimSpace(ref) == "" {
		writeJSONError(w, http.StatusBadRequest, "model is required")
		return
	}
	ctx, cancel := joinContexts(r.Context(), serverBaseCtx)
	defer cancel()

	if !streaming(req.Stream) {
		if _, err := s.svc.PullModel(ctx, ref, nil); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, types.ProgressResponse{Status: fetcher.StatusSuccess})
		return
	}

	out := newNDJSONWriter(w, r)
	_, err := s.svc.PullModel(ctx, ref, func(p fetcher.Progress) {
		_ = out.line(types.ProgressResponse{Status: p.Status, Digest: p.Digest, Total: p.Total, Completed: p.Completed})
	})
	if err != nil {
		reqLog(r).Warn().Err(err).Str("model", ref).Msg("pull failed")
		out.fail(err)
	}
}

// handlePs godoc
// @Summary      List resident models
// @Tags         ollama
// @Produce      json
// @Success      200  {object}  types.ProcessResponse
// @Router       /api/ps [get]
func (s *server) handlePs(w http.ResponseWriter, r *http.Request) {
	models, active := s.svc.Resident()
	resp := types.ProcessResponse{Models: make([]types.ProcessModelResponse, 0, len(models))}
	for i, m := range models {
		name := m.Key.String()
		resp.Models = append(resp.Models, types.ProcessModelResponse{
			Name:           name,
			Model:          name,
			Size:           m.Entry.Size,
			Digest:         m.Entry.Digest,
			Details:        details(m.Entry),
			LoadedAt:       m.LoadedAt,
			ActiveSessions: active[i],
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleVersion godoc
// @Summary      Server version
// @Tags         ollama
// @Produce      json
// @Success      200  {object}  types.VersionResponse
// @Router       /api/version [get]
func (s *server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, types.VersionResponse{Version: version})
}
