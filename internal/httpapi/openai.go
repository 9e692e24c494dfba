package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"runnerd/internal/backend"
	"runnerd/internal/serving"
	"runnerd/internal/session"
	"runnerd/pkg/types"
)

type sampling struct {
	Temperature   *float64
	TopP          *float64
	TopK          *int
	RepeatPenalty *float64
	Seed          *int64
	MaxTokens     *int
	Stop          []string
}

func (o sampling) options() backend.GenerationOptions {
	return backend.GenerationOptions{
		Temperature:     o.Temperature,
		TopP:            o.TopP,
		TopK:            o.TopK,
		RepeatPenalty:   o.RepeatPenalty,
		Seed:            o.Seed,
		MaxOutputTokens: o.MaxTokens,
		Stop:            o.Stop,
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func toMessages(in []types.ChatMessage) []serving.Message {
	out := make([]serving.Message, 0, len(in))
	for _, m := range in {
		out = append(out, serving.Message{Role: m.Role, Content: m.Content})
	}
	return out
}

// streamOut mirrors streamed lines into the request log at debug level.
func streamOut(w http.ResponseWriter, r *http.Request) io.Writer {
	l := reqLog(r)
	if l.GetLevel() <= zerolog.DebugLevel {
		return io.MultiWriter(w, &loggingLineWriter{log: l})
	}
	return w
}

// sseWriter writes Server-Sent Events in the OpenAI streaming format.
type sseWriter struct {
	out   io.Writer
	flush func()
}

func newSSEWriter(w http.ResponseWriter, r *http.Request) *sseWriter {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{out: streamOut(w, r), flush: flusher(w)}
}

func (s *sseWriter) data(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.out, "data: %s\n\n", b); err != nil {
		return err
	}
	s.flush()
	return nil
}

func (s *sseWriter) done() {
	_, _ = io.WriteString(s.out, "data: [DONE]\n\n")
	s.flush()
}

// fail delivers an error after the stream has started, then terminates it.
func (s *sseWriter) fail(err error) {
	_ = s.data(types.OpenAIError{Error: types.OpenAIErrorBody{Message: err.Error(), Type: "server_error"}})
	s.done()
}

func usage(prompt, completion int) types.Usage {
	return types.Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: prompt + completion}
}

func (s *server) openAIError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusTooManyRequests {
		IncrementBackpressure("queue")
	}
	writeOpenAIError(w, status, err.Error())
}

// handleChatCompletions godoc
// @Summary      OpenAI chat completion
// @Description  Runs a chat completion. With "stream": true the reply is a text/event-stream of chunks ending with "data: [DONE]".
// @Tags         openai
// @Accept       json
// @Produce      json
// @Produce      text/event-stream
// @Param        request  body      types.ChatCompletionRequest  true  "Chat completion request"
// @Success      200      {object}  types.ChatCompletionResponse
// @Failure      400      {object}  types.OpenAIError
// @Failure      404      {object}  types.OpenAIError
// @Failure      429      {object}  types.OpenAIError
// @Failure      500      {object}  types.OpenAIError
// @Router       /v1/chat/completions [post]
func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req types.ChatCompletionRequest
	if status, err := decodeJSON(w, r, &req); err != nil {
		writeOpenAIError(w, status, err.Error())
		return
	}
	if len(req.Messages) == 0 {
		writeOpenAIError(w, http.StatusBadRequest, "messages must not be empty")
		return
	}
	maxTokens := req.MaxTokens
	if req.MaxCompletionTokens != nil {
		maxTokens = req.MaxCompletionTokens
	}
	sreq := serving.Request{
		Model:     req.Model,
		Messages:  toMessages(req.Messages),
		SessionID: firstNonEmpty(req.SessionID, req.User),
		Options: sampling{
			Temperature: req.Temperature, TopP: req.TopP, TopK: req.TopK, RepeatPenalty: req.RepeatPenalty,
			Seed: req.Seed, MaxTokens: maxTokens, Stop: req.Stop,
		}.options(),
	}
	ctx, cancel := requestContext(r.Context())
	defer cancel()
	id := "chatcmpl-" + uuid.NewString()

	if !req.Stream {
		resp, err := s.svc.Generate(ctx, sreq)
		if err != nil {
			s.openAIError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, types.ChatCompletionResponse{
			ID:      id,
			Object:  "chat.completion",
			Created: resp.CreatedAt.Unix(),
			Model:   resp.Model.String(),
			Choices: []types.ChatCompletionChoice{{
				Message:      types.ChatMessage{Role: "assistant", Content: resp.Text},
				FinishReason: string(resp.Reason),
			}},
			Usage: usage(resp.PromptTokens, resp.TokensGenerated),
		})
		return
	}

	st, err := s.svc.GenerateStream(ctx, sreq)
	if err != nil {
		s.openAIError(w, err)
		return
	}
	defer st.Close()
	chunk := func(delta types.ChatDelta, finish *string, u *types.Usage) types.ChatCompletionChunk {
		return types.ChatCompletionChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: st.CreatedAt.Unix(),
			Model:   st.Model.String(),
			Choices: []types.ChatCompletionChunkChoice{{Delta: delta, FinishReason: finish}},
			Usage:   u,
		}
	}
	out := newSSEWriter(w, r)
	if err := out.data(chunk(types.ChatDelta{Role: "assistant"}, nil, nil)); err != nil {
		return
	}
	for ev := range st.Events() {
		if ev.Kind == session.KindFragment {
			if err := out.data(chunk(types.ChatDelta{Content: ev.Text}, nil, nil)); err != nil {
				return
			}
			continue
		}
		sum := ev.Done
		if sum.Reason == session.ReasonError {
			reqLog(r).Warn().Err(sum.Err).Str("model", st.Model.String()).Msg("stream failed")
			out.fail(sum.Err)
			return
		}
		reason := string(sum.Reason)
		u := usage(len(sum.PromptTokens), sum.TokensGenerated)
		_ = out.data(chunk(types.ChatDelta{}, &reason, &u))
		out.done()
	}
}

// handleCompletions godoc
// @Summary      OpenAI text completion
// @Tags         openai
// @Accept       json
// @Produce      json
// @Param        request  body      types.CompletionRequest  true  "Completion request"
// @Success      200      {object}  types.CompletionResponse
// @Failure      400      {object}  types.OpenAIError
// @Failure      404      {object}  types.OpenAIError
// @Router       /v1/completions [post]
func (s *server) handleCompletions(w http.ResponseWriter, r *http.Request) {
	var req types.CompletionRequest
	if status, err := decodeJSON(w, r, &req); err != nil {
		writeOpenAIError(w, status, err.Error())
		return
	}
	sreq := serving.Request{
		Model:     req.Model,
		Prompt:    req.Prompt,
		Raw:       true,
		SessionID: firstNonEmpty(req.SessionID, req.User),
		Options: sampling{
			Temperature: req.Temperature, TopP: req.TopP, TopK: req.TopK, RepeatPenalty: req.RepeatPenalty,
			Seed: req.Seed, MaxTokens: req.MaxTokens, Stop: req.Stop,
		}.options(),
	}
	ctx, cancel := requestContext(r.Context())
	defer cancel()
	id := "cmpl-" + uuid.NewString()

	if !req.Stream {
		resp, err := s.svc.Generate(ctx, sreq)
		if err != nil {
			s.openAIError(w, err)
			return
		}
		reason := string(resp.Reason)
		u := usage(resp.PromptTokens, resp.TokensGenerated)
		writeJSON(w, http.StatusOK, types.CompletionResponse{
			ID:      id,
			Object:  "text_completion",
			Created: resp.CreatedAt.Unix(),
			Model:   resp.Model.String(),
			Choices: []types.CompletionChoice{{Text: resp.Text, FinishReason: &reason}},
			Usage:   &u,
		})
		return
	}

	st, err := s.svc.GenerateStream(ctx, sreq)
	if err != nil {
		s.openAIError(w, err)
		return
	}
	defer st.Close()
	chunk := func(text string, finish *string, u *types.Usage) types.CompletionResponse {
		return types.CompletionResponse{
			ID:      id,
			Object:  "text_completion",
			Created: st.CreatedAt.Unix(),
			Model:   st.Model.String(),
			Choices: []types.CompletionChoice{{Text: text, FinishReason: finish}},
			Usage:   u,
		}
	}
	out := newSSEWriter(w, r)
	for ev := range st.Events() {
		if ev.Kind == session.KindFragment {
			if err := out.data(chunk(ev.Text, nil, nil)); err != nil {
				return
			}
			continue
		}
		sum := ev.Done
		if sum.Reason == session.ReasonError {
			out.fail(sum.Err)
			return
		}
		reason := string(sum.Reason)
		u := usage(len(sum.PromptTokens), sum.TokensGenerated)
		_ = out.data(chunk("", &reason, &u))
		out.done()
	}
}

// handleOpenAIModels godoc
// @Summary      List models (OpenAI shape)
// @Tags         openai
// @Produce      json
// @Success      200  {object}  types.ModelList
// @Router       /v1/models [get]
func (s *server) handleOpenAIModels(w http.ResponseWriter, r *http.Request) {
	entries, err := s.svc.ListModels(r.Context())
	if err != nil {
		s.openAIError(w, err)
		return
	}
	list := types.ModelList{Object: "list", Data: make([]types.ModelObject, 0, len(entries))}
	for _, e := range entries {
		list.Data = append(list.Data, types.ModelObject{
			ID:      e.Key().String(),
			Object:  "model",
			Created: e.CreatedAt.Unix(),
			OwnedBy: "runnerd",
		})
	}
	writeJSON(w, http.StatusOK, list)
}
