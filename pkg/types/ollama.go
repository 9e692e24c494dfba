package types

import "time"

// Options carries Ollama sampling options. Nil fields fall back to server defaults.
type Options struct {
	Temperature   *float64 `json:"temperature,omitempty" example:"0.8"`
	TopP          *float64 `json:"top_p,omitempty" example:"0.95"`
	TopK          *int     `json:"top_k,omitempty" example:"40"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty" example:"1.1"`
	Seed          *int64   `json:"seed,omitempty" example:"42"`
	NumPredict    *int     `json:"num_predict,omitempty" example:"128"`
	Stop          []string `json:"stop,omitempty"`
}

// GenerateRequest is the body of POST /api/generate.
type GenerateRequest struct {
	Model  string `json:"model" example:"llama3"`
	Prompt string `json:"prompt" example:"Why is the sky blue?"`
	System string `json:"system,omitempty"`
	// Token context returned by a previous call; takes precedence over session_id.
	Context []int    `json:"context,omitempty"`
	Stream  *bool    `json:"stream,omitempty"`
	Raw     bool     `json:"raw,omitempty"`
	Options *Options `json:"options,omitempty"`
	// Session whose stored context is carried across calls.
	SessionID string `json:"session_id,omitempty"`
}

// GenerateResponse is a streamed NDJSON line or the final body of /api/generate.
type GenerateResponse struct {
	Model              string    `json:"model"`
	CreatedAt          time.Time `json:"created_at"`
	Response           string    `json:"response"`
	Done               bool      `json:"done"`
	DoneReason         string    `json:"done_reason,omitempty"`
	Context            []int     `json:"context,omitempty"`
	TotalDuration      int64     `json:"total_duration,omitempty"`
	LoadDuration       int64     `json:"load_duration,omitempty"`
	PromptEvalCount    int       `json:"prompt_eval_count,omitempty"`
	EvalCount          int       `json:"eval_count,omitempty"`
	Error              string    `json:"error,omitempty"`
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Model     string        `json:"model" example:"llama3"`
	Messages  []ChatMessage `json:"messages"`
	Stream    *bool         `json:"stream,omitempty"`
	Options   *Options      `json:"options,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
}

// ChatResponse is a streamed NDJSON line or the final body of /api/chat.
type ChatResponse struct {
	Model           string      `json:"model"`
	CreatedAt       time.Time   `json:"created_at"`
	Message         ChatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason,omitempty"`
	TotalDuration   int64       `json:"total_duration,omitempty"`
	LoadDuration    int64       `json:"load_duration,omitempty"`
	PromptEvalCount int         `json:"prompt_eval_count,omitempty"`
	EvalCount       int         `json:"eval_count,omitempty"`
	Error           string      `json:"error,omitempty"`
}

type ModelDetails struct {
	Format            string `json:"format" example:"gguf"`
	Family            string `json:"family" example:"llama"`
	ParameterSize     string `json:"parameter_size" example:"8B"`
	QuantizationLevel string `json:"quantization_level" example:"Q4_K_M"`
}

type ListModelResponse struct {
	Name       string       `json:"name" example:"llama3:latest"`
	Model      string       `json:"model" example:"llama3:latest"`
	ModifiedAt time.Time    `json:"modified_at"`
	Size       int64        `json:"size" example:"4661224676"`
	Digest     string       `json:"digest"`
	Details    ModelDetails `json:"details"`
}

// TagsResponse is returned by GET /api/tags.
type TagsResponse struct {
	Models []ListModelResponse `json:"models"`
}

// ModelRequest names a model; Ollama clients send either "model" or the legacy "name".
type ModelRequest struct {
	Model string `json:"model,omitempty" example:"llama3"`
	Name  string `json:"name,omitempty"`
}

// Ref returns whichever of Model or Name is set.
func (r ModelRequest) Ref() string {
	if r.Model != "" {
		return r.Model
	}
	return r.Name
}

// ShowResponse is returned by POST /api/show.
type ShowResponse struct {
	Name       string       `json:"name"`
	Path       string       `json:"path"`
	Size       int64        `json:"size"`
	Digest     string       `json:"digest"`
	Details    ModelDetails `json:"details"`
	ModifiedAt time.Time    `json:"modified_at"`
	Resident   bool         `json:"resident"`
}

// PullRequest is the body of POST /api/pull.
type PullRequest struct {
	ModelRequest
	Insecure bool  `json:"insecure,omitempty"`
	Stream   *bool `json:"stream,omitempty"`
}

// ProgressResponse is one NDJSON line of pull progress.
type ProgressResponse struct {
	Status    string `json:"status" example:"downloading"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}

type ProcessModelResponse struct {
	Name           string       `json:"name"`
	Model          string       `json:"model"`
	Size           int64        `json:"size"`
	Digest         string       `json:"digest"`
	Details        ModelDetails `json:"details"`
	LoadedAt       time.Time    `json:"loaded_at"`
	ActiveSessions int          `json:"active_sessions"`
}

// ProcessResponse is returned by GET /api/ps.
type ProcessResponse struct {
	Models []ProcessModelResponse `json:"models"`
}

// VersionResponse is returned by GET /api/version.
type VersionResponse struct {
	Version string `json:"version" example:"0.1.0"`
}
