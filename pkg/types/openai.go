package types

import (
	"encoding/json"
	"fmt"
)

// ChatMessage is a single conversation turn, shared by the OpenAI and Ollama shapes.
type ChatMessage struct {
	// example: user
	Role string `json:"role" example:"user"`
	// example: Why is the sky blue?
	Content string `json:"content" example:"Why is the sky blue?"`
}

// StopList accepts either a single string or an array of strings.
type StopList []string

func (s *StopList) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*s = nil
		return nil
	}
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		if one == "" {
			*s = nil
		} else {
			*s = StopList{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("stop must be a string or an array of strings")
	}
	*s = many
	return nil
}

// ChatCompletionRequest is the body of POST /v1/chat/completions.
type ChatCompletionRequest struct {
	// example: llama3
	Model    string        `json:"model" example:"llama3"`
	Messages []ChatMessage `json:"messages"`
	// example: 0.7
	Temperature *float64 `json:"temperature,omitempty" example:"0.7"`
	// example: 0.9
	TopP *float64 `json:"top_p,omitempty" example:"0.9"`
	// Non-standard extension understood by llama.cpp servers.
	TopK *int `json:"top_k,omitempty" example:"40"`
	// example: 128
	MaxTokens *int `json:"max_tokens,omitempty" example:"128"`
	// Newer clients send max_completion_tokens instead of max_tokens.
	MaxCompletionTokens *int     `json:"max_completion_tokens,omitempty"`
	Stop                StopList `json:"stop,omitempty" swaggertype:"array,string"`
	Seed                *int64   `json:"seed,omitempty" example:"42"`
	RepeatPenalty       *float64 `json:"repeat_penalty,omitempty" example:"1.1"`
	// example: true
	Stream bool `json:"stream,omitempty" example:"true"`
	// Opaque end-user id; used as the session id when session_id is absent.
	User string `json:"user,omitempty"`
	// Session whose stored context is carried across calls.
	SessionID string `json:"session_id,omitempty" example:"chat-42"`
}

// CompletionRequest is the body of POST /v1/completions.
type CompletionRequest struct {
	Model         string   `json:"model" example:"llama3"`
	Prompt        string   `json:"prompt" example:"Once upon a time"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	TopK          *int     `json:"top_k,omitempty"`
	MaxTokens     *int     `json:"max_tokens,omitempty"`
	Stop          StopList `json:"stop,omitempty" swaggertype:"array,string"`
	Seed          *int64   `json:"seed,omitempty"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty"`
	Stream        bool     `json:"stream,omitempty"`
	User          string   `json:"user,omitempty"`
	SessionID     string   `json:"session_id,omitempty"`
}

// Usage contains token accounting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens" example:"12"`
	CompletionTokens int `json:"completion_tokens" example:"64"`
	TotalTokens      int `json:"total_tokens" example:"76"`
}

type ChatCompletionChoice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason" example:"stop"`
}

// ChatCompletionResponse is the non-streaming reply to /v1/chat/completions.
type ChatCompletionResponse struct {
	ID      string                 `json:"id" example:"chatcmpl-5f1c"`
	Object  string                 `json:"object" example:"chat.completion"`
	Created int64                  `json:"created" example:"1700000000"`
	Model   string                 `json:"model" example:"llama3:latest"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   Usage                  `json:"usage"`
}

type ChatDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type ChatCompletionChunkChoice struct {
	Index        int       `json:"index"`
	Delta        ChatDelta `json:"delta"`
	FinishReason *string   `json:"finish_reason"`
}

// ChatCompletionChunk is one SSE event of a streamed chat completion.
type ChatCompletionChunk struct {
	ID      string                      `json:"id"`
	Object  string                      `json:"object" example:"chat.completion.chunk"`
	Created int64                       `json:"created"`
	Model   string                      `json:"model"`
	Choices []ChatCompletionChunkChoice `json:"choices"`
	Usage   *Usage                      `json:"usage,omitempty"`
}

type CompletionChoice struct {
	Index        int     `json:"index"`
	Text         string  `json:"text"`
	FinishReason *string `json:"finish_reason"`
}

// CompletionResponse is both the body and the streamed chunk shape of /v1/completions.
type CompletionResponse struct {
	ID      string             `json:"id"`
	Object  string             `json:"object" example:"text_completion"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   *Usage             `json:"usage,omitempty"`
}

type ModelObject struct {
	ID      string `json:"id" example:"llama3:latest"`
	Object  string `json:"object" example:"model"`
	Created int64  `json:"created" example:"1700000000"`
	OwnedBy string `json:"owned_by" example:"runnerd"`
}

// ModelList is returned by GET /v1/models.
type ModelList struct {
	Object string        `json:"object" example:"list"`
	Data   []ModelObject `json:"data"`
}

// OpenAIError is the error envelope OpenAI clients expect.
type OpenAIError struct {
	Error OpenAIErrorBody `json:"error"`
}

type OpenAIErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    *int   `json:"code,omitempty"`
}
