package main

// General API documentation for swaggo. Regenerate with `swag init -g cmd/runnerd/docs.go`.
//
// @title           runnerd API
// @version         1.0
// @description     OpenAI- and Ollama-compatible HTTP API for local GGUF models.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
