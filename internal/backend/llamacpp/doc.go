// Package llamacpp runs GGUF models inside the runnerd process through
// go-llama.cpp. It is compiled only with the 'llama' build tag; without it
// the Loader reports backend.ErrUnavailable.
package llamacpp
