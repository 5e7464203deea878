//go:build !llama

package infer

import "context"

// This file provides a no-CGO stub for the llama engine. It is compiled when
// the 'llama' build tag is NOT set, keeping default builds and CI CGO-free.
// The real engine lives in engine_llama.go (tagged 'llama').

// Engine is a stub that refuses to run inference without the 'llama' build
// tag. No mocked generation in production binaries.
type Engine struct{}

// NewEngine fails fast: the llama runtime is not available in this build.
func NewEngine(modelPath string, ctxSize, threads int) (*Engine, error) {
	return nil, ErrUnavailable("llama support not built (missing 'llama' build tag)")
}

func (e *Engine) Infer(ctx context.Context, batch []Sequence) ([]string, error) {
	return nil, ErrUnavailable("llama support not built (missing 'llama' build tag)")
}

func (e *Engine) Tokenize(text string) ([]int, error) {
	return nil, ErrUnavailable("llama support not built (missing 'llama' build tag)")
}

func (e *Engine) ClearCache() {}

func (e *Engine) Close() error { return nil }
