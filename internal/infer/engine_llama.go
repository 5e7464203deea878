//go:build llama

package infer

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"
)

// Engine runs inference in-process through llama.cpp. One loaded model,
// serialized generation: llama contexts are not reentrant, so batches are
// rendered sequence by sequence under the engine lock.
type Engine struct {
	mu      sync.Mutex
	model   *llama.LLama
	ctxSize int
	threads int
}

// NewEngine loads the model at modelPath with the given context size.
func NewEngine(modelPath string, ctxSize, threads int) (*Engine, error) {
	if strings.TrimSpace(modelPath) == "" {
		return nil, errors.New("model path is empty")
	}
	m, err := llama.New(modelPath, llama.SetContext(ctxSize))
	if err != nil {
		return nil, err
	}
	return &Engine{model: m, ctxSize: ctxSize, threads: threads}, nil
}

// Infer generates one completion per sequence, in order. OOM-looking llama
// errors are re-tagged so the batcher's retry policy can see them.
func (e *Engine) Infer(ctx context.Context, batch []Sequence) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return nil, ErrUnavailable("llama model not initialized")
	}
	outs := make([]string, 0, len(batch))
	for _, seq := range batch {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text, err := e.model.Predict(seq.Prompt,
			llama.SetThreads(maxInt(1, e.threads)),
			llama.SetTokens(e.ctxSize),
		)
		if err != nil {
			if looksLikeOOM(err) {
				return nil, ErrOutOfMemory(err.Error())
			}
			return nil, err
		}
		outs = append(outs, text)
	}
	return outs, nil
}

// Tokenize maps text to llama token ids.
func (e *Engine) Tokenize(text string) ([]int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return nil, ErrUnavailable("llama model not initialized")
	}
	n, toks, err := e.model.TokenizeString(text, llama.SetTokens(e.ctxSize))
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, int(n))
	for _, t := range toks[:int(n)] {
		out = append(out, int(t))
	}
	return out, nil
}

// ClearCache releases what the binding lets us release. llama.cpp does not
// expose a KV-cache reset through this binding, so the best available lever
// is a Go collection pass to drop any freed cgo-adjacent buffers.
func (e *Engine) ClearCache() {
	runtime.GC()
}

// Close frees the loaded model.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model != nil {
		e.model.Free()
		e.model = nil
	}
	return nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func looksLikeOOM(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "out of memory") || strings.Contains(s, "oom")
}
