// Package infer defines the boundary to the inference engine: the batch
// inference function type, the error taxonomy the batcher relies on to
// distinguish out-of-memory failures, and the process-wide cache handle.
package infer

import "context"

// Sequence is one unit of inference work. Tokens drive all batching geometry
// (length, bucketing, token budgets); Prompt is the raw text an engine may
// prefer to render from.
type Sequence struct {
	Tokens []int
	Prompt string
}

// Fn runs inference over a batch of sequences and returns one output per
// input, same length and order. Implementations must return an error
// satisfying IsOOM for device out-of-memory conditions, or the batcher's
// retry-once policy cannot trigger.
type Fn func(ctx context.Context, batch []Sequence) ([]string, error)

// CacheClearer frees the engine's process-wide inference cache. Clearing is
// best-effort; concurrent batches racing a clear may each trigger their own.
type CacheClearer interface {
	ClearCache()
}

// NoopCache satisfies CacheClearer for engines without a reclaimable cache.
type NoopCache struct{}

func (NoopCache) ClearCache() {}
