// Package batch implements the length-aware, memory-bounded inference
// scheduler: requests are grouped into buckets by sequence length, flushed
// into token-budgeted batches by a single self-terminating flusher, and run
// with a one-shot OOM retry after a cache clear.
package batch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"gpumemd/internal/infer"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxTokens = 8192
	defaultInterval  = 5 * time.Millisecond
	defaultMaxQueue  = 10_000
)

// Request is one enqueued sequence plus its completion handle. A request
// belongs to exactly one bucket list until the flusher moves it, atomically
// under the batcher lock, into an in-flight batch.
type Request struct {
	ID     string
	Bucket int
	Seq    infer.Sequence

	done chan outcome // buffered 1; written exactly once
}

type outcome struct {
	output string
	err    error
}

// Wait blocks until the request's batch resolves or ctx is done.
//
// Known gap, kept from the source design: there is no cancellation of the
// batch itself. A request whose batch never runs (process crash mid-flight)
// leaves its handle unresolved forever; Wait's ctx lets the caller stop
// waiting but does not reclaim the request.
func (r *Request) Wait(ctx context.Context) (string, error) {
	select {
	case out := <-r.done:
		return out.output, out.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *Request) resolve(output string) { r.done <- outcome{output: output} }
func (r *Request) reject(err error)      { r.done <- outcome{err: err} }

// Config carries batcher tunables. Zero values select defaults.
type Config struct {
	// MaxTokens is the per-batch token budget (default 8192).
	MaxTokens int
	// Interval is the flusher's single accumulation sleep (default 5ms).
	Interval time.Duration
	// MaxQueue bounds total pending requests across buckets (default 10000).
	MaxQueue int
	// Policy maps sequence length to bucket id (default power-of-two).
	Policy BucketPolicy
	// Cache is cleared before the one-shot OOM retry. Nil skips the clear.
	Cache  infer.CacheClearer
	Logger zerolog.Logger
}

// Batcher groups pending requests by length bucket and flushes them into
// memory-bounded batches. One mutex guards all bucket mutation; at most one
// flusher goroutine exists at a time, it self-terminates after one cycle, and
// only a later Enqueue re-arms it, so idle periods cost no polling.
type Batcher struct {
	fn        infer.Fn
	cache     infer.CacheClearer
	maxTokens int
	interval  time.Duration
	maxQueue  int
	policy    BucketPolicy
	log       zerolog.Logger

	mu            sync.Mutex
	buckets       map[int][]*Request
	flusherActive bool
}

// New builds a batcher around the given inference function.
func New(fn infer.Fn, cfg Config) *Batcher {
	b := &Batcher{
		fn:        fn,
		cache:     cfg.Cache,
		maxTokens: cfg.MaxTokens,
		interval:  cfg.Interval,
		maxQueue:  cfg.MaxQueue,
		policy:    cfg.Policy,
		log:       cfg.Logger.With().Str("component", "smart_batch").Logger(),
		buckets:   make(map[int][]*Request),
	}
	if b.maxTokens <= 0 {
		b.maxTokens = defaultMaxTokens
	}
	if b.interval <= 0 {
		b.interval = defaultInterval
	}
	if b.maxQueue <= 0 {
		b.maxQueue = defaultMaxQueue
	}
	if b.policy == nil {
		b.policy = Pow2Bucket(32)
	}
	return b
}

// Enqueue adds a sequence and returns its request handle. Fails immediately
// with ErrQueueFull when the backlog limit is reached; no bucket is touched
// in that case. Starts the flusher if none is running.
func (b *Batcher) Enqueue(seq infer.Sequence) (*Request, error) {
	b.mu.Lock()
	if b.depthLocked() >= b.maxQueue {
		b.mu.Unlock()
		return nil, ErrQueueFull
	}
	req := &Request{
		ID:     uuid.NewString(),
		Bucket: b.policy(len(seq.Tokens)),
		Seq:    seq,
		done:   make(chan outcome, 1),
	}
	b.buckets[req.Bucket] = append(b.buckets[req.Bucket], req)
	queueDepth.WithLabelValues(bucketLabel(req.Bucket)).Inc()
	if !b.flusherActive {
		b.flusherActive = true
		go b.flushOnce()
	}
	b.mu.Unlock()
	return req, nil
}

// QueueDepth reports total pending requests across all buckets.
func (b *Batcher) QueueDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.depthLocked()
}

func (b *Batcher) depthLocked() int {
	n := 0
	for _, lst := range b.buckets {
		n += len(lst)
	}
	return n
}

// flushOnce sleeps one interval to let requests accumulate, then partitions
// every non-empty bucket into a token-budgeted batch and a remainder, spawns
// a run goroutine per batch, and exits. It never re-arms itself.
func (b *Batcher) flushOnce() {
	time.Sleep(b.interval)

	b.mu.Lock()
	for bid, lst := range b.buckets {
		if len(lst) == 0 {
			continue
		}
		batch, rest := b.splitTokens(lst)
		b.buckets[bid] = rest
		if len(batch) > 0 {
			queueDepth.WithLabelValues(bucketLabel(bid)).Sub(float64(len(batch)))
			go b.runBatch(bid, batch)
		}
	}
	b.flusherActive = false
	b.mu.Unlock()
}

// splitTokens partitions lst in original order. The running total counts
// every request seen, including ones routed to rest, so once the budget is
// crossed all later requests in the bucket wait for the next flush.
func (b *Batcher) splitTokens(lst []*Request) (batch, rest []*Request) {
	total := 0
	for _, req := range lst {
		n := len(req.Seq.Tokens)
		if total+n > b.maxTokens {
			rest = append(rest, req)
		} else {
			batch = append(batch, req)
		}
		total += n
	}
	return batch, rest
}

// runBatch executes one batch: resolve every handle in input order on
// success, reject every handle with the same error on failure. The latency
// observation is recorded whatever the outcome.
func (b *Batcher) runBatch(bid int, reqs []*Request) {
	start := time.Now()
	defer func() {
		batchLatency.WithLabelValues(bucketLabel(bid)).
			Observe(float64(time.Since(start)) / float64(time.Millisecond))
	}()

	inputs := make([]infer.Sequence, len(reqs))
	for i, r := range reqs {
		inputs[i] = r.Seq
	}
	outs, err := b.safeInfer(inputs)
	if err != nil {
		for _, r := range reqs {
			r.reject(err)
		}
		b.log.Error().Err(err).Int("bucket", bid).Int("size", len(reqs)).Msg("batch failed")
		return
	}
	for i, r := range reqs {
		if i < len(outs) {
			r.resolve(outs[i])
		} else {
			r.reject(infer.ErrUnavailable("inference returned short batch"))
		}
	}
}

// safeInfer calls the inference function and, on an OOM-class error, clears
// the cache and retries exactly once. A second failure is returned as-is.
func (b *Batcher) safeInfer(inputs []infer.Sequence) ([]string, error) {
	ctx := context.Background()
	outs, err := b.fn(ctx, inputs)
	if err == nil || !infer.IsOOM(err) {
		return outs, err
	}
	b.log.Warn().Err(err).Msg("OOM caught, retrying after cache clear")
	if b.cache != nil {
		b.cache.ClearCache()
	}
	oomRetriesTotal.Inc()
	return b.fn(ctx, inputs)
}
