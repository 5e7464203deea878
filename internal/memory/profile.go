package memory

import (
	"sync"
	"time"
)

// Profile defaults applied by NewProfile when unset.
const (
	defaultGrowthRate     = 1.05
	defaultRecoveryBuffer = 0.85

	maxHistory          = 100
	minHistoryPoints    = 5
	minRecentPoints     = 3
	recentWindow        = 300 * time.Second
	minSequenceLength   = 128
	defaultSequenceSize = 2048
)

type sample struct {
	at    time.Time
	bytes int64
}

// Profile is the per-workload memory cost model: a linear estimate of usage
// as a function of batch size and token count, plus a rolling usage history
// used to project growth. The monitor's poll tick is the only writer of the
// history; reads from other goroutines go through the profile's lock.
type Profile struct {
	Name          string
	BaseUsage     int64 // bytes
	PerBatchUsage int64 // bytes per batch item
	PerTokenUsage int64 // bytes per token
	// GrowthRate inflates projections to account for non-linear growth.
	GrowthRate float64
	// RecoveryBuffer is the target usage fraction after an OOM recovery.
	RecoveryBuffer float64

	mu      sync.Mutex
	history []sample
	now     func() time.Time
}

// NewProfile builds a profile with defaulted growth rate and recovery buffer.
func NewProfile(name string, baseUsage, perBatchUsage, perTokenUsage int64) *Profile {
	return &Profile{
		Name:           name,
		BaseUsage:      baseUsage,
		PerBatchUsage:  perBatchUsage,
		PerTokenUsage:  perTokenUsage,
		GrowthRate:     defaultGrowthRate,
		RecoveryBuffer: defaultRecoveryBuffer,
		now:            time.Now,
	}
}

// EstimateUsage returns the modeled memory footprint in bytes for the given
// batch size and token count.
func (p *Profile) EstimateUsage(batchSize, tokenCount int) int64 {
	if batchSize < 1 {
		batchSize = 1
	}
	if tokenCount < 1 {
		tokenCount = 1
	}
	return p.BaseUsage + p.PerBatchUsage*int64(batchSize) + p.PerTokenUsage*int64(tokenCount)
}

// MaxBatchSize returns the largest batch that fits in availableBytes at the
// given per-sequence token count. Never returns less than 1.
func (p *Profile) MaxBatchSize(availableBytes int64, tokenCount int) int {
	if p.PerBatchUsage <= 0 {
		return 1
	}
	if availableBytes < 0 {
		availableBytes = 0
	}
	if tokenCount < 0 {
		tokenCount = 0
	}
	batchMemory := availableBytes - p.BaseUsage - p.PerTokenUsage*int64(tokenCount)
	if batchMemory <= 0 {
		return 1
	}
	n := int(batchMemory / p.PerBatchUsage)
	if n < 1 {
		return 1
	}
	return n
}

// MaxSequenceLength returns the longest sequence that fits in availableBytes
// at the given batch size. Never returns less than 128; returns 2048 when the
// profile has no per-token cost to divide by.
func (p *Profile) MaxSequenceLength(availableBytes int64, batchSize int) int {
	if p.PerTokenUsage <= 0 {
		return defaultSequenceSize
	}
	if availableBytes < 0 {
		availableBytes = 0
	}
	if batchSize < 1 {
		batchSize = 1
	}
	tokenMemory := availableBytes - p.BaseUsage - p.PerBatchUsage*int64(batchSize)
	if tokenMemory <= 0 {
		return minSequenceLength
	}
	n := int(tokenMemory / p.PerTokenUsage)
	if n < minSequenceLength {
		return minSequenceLength
	}
	return n
}

// UpdateHistory appends a usage sample, dropping the oldest beyond 100.
func (p *Profile) UpdateHistory(usedBytes uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.history = append(p.history, sample{at: p.timeNow(), bytes: int64(usedBytes)})
	if len(p.history) > maxHistory {
		p.history = p.history[len(p.history)-maxHistory:]
	}
}

// HistoryLen reports the number of retained samples.
func (p *Profile) HistoryLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.history)
}

// ProjectGrowth extrapolates memory usage horizon into the future from an
// ordinary-least-squares fit over the recent (last 300s) history, scaled by
// the profile's growth rate. The second return is false when no projection is
// available: fewer than 5 total or 3 recent samples, or a degenerate fit.
// Callers must treat false as "no signal", not as zero.
func (p *Profile) ProjectGrowth(horizon time.Duration) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.history) < minHistoryPoints {
		return 0, false
	}
	recent := p.recentLocked()
	if len(recent) < minRecentPoints {
		return 0, false
	}

	slope, intercept, ok := fitLine(recent)
	if !ok {
		// No time variation across the window; the last sample is the best guess.
		return recent[len(recent)-1].bytes, true
	}
	projected := intercept + slope*horizon.Seconds()
	return int64(projected * p.GrowthRate), true
}

// Slope returns the realized growth rate in bytes/second over the recent
// window, for spike and leak detection by external profilers.
func (p *Profile) Slope() (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	recent := p.recentLocked()
	if len(p.history) < minHistoryPoints || len(recent) < minRecentPoints {
		return 0, false
	}
	slope, _, ok := fitLine(recent)
	if !ok {
		return 0, false
	}
	return slope, true
}

// recentLocked filters history to samples within the recent window.
func (p *Profile) recentLocked() []sample {
	cutoff := p.timeNow().Add(-recentWindow)
	var out []sample
	for _, s := range p.history {
		if s.at.After(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

func (p *Profile) timeNow() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

// fitLine computes an OLS fit over (t, bytes) with time normalized to start
// at zero so the sums stay small. ok is false when the time span is zero.
func fitLine(pts []sample) (slope, intercept float64, ok bool) {
	t0 := pts[0].at
	var maxT float64
	xs := make([]float64, len(pts))
	for i, s := range pts {
		xs[i] = s.at.Sub(t0).Seconds()
		if xs[i] > maxT {
			maxT = xs[i]
		}
	}
	if maxT == 0 {
		return 0, 0, false
	}
	n := float64(len(pts))
	var sumX, sumY, sumXX, sumXY float64
	for i, s := range pts {
		y := float64(s.bytes)
		sumX += xs[i]
		sumY += y
		sumXX += xs[i] * xs[i]
		sumXY += xs[i] * y
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, 0, false
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return slope, intercept, true
}

// FindOptimalBatch searches the candidate sequence lengths for the
// (batch size, sequence length) pair maximizing throughput (their product)
// within available memory, after applying the safety buffer factor.
func FindOptimalBatch(availableBytes int64, p *Profile, tokenLengths []int, memoryBuffer float64) (int, int) {
	effective := int64(float64(availableBytes) * memoryBuffer)
	bestBatch := 1
	bestSeq := 1024
	if len(tokenLengths) > 0 {
		bestSeq = tokenLengths[0]
		for _, l := range tokenLengths[1:] {
			if l < bestSeq {
				bestSeq = l
			}
		}
	}
	maxThroughput := 0
	for _, seqLen := range tokenLengths {
		batch := p.MaxBatchSize(effective, seqLen)
		if t := batch * seqLen; t > maxThroughput {
			maxThroughput = t
			bestBatch = batch
			bestSeq = seqLen
		}
	}
	return bestBatch, bestSeq
}
