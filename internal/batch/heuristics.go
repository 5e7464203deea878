package batch

import "math/bits"

// BucketPolicy maps a sequence length to a bucket id. Policies are pluggable;
// swapping one never requires changes elsewhere in the batcher.
type BucketPolicy func(seqLen int) int

// Pow2Bucket rounds lengths up to the next power of two (llama.cpp padding
// style), with a minimum bucket of step.
func Pow2Bucket(step int) BucketPolicy {
	if step <= 0 {
		step = 32
	}
	return func(l int) int {
		if l <= step {
			return step
		}
		return 1 << bits.Len(uint(l-1))
	}
}

// TokenRatioBucket keeps bucket boundaries within ratio of each other, e.g.
// ratio 1.5 groups 128-192, 192-288, and so on.
func TokenRatioBucket(ratio float64) BucketPolicy {
	if ratio <= 1 {
		ratio = 1.5
	}
	return func(l int) int {
		base := 32
		for float64(l) > float64(base)*ratio {
			base *= 2
		}
		return base
	}
}
