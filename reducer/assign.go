package reducer

import (
	"errors"
	"fmt"
	"sort"
)

// DefaultFirstBucketBytes is the byte budget of the first bucket a rebuild
// proposes, small enough that its all-reduce can be launched early and
// hide its latency behind the rest of the backward pass. New itself uses
// the caller's bucketIndices and does not consult it.
const DefaultFirstBucketBytes int64 = 1 << 20

// bucketKey groups candidates that may be coalesced into one bucket: they
// must share a dtype and a device.
type bucketKey struct {
	dtype  DType
	device Device
}

type bucketAccumulator struct {
	indices []int
	size    int64
}

// ComputeBucketAssignmentBySize partitions candidates into buckets under a
// sequence of byte budgets. Any candidate flagged in expectSparseGradient
// gets a singleton bucket of its own; the rest are grouped by (dtype,
// device) and split whenever a group's running size reaches the current
// budget, advancing to the next budget in sizeLimits (clamped at the
// last one) each time a bucket is emitted for that group.
//
// When tensorIndices is empty, result buckets are sorted by the minimum
// index they contain, on the assumption that the candidate order reflects
// forward-pass usage order. When tensorIndices is provided, the emission
// order is preserved untouched, since callers rely on it reflecting
// observed gradient-readiness order (the rebuild path).
func ComputeBucketAssignmentBySize(candidates []BucketCandidate, sizeLimits []int64, expectSparseGradient []bool, tensorIndices []int) ([][]int, error) {
	if len(candidates) == 0 {
		return nil, errors.New("reducer: compute_bucket_assignment_by_size requires at least one tensor")
	}
	if len(expectSparseGradient) != 0 && len(expectSparseGradient) != len(candidates) {
		return nil, fmt.Errorf("reducer: expect_sparse_gradient has %d entries, want %d", len(expectSparseGradient), len(candidates))
	}
	if len(sizeLimits) == 0 {
		return nil, errors.New("reducer: at least one bucket size limit is required")
	}

	var result [][]int

	var keys []bucketKey
	buckets := make(map[bucketKey]*bucketAccumulator)
	limitIdx := make(map[bucketKey]int)

	for i, c := range candidates {
		tensorIndex := i
		if len(tensorIndices) != 0 {
			tensorIndex = tensorIndices[i]
		}

		if len(expectSparseGradient) != 0 && expectSparseGradient[i] {
			result = append(result, []int{tensorIndex})
			continue
		}

		key := bucketKey{dtype: c.DType(), device: c.Device()}
		acc, ok := buckets[key]
		if !ok {
			acc = &bucketAccumulator{}
			buckets[key] = acc
			limitIdx[key] = 0
			keys = append(keys, key)
		}
		acc.indices = append(acc.indices, tensorIndex)
		acc.size += c.Numel() * c.ElementSize()

		limit := sizeLimits[limitIdx[key]]
		if acc.size >= limit {
			result = append(result, acc.indices)
			buckets[key] = &bucketAccumulator{}
			if next := limitIdx[key] + 1; next < len(sizeLimits) {
				limitIdx[key] = next
			}
		}
	}

	// Emit leftover accumulators in the order their (dtype, device) group
	// was first seen, so the result is deterministic regardless of the
	// hash map's iteration order.
	for _, key := range keys {
		if acc := buckets[key]; len(acc.indices) > 0 {
			result = append(result, acc.indices)
		}
	}

	if len(tensorIndices) == 0 {
		sort.SliceStable(result, func(i, j int) bool {
			return minIndex(result[i]) < minIndex(result[j])
		})
	}

	return result, nil
}
