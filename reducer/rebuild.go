package reducer

// DefaultBucketBytesCap is the steady-state bucket size limit used for
// every bucket after the first, once the Reducer has observed a full
// iteration's worth of gradient-readiness order.
const DefaultBucketBytesCap int64 = 25 * 1 << 20

// shouldRebuildBuckets reports whether enough of this iteration's
// gradients have arrived to re-derive the bucket layout from their
// observed readiness order. Rebuilding is not supported when unused
// parameters are in play: an iteration that skips some parameters never
// fills rebuildParamIndices to len(replicas[0]) in the same order twice,
// so the layout derived from it cannot be trusted.
func (r *Reducer) shouldRebuildBuckets() bool {
	return !r.hasRebuiltBuckets && !r.findUnusedParameters && len(r.rebuildParamIndices) == len(r.replicas[0])
}

// rebuildBuckets re-partitions buckets using the order gradients became
// ready in during the iteration just finished, which tracks actual
// backward-pass execution order far better than the construction-time
// reverse-parameter-order guess. It runs at most once per Reducer
// lifetime, since that order is stable across iterations once training
// is underway.
func (r *Reducer) rebuildBuckets() error {
	if !r.shouldRebuildBuckets() {
		return nil
	}

	order := r.rebuildParamIndices
	candidates := make([]BucketCandidate, len(order))
	sparse := make([]bool, len(order))
	for i, vi := range order {
		candidates[i] = r.replicas[0][vi]
		sparse[i] = r.expectSparseGradients[0][vi]
	}

	bucketIndices, err := ComputeBucketAssignmentBySize(
		candidates,
		[]int64{DefaultFirstBucketBytes, r.bucketBytesCap},
		sparse,
		order,
	)
	if err != nil {
		return err
	}

	bucketIndices, err = r.syncBucketIndices(bucketIndices)
	if err != nil {
		return err
	}

	if err := r.initializeBuckets(bucketIndices); err != nil {
		return err
	}

	r.hasRebuiltBuckets = true
	r.rebuildParamIndices = nil
	return nil
}
