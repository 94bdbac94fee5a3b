package reducer

import "fmt"

// finalizeBackward is queued to run once the differentiation engine's
// work for this iteration has drained. It waits out every bucket's
// collective, applies the world-size division the collective itself
// does not, and leaves the Reducer ready for the next prepareForBackward.
func (r *Reducer) finalizeBackward() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	for i := range r.buckets {
		bucket := &r.buckets[i]
		for _, replica := range bucket.replicas {
			if replica.pending != 0 {
				r.fail(fmt.Errorf("%w: bucket %d", ErrFinalizeRequired, i))
				return
			}
		}
	}

	for i := range r.buckets {
		bucket := &r.buckets[i]
		if err := r.finalizeBucket(bucket); err != nil {
			r.fail(err)
			return
		}
		if !bucket.expectSparseGradient {
			if err := r.FinalizeBucketDense(bucket); err != nil {
				r.fail(err)
				return
			}
		}
	}

	if r.findUnusedParameters {
		if err := r.resetUsageMapsForNextIteration(); err != nil {
			r.fail(err)
			return
		}
	}

	r.numIterations++
	r.expectAutogradHooks = false
}

// FinalizeBucketDense reconciles one dense bucket's per-variable gradients
// now that its collective has completed. A parameter used on at least one
// process ends up with its gradient aliasing the bucket's reduced view,
// whether or not this process itself produced a gradient for it; a
// parameter unused everywhere in the process group is left untouched.
func (r *Reducer) FinalizeBucketDense(bucket *Bucket) error {
	for replicaIndex := range bucket.replicas {
		replica := &bucket.replicas[replicaIndex]
		for intraIndex, variable := range replica.variables {
			view := replica.bucketViews[intraIndex]

			globalUnused := false
			if r.findUnusedParameters {
				variableIndex := bucket.variableIndices[intraIndex]
				globalUnused = r.localUsedMaps[replicaIndex].GetInt(int64(variableIndex)) == 0
				// global_unused might not be global yet: a variable this
				// process never touched is only truly unused once every
				// other process agrees, which the usage all-reduce tells
				// us. Only pay for that wait when we actually hit one.
				if globalUnused && !r.localUsedMapsReduced {
					if err := r.waitUsageAllReduce(); err != nil {
						return err
					}
					globalUnused = r.localUsedMaps[replicaIndex].GetInt(int64(variableIndex)) == 0
				}
			}

			r.runGradCallbackForVariable(variable, func(grad Tensor) (Tensor, bool) {
				if globalUnused {
					return nil, false
				}
				if grad == nil || !grad.IsAliasOf(view) {
					return view, true
				}
				return nil, false
			})
		}
	}
	return nil
}

// finalizeBucket waits for one bucket's collective (or comm hook future)
// and folds its result back into the bucket's contents, including the
// implicit world-size division a plain all-reduce leaves to the caller.
func (r *Reducer) finalizeBucket(bucket *Bucket) error {
	if r.commHook != nil {
		if bucket.futureErr != nil {
			return bucket.futureErr
		}
		if bucket.futureWork == nil {
			return fmt.Errorf("reducer: comm hook never returned a future for this bucket")
		}
		if err := bucket.futureWork.Wait(); err != nil {
			return err
		}
		results, err := r.commHook.ProcessFuture(bucket.futureWork.Value())
		if err != nil {
			return err
		}
		if len(results) != len(bucket.replicas) {
			return fmt.Errorf("reducer: comm hook returned %d tensors, want %d", len(results), len(bucket.replicas))
		}
		for i := range bucket.replicas {
			if !results[i].IsAliasOf(bucket.replicas[i].contents) {
				bucket.replicas[i].contents.CopyFrom(results[i])
			}
		}
		bucket.futureWork = nil
		return nil
	}

	if bucket.workErr != nil {
		return bucket.workErr
	}
	if bucket.work == nil {
		return fmt.Errorf("reducer: collective was never launched for this bucket")
	}
	if err := bucket.work.Wait(); err != nil {
		return err
	}
	bucket.work = nil

	worldSize := 1
	if r.processGroup != nil {
		worldSize = r.processGroup.Size()
	}
	if worldSize > 1 {
		for i := range bucket.replicas {
			bucket.replicas[i].contents.DivScalar(float64(worldSize))
		}
	}
	return nil
}
